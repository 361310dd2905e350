// Package postgres implements store.Store on top of a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"livechat/internal/domain"
	"livechat/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool, retrying with exponential backoff until maxWait elapses.
func Connect(ctx context.Context, databaseURL string, maxWait time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second

	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("Postgres connect failed, retry in %v: %v", next, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres connect (gave up after %v): %w", maxWait, err)
	}
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundf("%s %v", what, id)
	}
	return err
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const sessionColumns = `id, customer_name, customer_email, department_id, assigned_agent_id, status,
	transferred_from, handled_by, created_at, updated_at, closed_at, version`

func scanSession(row pgx.Row) (*domain.ChatSession, error) {
	cs := &domain.ChatSession{}
	err := row.Scan(&cs.ID, &cs.CustomerName, &cs.CustomerEmail, &cs.DepartmentID, &cs.AssignedAgentID,
		&cs.Status, &cs.TransferredFrom, &cs.HandledBy, &cs.CreatedAt, &cs.UpdatedAt, &cs.ClosedAt, &cs.Version)
	return cs, err
}

func (s *Store) CreateSession(ctx context.Context, cs *domain.ChatSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cs.ID, cs.CustomerName, cs.CustomerEmail, cs.DepartmentID, cs.AssignedAgentID, cs.Status,
		cs.TransferredFrom, cs.HandledBy, cs.CreatedAt, cs.UpdatedAt, cs.ClosedAt, cs.Version,
	)
	if err != nil {
		return fmt.Errorf("sessions.Create: %w", err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, cs *domain.ChatSession) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET department_id = $2, assigned_agent_id = $3, status = $4,
		   transferred_from = $5, handled_by = $6, updated_at = $7, closed_at = $8, version = $9
		 WHERE id = $1 AND version < $9`,
		cs.ID, cs.DepartmentID, cs.AssignedAgentID, cs.Status, cs.TransferredFrom, cs.HandledBy,
		cs.UpdatedAt, cs.ClosedAt, cs.Version,
	)
	if err != nil {
		return fmt.Errorf("sessions.Save: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	cs, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return cs, nil
}

func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]domain.ChatSession, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		where = append(where, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		where = append(where, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	args = append(args, limit, offset)

	q := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions.List: %w", err)
	}
	defer rows.Close()
	list := make([]domain.ChatSession, 0)
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions.List scan: %w", err)
		}
		list = append(list, *cs)
	}
	return list, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_session_id, sender_id, sender_name, content, is_system_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.SenderID, m.SenderName, m.Content, m.IsSystemMessage, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("messages.Append: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]domain.Message, error) {
	offset, limit = store.NormalizePage(offset, limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_session_id, sender_id, sender_name, content, is_system_message, created_at
		 FROM messages WHERE chat_session_id = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("messages.List: %w", err)
	}
	defer rows.Close()
	list := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &m.Content, &m.IsSystemMessage, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("messages.List scan: %w", err)
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

const departmentColumns = `id, name, description, is_active, is_customer_care, created_at, updated_at`

func scanDepartment(row pgx.Row) (*domain.Department, error) {
	d := &domain.Department{}
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.IsActive, &d.IsCustomerCare, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// upsertDepartment clears the customer-care flag elsewhere in the same transaction.
func (s *Store) upsertDepartment(ctx context.Context, d *domain.Department, insert bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if d.IsCustomerCare {
		if _, err := tx.Exec(ctx, `UPDATE departments SET is_customer_care = FALSE WHERE is_customer_care AND id <> $1`, d.ID); err != nil {
			return err
		}
	}
	if insert {
		_, err = tx.Exec(ctx,
			`INSERT INTO departments (`+departmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.Name, d.Description, d.IsActive, d.IsCustomerCare, d.CreatedAt, d.UpdatedAt)
	} else {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx,
			`UPDATE departments SET name = $2, description = $3, is_active = $4, is_customer_care = $5, updated_at = $6
			 WHERE id = $1`,
			d.ID, d.Name, d.Description, d.IsActive, d.IsCustomerCare, d.UpdatedAt)
		if err == nil && tag.RowsAffected() == 0 {
			return domain.NotFoundf("department %s", d.ID)
		}
	}
	if err != nil {
		if uniqueViolation(err) {
			return domain.Conflictf("department %q already exists", d.Name)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateDepartment(ctx context.Context, d *domain.Department) error {
	if err := s.upsertDepartment(ctx, d, true); err != nil {
		return fmt.Errorf("departments.Create: %w", err)
	}
	return nil
}

func (s *Store) UpdateDepartment(ctx context.Context, d *domain.Department) error {
	if err := s.upsertDepartment(ctx, d, false); err != nil {
		return fmt.Errorf("departments.Update: %w", err)
	}
	return nil
}

func (s *Store) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM departments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("departments.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("department %s", id)
	}
	return nil
}

func (s *Store) GetDepartment(ctx context.Context, id uuid.UUID) (*domain.Department, error) {
	d, err := scanDepartment(s.pool.QueryRow(ctx, `SELECT `+departmentColumns+` FROM departments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "department", id)
	}
	return d, nil
}

func (s *Store) ListDepartments(ctx context.Context, activeOnly bool) ([]domain.Department, error) {
	q := `SELECT ` + departmentColumns + ` FROM departments`
	if activeOnly {
		q += ` WHERE is_active`
	}
	rows, err := s.pool.Query(ctx, q+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("departments.List: %w", err)
	}
	defer rows.Close()
	list := make([]domain.Department, 0)
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, fmt.Errorf("departments.List scan: %w", err)
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

func (s *Store) CustomerCareDepartment(ctx context.Context) (*domain.Department, error) {
	d, err := scanDepartment(s.pool.QueryRow(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE is_customer_care AND is_active`))
	if err != nil {
		return nil, notFound(err, "department", "customer care")
	}
	return d, nil
}

const userColumns = `id, username, email, full_name, role, department_id, is_active, agent_status, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	u := &domain.User{}
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Role, &u.DepartmentID, &u.IsActive,
		&u.AgentStatus, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.Email, u.FullName, u.Role, u.DepartmentID, u.IsActive, u.AgentStatus, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return domain.Conflictf("user %q already exists", u.Username)
		}
		return fmt.Errorf("users.Create: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u *domain.User) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET username = $2, email = $3, full_name = $4, role = $5, department_id = $6,
		   is_active = $7, agent_status = $8, updated_at = $9
		 WHERE id = $1`,
		u.ID, u.Username, u.Email, u.FullName, u.Role, u.DepartmentID, u.IsActive, u.AgentStatus, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("users.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("user %s", u.ID)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("users.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("user %s", id)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, f store.UserFilter) ([]domain.User, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Role != "" {
		args = append(args, f.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		where = append(where, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if f.AgentStatus != "" {
		args = append(args, f.AgentStatus)
		where = append(where, fmt.Sprintf("agent_status = $%d", len(args)))
	}
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	args = append(args, limit, offset)

	q := `SELECT ` + userColumns + ` FROM users`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY username LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("users.List: %w", err)
	}
	defer rows.Close()
	list := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("users.List scan: %w", err)
		}
		list = append(list, *u)
	}
	return list, rows.Err()
}

func (s *Store) SetAgentStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET agent_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("users.SetAgentStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("user %s", id)
	}
	return nil
}

const reviewColumns = `id, chat_session_id, rating, comment, customer_name, customer_email, agent_id, department_id, created_at`

func scanReview(row pgx.Row) (*domain.Review, error) {
	r := &domain.Review{}
	err := row.Scan(&r.ID, &r.SessionID, &r.Rating, &r.Comment, &r.CustomerName, &r.CustomerEmail,
		&r.AgentID, &r.DepartmentID, &r.CreatedAt)
	return r, err
}

func (s *Store) CreateReview(ctx context.Context, r *domain.Review) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reviews (`+reviewColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.SessionID, r.Rating, r.Comment, r.CustomerName, r.CustomerEmail, r.AgentID, r.DepartmentID, r.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return domain.Conflictf("review already submitted for session %s", r.SessionID)
		}
		return fmt.Errorf("reviews.Create: %w", err)
	}
	return nil
}

func (s *Store) GetReview(ctx context.Context, id uuid.UUID) (*domain.Review, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "review", id)
	}
	return r, nil
}

func (s *Store) GetReviewBySession(ctx context.Context, sessionID uuid.UUID) (*domain.Review, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE chat_session_id = $1`, sessionID))
	if err != nil {
		return nil, notFound(err, "review for session", sessionID)
	}
	return r, nil
}

func (s *Store) ListReviews(ctx context.Context, f store.ReviewFilter) ([]domain.Review, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		where = append(where, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.MinRating > 0 {
		args = append(args, f.MinRating)
		where = append(where, fmt.Sprintf("rating >= $%d", len(args)))
	}
	if f.MaxRating > 0 {
		args = append(args, f.MaxRating)
		where = append(where, fmt.Sprintf("rating <= $%d", len(args)))
	}
	offset, limit := store.NormalizePage(f.Offset, f.Limit)
	args = append(args, limit, offset)

	q := `SELECT ` + reviewColumns + ` FROM reviews`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reviews.List: %w", err)
	}
	defer rows.Close()
	list := make([]domain.Review, 0)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("reviews.List scan: %w", err)
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}
