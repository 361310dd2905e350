package chat

import (
	"context"
	"strings"

	"livechat/internal/domain"
	"livechat/internal/store"

	"github.com/google/uuid"
)

func (s *Service) CreateDepartment(ctx context.Context, d *domain.Department) (*domain.Department, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return nil, domain.Validationf("department name is required")
	}
	now := s.now()
	d.ID = uuid.New()
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := s.store.CreateDepartment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) UpdateDepartment(ctx context.Context, id uuid.UUID, d *domain.Department) (*domain.Department, error) {
	current, err := s.store.GetDepartment(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(d.Name); name != "" {
		current.Name = name
	}
	current.Description = d.Description
	current.IsActive = d.IsActive
	current.IsCustomerCare = d.IsCustomerCare
	current.UpdatedAt = s.now()
	if err := s.store.UpdateDepartment(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Service) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteDepartment(ctx, id)
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*domain.Department, error) {
	return s.store.GetDepartment(ctx, id)
}

func (s *Service) ListDepartments(ctx context.Context, activeOnly bool) ([]domain.Department, error) {
	return s.store.ListDepartments(ctx, activeOnly)
}

func validateUser(u *domain.User) error {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.TrimSpace(u.Email)
	if u.Username == "" {
		return domain.Validationf("username is required")
	}
	if !strings.Contains(u.Email, "@") {
		return domain.Validationf("a valid email is required")
	}
	switch u.Role {
	case domain.RoleAdmin, domain.RoleAgent, domain.RoleCustomer:
	case "":
		u.Role = domain.RoleAgent
	default:
		return domain.Validationf("unknown role %q", u.Role)
	}
	if u.AgentStatus == "" {
		u.AgentStatus = domain.AgentOffline
	}
	if !u.AgentStatus.Valid() {
		return domain.Validationf("unknown agent status %q", u.AgentStatus)
	}
	return nil
}

func (s *Service) CreateUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := validateUser(u); err != nil {
		return nil, err
	}
	now := s.now()
	u.ID = uuid.New()
	u.CreatedAt = now
	u.UpdatedAt = now
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.track(ctx, u)
	return u, nil
}

func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, u *domain.User) (*domain.User, error) {
	current, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.ID = id
	u.CreatedAt = current.CreatedAt
	u.UpdatedAt = s.now()
	if u.AgentStatus == "" {
		u.AgentStatus = current.AgentStatus
	}
	if err := validateUser(u); err != nil {
		return nil, err
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	s.track(ctx, u)
	return u, nil
}

// track keeps the presence tracker in line with the user record.
func (s *Service) track(ctx context.Context, u *domain.User) {
	if !u.IsActive || (u.Role != domain.RoleAgent && u.Role != domain.RoleAdmin) {
		s.presence.Remove(u.ID)
		return
	}
	a := s.presence.Register(*u)
	if a.DepartmentID != nil {
		s.dispatcher.Match(ctx, *a.DepartmentID)
	}
}

func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.dispatcher.AgentDisconnected(ctx, id)
	s.presence.Remove(id)
	return nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if a, ok := s.presence.Get(id); ok {
		u.AgentStatus = a.Status
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, f store.UserFilter) ([]domain.User, error) {
	return s.store.ListUsers(ctx, f)
}

// CreateReview records the customer's rating of a session. The customer,
// agent and department are copied from the session.
func (s *Service) CreateReview(ctx context.Context, req domain.CreateReviewRequest) (*domain.Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, domain.Validationf("rating must be between 1 and 5")
	}
	cs, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	r := &domain.Review{
		ID:            uuid.New(),
		SessionID:     cs.ID,
		Rating:        req.Rating,
		Comment:       strings.TrimSpace(req.Comment),
		CustomerName:  cs.CustomerName,
		CustomerEmail: cs.CustomerEmail,
		AgentID:       cs.HandledBy,
		DepartmentID:  cs.DepartmentID,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) GetReview(ctx context.Context, id uuid.UUID) (*domain.Review, error) {
	return s.store.GetReview(ctx, id)
}

func (s *Service) ListReviews(ctx context.Context, f store.ReviewFilter) ([]domain.Review, error) {
	if f.MinRating != 0 && (f.MinRating < 1 || f.MinRating > 5) {
		return nil, domain.Validationf("min_rating must be between 1 and 5")
	}
	if f.MaxRating != 0 && (f.MaxRating < 1 || f.MaxRating > 5) {
		return nil, domain.Validationf("max_rating must be between 1 and 5")
	}
	return s.store.ListReviews(ctx, f)
}

// ReviewStats counts the reviews matching f and their rating histogram.
// Paging fields of f are ignored.
func (s *Service) ReviewStats(ctx context.Context, f store.ReviewFilter) (*domain.ReviewStats, error) {
	stats := &domain.ReviewStats{Histogram: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	sum := 0
	for offset := 0; ; {
		f.Offset, f.Limit = offset, 500
		batch, err := s.ListReviews(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			stats.Total++
			stats.Histogram[r.Rating]++
			sum += r.Rating
		}
		if len(batch) < 500 {
			break
		}
		offset += len(batch)
	}
	if stats.Total > 0 {
		stats.Average = float64(sum) / float64(stats.Total)
	}
	return stats, nil
}
