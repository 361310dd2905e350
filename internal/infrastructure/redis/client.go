package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

const typingTTL = 30 * time.Second

func sessionUsersKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:users", sessionID)
}

func typingKey(sessionID uuid.UUID, name string) string {
	return fmt.Sprintf("session:%s:typing:%s", sessionID, name)
}

func agentKey(agentID uuid.UUID) string {
	return fmt.Sprintf("agent:%s:presence", agentID)
}

func availableKey(departmentID uuid.UUID) string {
	return fmt.Sprintf("department:%s:agents:available", departmentID)
}

type sessionUser struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	UserType string    `json:"user_type"`
	JoinedAt time.Time `json:"joined_at"`
}

func (r *RedisClient) AddUserToSession(ctx context.Context, sessionID uuid.UUID, userID, name, userType string) error {
	userJSON, err := json.Marshal(sessionUser{
		UserID:   userID,
		Name:     name,
		UserType: userType,
		JoinedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, sessionUsersKey(sessionID), userID, userJSON).Err()
}

func (r *RedisClient) RemoveUserFromSession(ctx context.Context, sessionID uuid.UUID, userID string) error {
	return r.client.HDel(ctx, sessionUsersKey(sessionID), userID).Err()
}

// ClearSession drops the connection and typing keys of a closed session.
func (r *RedisClient) ClearSession(ctx context.Context, sessionID uuid.UUID) error {
	keys, err := r.scan(ctx, typingKey(sessionID, "*"))
	if err != nil {
		return err
	}
	keys = append(keys, sessionUsersKey(sessionID))
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisClient) GetSessionUsers(ctx context.Context, sessionID uuid.UUID) (map[string]interface{}, error) {
	users, err := r.client.HGetAll(ctx, sessionUsersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{})
	customerCount := 0
	agentCount := 0
	for userID, userJSON := range users {
		var u sessionUser
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			continue
		}
		switch u.UserType {
		case string(domain.RoleCustomer):
			customerCount++
		case string(domain.RoleAgent):
			agentCount++
		}
		result[userID] = u
	}

	return map[string]interface{}{
		"users":              result,
		"customer_connected": customerCount > 0,
		"agent_connected":    agentCount > 0,
		"total_customer":     customerCount,
		"total_agent":        agentCount,
	}, nil
}

func (r *RedisClient) SetUserTyping(ctx context.Context, sessionID uuid.UUID, name string, isTyping bool) error {
	key := typingKey(sessionID, name)
	if isTyping {
		return r.client.Set(ctx, key, "true", typingTTL).Err()
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisClient) GetTypingUsers(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	keys, err := r.scan(ctx, typingKey(sessionID, "*"))
	if err != nil {
		return nil, err
	}
	prefix := typingKey(sessionID, "")
	typingUsers := make([]string, 0, len(keys))
	for _, key := range keys {
		if name := strings.TrimPrefix(key, prefix); name != "" && name != key {
			typingUsers = append(typingUsers, name)
		}
	}
	return typingUsers, nil
}

// SetAgentStatus records an agent's presence and keeps the per-department
// set of available agents current.
func (r *RedisClient) SetAgentStatus(ctx context.Context, agentID uuid.UUID, departmentID *uuid.UUID, status domain.AgentStatus) error {
	fields := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if departmentID != nil {
		fields["department_id"] = departmentID.String()
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, agentKey(agentID), fields)
	if departmentID != nil {
		if status == domain.AgentAvailable {
			pipe.SAdd(ctx, availableKey(*departmentID), agentID.String())
		} else {
			pipe.SRem(ctx, availableKey(*departmentID), agentID.String())
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) AvailableAgents(ctx context.Context, departmentID uuid.UUID) ([]string, error) {
	return r.client.SMembers(ctx, availableKey(departmentID)).Result()
}

func (r *RedisClient) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
