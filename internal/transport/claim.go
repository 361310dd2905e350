package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

type ClaimPhase int

const (
	ClaimIdle ClaimPhase = iota
	ClaimPending
	ClaimConfirmed
	ClaimRejected
)

func (p ClaimPhase) String() string {
	switch p {
	case ClaimPending:
		return "pending"
	case ClaimConfirmed:
		return "confirmed"
	case ClaimRejected:
		return "rejected"
	default:
		return "idle"
	}
}

// ClaimState is the agent-side view of claims in flight. A session counts as
// the agent's only after the server confirms the claim; a rejection means
// another agent won and the queue view should be refreshed.
type ClaimState struct {
	mu     sync.Mutex
	phases map[uuid.UUID]ClaimPhase
}

func NewClaimState() *ClaimState {
	return &ClaimState{phases: make(map[uuid.UUID]ClaimPhase)}
}

func (c *ClaimState) Phase(sessionID uuid.UUID) ClaimPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phases[sessionID]
}

// Claim runs claim for sessionID unless one is already pending or confirmed.
// Conflicts leave the session rejected; any other failure returns it to idle
// so it can be retried.
func (c *ClaimState) Claim(ctx context.Context, sessionID uuid.UUID, claim func(context.Context) error) (ClaimPhase, error) {
	c.mu.Lock()
	switch c.phases[sessionID] {
	case ClaimPending, ClaimConfirmed:
		phase := c.phases[sessionID]
		c.mu.Unlock()
		return phase, domain.Conflictf("claim for %s already %s", sessionID, phase)
	}
	c.phases[sessionID] = ClaimPending
	c.mu.Unlock()

	err := claim(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.phases[sessionID] = ClaimConfirmed
	case errors.Is(err, domain.ErrConflict):
		c.phases[sessionID] = ClaimRejected
	default:
		delete(c.phases, sessionID)
	}
	return c.phases[sessionID], err
}

// Forget drops local state once the session is closed or transferred away.
func (c *ClaimState) Forget(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.phases, sessionID)
}

// HTTPClaimer returns a claim function that takes sessions for agentID
// through the REST API. Server rejections keep their error kind so
// ClaimState can tell a lost race from a failed request.
func HTTPClaimer(client *http.Client, baseURL string, agentID uuid.UUID) func(ctx context.Context, sessionID uuid.UUID) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, sessionID uuid.UUID) error {
		body, err := json.Marshal(map[string]uuid.UUID{"agent_id": agentID})
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s/api/chats/%s/claim", baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return domain.Transportf("claim request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return domain.Transportf("claim request: %v", err)
		}
		defer resp.Body.Close()

		var envelope struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return domain.Transportf("decode claim response: %v", err)
		}
		if envelope.Success {
			return nil
		}
		switch resp.StatusCode {
		case http.StatusConflict:
			return domain.Conflictf("%s", envelope.Error)
		case http.StatusForbidden:
			return domain.Forbiddenf("%s", envelope.Error)
		case http.StatusNotFound:
			return domain.NotFoundf("%s", envelope.Error)
		case http.StatusBadRequest:
			return domain.Validationf("%s", envelope.Error)
		default:
			return domain.Transportf("claim: %s (HTTP %d)", envelope.Error, resp.StatusCode)
		}
	}
}
