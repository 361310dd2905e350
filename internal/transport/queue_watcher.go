package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

const DefaultQueuePollInterval = 10 * time.Second

// QueueFetcher returns the current queue status of the watched session.
type QueueFetcher func(ctx context.Context) (domain.QueueStatus, error)

// QueueWatcher keeps a waiting customer's queue view current. Pushed
// queue_status frames update it directly; Run re-fetches periodically while
// the session is still waiting.
type QueueWatcher struct {
	interval time.Duration
	fetch    QueueFetcher
	onUpdate func(domain.QueueStatus)

	mu     sync.Mutex
	status domain.QueueStatus
}

func NewQueueWatcher(interval time.Duration, fetch QueueFetcher, onUpdate func(domain.QueueStatus)) *QueueWatcher {
	if interval <= 0 {
		interval = DefaultQueuePollInterval
	}
	if onUpdate == nil {
		onUpdate = func(domain.QueueStatus) {}
	}
	return &QueueWatcher{
		interval: interval,
		fetch:    fetch,
		onUpdate: onUpdate,
		status:   domain.QueueStatus{Status: domain.SessionWaiting},
	}
}

func (w *QueueWatcher) Status() domain.QueueStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *QueueWatcher) Waiting() bool {
	return w.Status().Status == domain.SessionWaiting
}

// Handle feeds one received frame.
func (w *QueueWatcher) Handle(f domain.Frame) {
	switch f.Type {
	case domain.FrameQueueStatus:
		var p domain.QueueStatusPayload
		if err := f.Decode(&p); err != nil {
			return
		}
		if p.Status == "" {
			p.Status = domain.SessionWaiting
		}
		w.set(p.QueueStatus)
	case domain.FrameAgentAssigned:
		w.leave(domain.SessionActive)
	case domain.FrameChatClosed:
		w.leave(domain.SessionClosed)
	}
}

func (w *QueueWatcher) leave(status domain.SessionStatus) {
	w.mu.Lock()
	s := w.status
	w.mu.Unlock()
	s.Status = status
	s.Position = 0
	s.EstimatedWaitMinutes = 0
	w.set(s)
}

func (w *QueueWatcher) set(s domain.QueueStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
	w.onUpdate(s)
}

// Run polls until ctx is done or the session stops waiting.
func (w *QueueWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for w.Waiting() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !w.Waiting() {
			return
		}
		s, err := w.fetch(ctx)
		if err != nil {
			log.Printf("Failed to refresh queue status: %v", err)
			continue
		}
		w.refresh(s)
	}
}

// refresh applies a polled status unless a pushed frame already moved the
// session out of the queue while the request was in flight.
func (w *QueueWatcher) refresh(s domain.QueueStatus) {
	w.mu.Lock()
	if w.status.Status != domain.SessionWaiting {
		w.mu.Unlock()
		return
	}
	w.status = s
	w.mu.Unlock()
	w.onUpdate(s)
}

// HTTPQueueFetcher reads GET {baseURL}/api/chats/{id}/queue-status.
func HTTPQueueFetcher(client *http.Client, baseURL string, sessionID uuid.UUID) QueueFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/api/chats/%s/queue-status", baseURL, sessionID)
	return func(ctx context.Context) (domain.QueueStatus, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return domain.QueueStatus{}, domain.Transportf("queue status request: %v", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return domain.QueueStatus{}, domain.Transportf("queue status request: %v", err)
		}
		defer resp.Body.Close()

		var envelope struct {
			Success bool               `json:"success"`
			Data    domain.QueueStatus `json:"data"`
			Error   string             `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return domain.QueueStatus{}, domain.Transportf("decode queue status: %v", err)
		}
		if !envelope.Success {
			return domain.QueueStatus{}, domain.Transportf("queue status: %s (HTTP %d)", envelope.Error, resp.StatusCode)
		}
		return envelope.Data, nil
	}
}
