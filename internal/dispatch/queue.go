package dispatch

import (
	"context"
	"fmt"

	"livechat/internal/domain"

	"github.com/google/uuid"
)

// QueueStatus computes the session's place in its department queue.
// Sessions that are not waiting report position 0.
func (d *Dispatcher) QueueStatus(ctx context.Context, sessionID uuid.UUID) (domain.QueueStatus, error) {
	s, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	available, busy := d.presence.Counts(s.DepartmentID)
	position := 0
	if s.Status == domain.SessionWaiting {
		position = d.sessions.Position(sessionID)
	}
	return domain.QueueStatus{
		SessionID:            sessionID,
		Position:             position,
		EstimatedWaitMinutes: EstimateWait(position, d.cfg.AverageHandlingMinutes, available),
		Status:               s.Status,
		AgentsAvailable:      available,
		AgentsBusy:           busy,
	}, nil
}

// EstimateWait is position * averageMinutes / max(1, available).
func EstimateWait(position, averageMinutes, available int) int {
	if position <= 0 {
		return 0
	}
	if available < 1 {
		available = 1
	}
	return position * averageMinutes / available
}

// PublishQueue pushes a fresh queue_status frame to every waiting session of
// the department.
func (d *Dispatcher) PublishQueue(ctx context.Context, departmentID uuid.UUID) {
	waiting := d.sessions.Waiting(departmentID)
	if len(waiting) == 0 {
		return
	}
	available, busy := d.presence.Counts(departmentID)
	for i, s := range waiting {
		position := i + 1
		wait := EstimateWait(position, d.cfg.AverageHandlingMinutes, available)
		payload := domain.QueueStatusPayload{
			QueueStatus: domain.QueueStatus{
				SessionID:            s.ID,
				Position:             position,
				EstimatedWaitMinutes: wait,
				Status:               s.Status,
				AgentsAvailable:      available,
				AgentsBusy:           busy,
			},
			Message: queueMessage(position, wait),
		}
		d.notifier.Broadcast(s.ID, domain.NewFrame(domain.FrameQueueStatus, payload))
	}
}

func queueMessage(position, wait int) string {
	return fmt.Sprintf("All agents are currently busy. You are #%d in queue. Estimated wait: %d minutes.", position, wait)
}
