package engine

import (
	"context"
	"encoding/json"

	"discard/internal/scheduler"
)

// RegisterHandlers wires the deferred-task callbacks into the scheduler.
// Call once at startup before the scheduler runs.
func (e Engine) RegisterHandlers(s *scheduler.Scheduler) {
	s.Handle(TaskAutoApprove, func(ctx context.Context, payload json.RawMessage) error {
		var p autoApprovePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return e.ProcessAutoApproval(ctx, p.EntryID)
	})
	s.Handle(TaskExecutePlan, func(ctx context.Context, payload json.RawMessage) error {
		var p executePlanPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return e.ExecutePlan(ctx, p.PlanID)
	})
	s.Handle(TaskSubmitSettlement, func(ctx context.Context, payload json.RawMessage) error {
		var p settlementPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return e.SubmitSettlement(ctx, p.RequestID)
	})
	s.Handle(TaskConfirmSettlement, func(ctx context.Context, payload json.RawMessage) error {
		var p settlementPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		attempt := p.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		return e.ConfirmSettlement(ctx, p.RequestID, attempt)
	})
}
