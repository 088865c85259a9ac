package engine

import (
	"database/sql"
	"log"
	"time"

	"discard/internal/audit"
	"discard/internal/config"
	"discard/internal/repo"
	"discard/internal/scheduler"
	"discard/internal/settlement"
	"discard/internal/signer"
)

// Engine owns the approval and signing orchestration. All race resolution is
// re-read plus compare-and-swap on status; no in-process locks.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Chain
	Tasks      *scheduler.Scheduler
	Signer     signer.Client
	Settlement settlement.Client
	Config     *config.Config
	Now        func() time.Time
	Logger     *log.Logger
}

func New(db *sql.DB, cfg *config.Config, tasks *scheduler.Scheduler, sg signer.Client, st settlement.Client) Engine {
	e := Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Chain{DB: db},
		Tasks:      tasks,
		Signer:     sg,
		Settlement: st,
		Config:     cfg,
		Now:        time.Now,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Deferred task handler names.
const (
	TaskAutoApprove       = "approval.auto_approve"
	TaskExecutePlan       = "plan.execute"
	TaskSubmitSettlement  = "signing.submit"
	TaskConfirmSettlement = "signing.confirm"
)

type autoApprovePayload struct {
	EntryID string `json:"entry_id"`
}

type executePlanPayload struct {
	PlanID string `json:"plan_id"`
}

type settlementPayload struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt,omitempty"`
}
