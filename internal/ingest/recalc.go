package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjordbank/payguard/internal/audit"
	"github.com/fjordbank/payguard/internal/logging"
	"github.com/fjordbank/payguard/internal/metrics"
	"github.com/fjordbank/payguard/internal/refdata"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/traces"
)

// JobState is the lifecycle of a recalculation job.
type JobState string

const (
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
	JobFailed  JobState = "FAILED"
)

// Job tracks one recalculation run.
type Job struct {
	ID          string              `json:"id"`
	State       JobState            `json:"state"`
	Scope       string              `json:"scope"`
	RequestedBy string              `json:"requestedBy"`
	Reason      string              `json:"reason"`
	Groups      int                 `json:"groups"`
	Failed      []string            `json:"failed,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  *time.Time          `json:"finishedAt,omitempty"`
	scope       settlement.GroupScope
}

// Recalculator recomputes running totals for every group matching a scope.
// Operators run it after a rate refresh, a rule change, or a missing-rate
// incident. Each group is one transaction, so a bad group fails alone.
type Recalculator struct {
	store settlement.Store
	rates *refdata.RateBook
	rules *refdata.RuleBook

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRecalculator creates a recalculator over the store and books.
func NewRecalculator(store settlement.Store, rates *refdata.RateBook, rules *refdata.RuleBook) *Recalculator {
	return &Recalculator{
		store: store,
		rates: rates,
		rules: rules,
		jobs:  make(map[string]*Job),
	}
}

// Start registers a job and runs it in a goroutine. Returns the job id
// immediately.
func (r *Recalculator) Start(ctx context.Context, scope settlement.GroupScope, requestedBy, reason string) string {
	job := &Job{
		ID:          uuid.New().String(),
		State:       JobRunning,
		Scope:       scope.String(),
		RequestedBy: requestedBy,
		Reason:      reason,
		StartedAt:   time.Now().UTC(),
		scope:       scope,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), job)
	return job.ID
}

// Job returns a snapshot of a job by id.
func (r *Recalculator) Job(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (r *Recalculator) run(ctx context.Context, job *Job) {
	ctx, span := traces.StartSpan(ctx, "ingest.recalculate")
	defer span.End()

	groups, err := r.store.ListGroups(ctx, job.scope)
	if err != nil {
		r.finish(job, JobFailed, 0, []string{fmt.Sprintf("list groups: %v", err)})
		return
	}

	watermark, err := r.store.MaxRefID(ctx)
	if err != nil {
		r.finish(job, JobFailed, 0, []string{fmt.Sprintf("max ref id: %v", err)})
		return
	}

	var failed []string
	for _, g := range groups {
		if err := r.RecalculateGroup(ctx, g, watermark); err != nil {
			logging.L(ctx).Warn("recalculation failed for group",
				"job_id", job.ID, "group", g.String(), "error", err)
			failed = append(failed, g.String())
			continue
		}
		metrics.GroupRecomputesTotal.Inc()
	}
	metrics.RecalculationsTotal.Inc()

	err = r.store.RunInTx(ctx, func(tx settlement.Tx) error {
		return tx.AppendActivity(ctx, &audit.Entry{
			UserID:  job.RequestedBy,
			Action:  audit.ActionRecalculate,
			Comment: fmt.Sprintf("job %s (%s): %d groups, %d failed", job.ID, job.Reason, len(groups), len(failed)),
		})
	})
	if err != nil {
		logging.L(ctx).Warn("recalculation activity append failed", "job_id", job.ID, "error", err)
	}

	state := JobDone
	if len(failed) == len(groups) && len(groups) > 0 {
		state = JobFailed
	}
	r.finish(job, state, len(groups), failed)

	logging.L(ctx).Info("recalculation finished",
		"job_id", job.ID, "groups", len(groups), "failed", len(failed))
}

// RecalculateGroup rescans one group and upserts its total at the given
// watermark.
func (r *Recalculator) RecalculateGroup(ctx context.Context, g settlement.GroupKey, watermark int64) error {
	elig := r.rules.Eligibility()
	return r.store.RunInTx(ctx, func(tx settlement.Tx) error {
		rows, err := tx.ScanLatestEligible(ctx, g, watermark, elig)
		if err != nil {
			return err
		}
		total, err := SumUSD(rows, r.rates)
		if err != nil {
			return err
		}
		return tx.UpsertRunningTotal(ctx, g, total, len(rows), watermark)
	})
}

func (r *Recalculator) finish(job *Job, state JobState, groups int, failed []string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job.State = state
	job.Groups = groups
	job.Failed = failed
	job.FinishedAt = &now
}
