// Package maintenance runs the periodic housekeeping sweeps: purging
// resolved dead-letter entries and old webhook delivery records, auditing
// expired leases, and enqueueing backstop polls for runs whose provider
// webhooks have gone silent. Sweeps never mutate run state directly; the
// backstop goes through the same poll jobs a normal run schedules.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/webhook"
)

// Sweeper schedules the housekeeping sweeps on cron expressions.
type Sweeper struct {
	jobs       job.Store
	runs       run.Store
	deadlets   dlq.Store
	deliveries webhook.Store
	logger     *slog.Logger

	schedule          string
	dlqRetention      time.Duration
	deliveryRetention time.Duration
	stalledAfter      time.Duration
	backstopQueue     string
	backstopHorizon   time.Duration

	cron *cronlib.Cron
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule sets the cron expression for all sweeps. Accepts standard
// 5-field expressions and descriptors like "@every 10m".
func WithSchedule(expr string) SweeperOption {
	return func(s *Sweeper) { s.schedule = expr }
}

// WithDLQRetention sets how long resolved dead-letter entries are kept.
func WithDLQRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.dlqRetention = d }
}

// WithDeliveryRetention sets how long webhook delivery records are kept.
// Records older than this no longer deduplicate, so it must comfortably
// exceed the longest provider retry window.
func WithDeliveryRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.deliveryRetention = d }
}

// WithStalledAfter sets how long a run may sit in an awaiting status
// before the sweep enqueues backstop polls for it.
func WithStalledAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.stalledAfter = d }
}

// WithBackstopQueue sets the queue backstop poll jobs go to.
func WithBackstopQueue(q string) SweeperOption {
	return func(s *Sweeper) { s.backstopQueue = q }
}

// WithBackstopHorizon sets how long a backstop poll keeps retrying before
// it gives up on the provider.
func WithBackstopHorizon(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.backstopHorizon = d }
}

// NewSweeper creates a Sweeper.
func NewSweeper(jobs job.Store, runs run.Store, deadlets dlq.Store, deliveries webhook.Store, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		jobs:              jobs,
		runs:              runs,
		deadlets:          deadlets,
		deliveries:        deliveries,
		logger:            logger,
		schedule:          "@every 10m",
		dlqRetention:      7 * 24 * time.Hour,
		deliveryRetention: 72 * time.Hour,
		stalledAfter:      12 * time.Hour,
		backstopQueue:     "default",
		backstopHorizon:   6 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweeps and starts the cron runner.
func (s *Sweeper) Start() error {
	s.cron = cronlib.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance sweeper stopped")
}

// sweep runs every pass. Individual sweep failures are logged and do not
// stop the others.
func (s *Sweeper) sweep() {
	ctx := context.Background()
	s.purgeDLQ(ctx)
	s.purgeDeliveries(ctx)
	s.auditLeases(ctx)
	s.backstopStalledRuns(ctx)
}

func (s *Sweeper) purgeDLQ(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.dlqRetention)
	n, err := s.deadlets.PurgeDLQ(ctx, cutoff)
	if err != nil {
		s.logger.Error("dlq purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("purged resolved dead-letter entries", slog.Int64("count", n))
	}
}

func (s *Sweeper) purgeDeliveries(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.deliveryRetention)
	n, err := s.deliveries.PurgeDeliveries(ctx, cutoff)
	if err != nil {
		s.logger.Error("delivery purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("purged webhook delivery records", slog.Int("count", n))
	}
}

// auditLeases reports running jobs whose lease has lapsed. The claim query
// recovers them on its own; the audit exists so a persistently crashing
// handler shows up in the logs before its attempts run out.
func (s *Sweeper) auditLeases(ctx context.Context) {
	running, err := s.jobs.ListJobsByStatus(ctx, job.StatusRunning, job.ListOpts{})
	if err != nil {
		s.logger.Error("lease audit failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	expired := 0
	for _, j := range running {
		if !j.LeaseLive(now) {
			expired++
			s.logger.Warn("running job with expired lease",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.String("claimed_by", j.ClaimedBy.String()),
				slog.Int("attempts", j.Attempts),
			)
		}
	}
	if expired > 0 {
		s.logger.Warn("lease audit found expired leases", slog.Int("count", expired))
	}
}

// backstopStalledRuns enqueues poll jobs for runs sitting in an awaiting
// status past the webhook-silence threshold. The poll handlers resume the
// run the same way a callback would; when a task is truly lost they fail
// the job at the deadline and the run surfaces for repair. Job keys derive
// from the run id and stage, so repeated sweeps collapse into the job the
// first sweep enqueued.
func (s *Sweeper) backstopStalledRuns(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.stalledAfter)
	for _, status := range []run.Status{
		run.StatusAwaitingVideoGeneration,
		run.StatusAwaitingRender,
	} {
		stalled, err := s.runs.ListRuns(ctx, run.ListOpts{Status: status})
		if err != nil {
			s.logger.Error("stalled run audit failed",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, r := range stalled {
			if r.UpdatedAt.After(cutoff) {
				continue
			}
			s.logger.Warn("run stalled awaiting provider",
				slog.String("run_id", r.ID.String()),
				slog.String("status", string(status)),
				slog.Time("since", r.UpdatedAt),
			)
			if err := s.backstopRun(ctx, r); err != nil {
				s.logger.Error("backstop enqueue failed",
					slog.String("run_id", r.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// backstopRun reconstructs the outstanding provider tasks from the run's
// artifacts and enqueues one poll job per task.
func (s *Sweeper) backstopRun(ctx context.Context, r *run.Run) error {
	artifacts, err := s.runs.ListArtifacts(ctx, r.ID)
	if err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(s.backstopHorizon)

	switch r.Status {
	case run.StatusAwaitingRender:
		req := run.Latest(artifacts, run.ArtifactRenderRequest)
		if req == nil {
			return nil
		}
		payload, err := job.MarshalPayload(job.RenderPollPayload{
			Provider: req.Meta.Provider,
			JobID:    req.Meta.TaskID,
			Deadline: deadline,
		})
		if err != nil {
			return err
		}
		_, _, err = job.Enqueue(ctx, s.jobs, job.TypeRenderPoll, "backstop:"+r.ID.String()+":render", payload,
			job.WithRunID(r.ID),
			job.WithQueue(s.backstopQueue),
		)
		return err

	case run.StatusAwaitingVideoGeneration:
		done := make(map[string]bool)
		for _, a := range run.OfType(artifacts, run.ArtifactClip) {
			done[a.Meta.TaskID] = true
		}
		for _, a := range run.OfType(artifacts, run.ArtifactClipManifest) {
			if a.Meta.TaskID == "" || done[a.Meta.TaskID] {
				continue
			}
			payload, err := job.MarshalPayload(job.VideoPollPayload{
				Provider: a.Meta.Provider,
				TaskID:   a.Meta.TaskID,
				Index:    a.Meta.Index,
				Count:    a.Meta.Count,
				Deadline: deadline,
			})
			if err != nil {
				return err
			}
			if _, _, err := job.Enqueue(ctx, s.jobs, job.TypeVideoPoll, "backstop:"+r.ID.String()+":videos:"+a.Meta.TaskID, payload,
				job.WithRunID(r.ID),
				job.WithQueue(s.backstopQueue),
			); err != nil {
				return err
			}
		}
	}
	return nil
}
