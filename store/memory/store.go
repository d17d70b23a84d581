// Package memory provides a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/webhook"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ run.Store     = (*Store)(nil)
	_ job.Store     = (*Store)(nil)
	_ flow.Store    = (*Store)(nil)
	_ dlq.Store     = (*Store)(nil)
	_ webhook.Store = (*Store)(nil)
)

// Store is a fully in-memory backend.
type Store struct {
	mu sync.RWMutex

	runs        map[string]*run.Run
	artifacts   map[string][]*run.Artifact    // key: run id, creation order
	jobs        map[string]*job.Job           // key: job id
	jobKeys     map[string]string             // idempotency key → job id
	checkpoints map[string][]*flow.Checkpoint // key: run id, Seq order
	dlqs        map[string]*dlq.Entry
	deliveries  map[string]*webhook.Delivery // key: provider + "\x00" + key
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*run.Run),
		artifacts:   make(map[string][]*run.Artifact),
		jobs:        make(map[string]*job.Job),
		jobKeys:     make(map[string]string),
		checkpoints: make(map[string][]*flow.Checkpoint),
		dlqs:        make(map[string]*dlq.Entry),
		deliveries:  make(map[string]*webhook.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Run store
// ──────────────────────────────────────────────────

func (m *Store) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.runs[r.ID.String()] = &cp
	return nil
}

func (m *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, reelpipe.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Store) UpdateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID.String()]; !ok {
		return reelpipe.ErrRunNotFound
	}
	cp := *r
	m.runs[r.ID.String()] = &cp
	return nil
}

func (m *Store) ListRuns(_ context.Context, opts run.ListOpts) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Project != "" && r.Project != opts.Project {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// AppendArtifact stores the artifact and refreshes the owning run's
// latest-of-each-type projection.
func (m *Store) AppendArtifact(_ context.Context, a *run.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	key := a.RunID.String()
	m.artifacts[key] = append(m.artifacts[key], &cp)

	if r, ok := m.runs[key]; ok {
		val := a.URI
		if val == "" {
			val = a.ID.String()
		}
		r.SetArtifact(string(a.Type), val)
	}
	return nil
}

func (m *Store) ListArtifacts(_ context.Context, runID id.RunID) ([]*run.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.artifacts[runID.String()]
	out := make([]*run.Artifact, len(stored))
	for i, a := range stored {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (m *Store) FindRunByTaskID(_ context.Context, provider, taskID string) (id.RunID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for runKey, arts := range m.artifacts {
		for _, a := range arts {
			if a.Meta.TaskID != taskID {
				continue
			}
			if provider != "" && a.Meta.Provider != provider {
				continue
			}
			if r, ok := m.runs[runKey]; ok {
				return r.ID, nil
			}
		}
	}
	return id.RunID{}, reelpipe.ErrRunNotFound
}

func (m *Store) CountRunsSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.runs {
		if !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.IdempotencyKey != "" {
		if _, exists := m.jobKeys[j.IdempotencyKey]; exists {
			return reelpipe.ErrDuplicateJob
		}
		m.jobKeys[j.IdempotencyKey] = j.ID.String()
	}
	cp := *j
	m.jobs[j.ID.String()] = &cp
	return nil
}

func (m *Store) ClaimNextJob(_ context.Context, queues []string, workerID id.WorkerID, lease time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	now := time.Now().UTC()

	var candidates []*job.Job
	for _, j := range m.jobs {
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		switch j.Status {
		case job.StatusPending:
			if j.AvailableAt.After(now) {
				continue
			}
		case job.StatusRunning:
			// Crash recovery: a running job with a lapsed lease is claimable.
			if j.LeaseLive(now) {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].AvailableAt.Equal(candidates[k].AvailableAt) {
			return candidates[i].AvailableAt.Before(candidates[k].AvailableAt)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	j := candidates[0]
	expires := now.Add(lease)
	j.Status = job.StatusRunning
	j.ClaimedBy = workerID
	j.LeaseExpiresAt = &expires
	j.Touch()

	cp := *j
	return &cp, nil
}

func (m *Store) TouchLease(_ context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(lease)
	j.LeaseExpiresAt = &expires
	j.Touch()
	return nil
}

func (m *Store) MarkJobSucceeded(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Status = job.StatusSucceeded
	j.CompletedAt = &now
	j.ClaimedBy = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.Touch()
	return nil
}

func (m *Store) MarkJobFailed(_ context.Context, jobID id.JobID, workerID id.WorkerID, jobErr string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Attempts++
	j.LastError = jobErr
	j.ClaimedBy = id.WorkerID{}
	j.LeaseExpiresAt = nil
	if j.Attempts >= j.MaxAttempts {
		j.Status = job.StatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = job.StatusPending
		j.AvailableAt = now.Add(delay)
	}
	j.Touch()
	return nil
}

func (m *Store) RescheduleJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = job.StatusPending
	j.AvailableAt = time.Now().UTC().Add(delay)
	j.ClaimedBy = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.Touch()
	return nil
}

func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, reelpipe.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		n++
	}
	return n, nil
}

// owned returns the job if the worker still holds it. Any other condition
// (missing, finished, claimed by someone else) is a lost lease from the
// caller's point of view.
func (m *Store) owned(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, reelpipe.ErrJobNotFound
	}
	if j.Status != job.StatusRunning || j.ClaimedBy.String() != workerID.String() {
		return nil, reelpipe.ErrLeaseLost
	}
	return j, nil
}

// ──────────────────────────────────────────────────
// Checkpoint store
// ──────────────────────────────────────────────────

func (m *Store) SaveCheckpoint(_ context.Context, cp *flow.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	c.Interrupts = append([]flow.Interrupt(nil), cp.Interrupts...)
	key := cp.RunID.String()
	m.checkpoints[key] = append(m.checkpoints[key], &c)
	sort.SliceStable(m.checkpoints[key], func(i, k int) bool {
		return m.checkpoints[key][i].Seq < m.checkpoints[key][k].Seq
	})
	return nil
}

func (m *Store) LatestCheckpoint(_ context.Context, runID id.RunID) (*flow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[runID.String()]
	if len(cps) == 0 {
		return nil, reelpipe.ErrNoCheckpoint
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (m *Store) GetCheckpoint(_ context.Context, runID id.RunID, ckptID id.CheckpointID) (*flow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.checkpoints[runID.String()] {
		if c.ID.String() == ckptID.String() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, reelpipe.ErrNoCheckpoint
}

func (m *Store) ListCheckpoints(_ context.Context, runID id.RunID) ([]*flow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[runID.String()]
	out := make([]*flow.Checkpoint, len(cps))
	for i, c := range cps {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (m *Store) FindAwaiting(_ context.Context, runID id.RunID, interruptName string) (*flow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[runID.String()]
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].PendingByName(interruptName) != nil {
			cp := *cps[i]
			return &cp, nil
		}
	}
	return nil, reelpipe.ErrNoCheckpoint
}

// ──────────────────────────────────────────────────
// Dead-letter store
// ──────────────────────────────────────────────────

func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, reelpipe.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*dlq.Entry, 0)
	for _, e := range m.dlqs {
		if opts.Source != "" && e.Source != opts.Source {
			continue
		}
		if !opts.IncludeResolved && e.Resolved() {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (m *Store) ResolveDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return reelpipe.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ResolvedAt = &now
	return nil
}

func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.dlqs {
		if e.Resolved() && e.CreatedAt.Before(before) {
			delete(m.dlqs, key)
			n++
		}
	}
	return n, nil
}

func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, e := range m.dlqs {
		if !e.Resolved() {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Webhook delivery store
// ──────────────────────────────────────────────────

func (m *Store) RecordDelivery(_ context.Context, d *webhook.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.Provider + "\x00" + d.Key
	if _, exists := m.deliveries[key]; exists {
		return reelpipe.ErrDuplicateDelivery
	}
	cp := *d
	m.deliveries[key] = &cp
	return nil
}

func (m *Store) GetDelivery(_ context.Context, provider, key string) (*webhook.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[provider+"\x00"+key]
	if !ok {
		return nil, reelpipe.ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Store) PurgeDeliveries(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, d := range m.deliveries {
		if d.ReceivedAt.Before(before) {
			delete(m.deliveries, key)
			n++
		}
	}
	return n, nil
}

func (m *Store) CountDeliveries(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.deliveries), nil
}

// paginate applies offset/limit to a sorted slice.
func paginate[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return []T{}
	}
	out := in[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
