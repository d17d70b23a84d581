package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/store/memory"
	"github.com/reelpipe/reelpipe/webhook"
)

func newTestJob(key string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		Entity:         reelpipe.NewEntity(),
		ID:             id.NewJobID(),
		Type:           job.TypeVideoPoll,
		Queue:          "default",
		Payload:        []byte(`{}`),
		Status:         job.StatusPending,
		MaxAttempts:    3,
		IdempotencyKey: key,
		AvailableAt:    now,
	}
}

func newTestRun(t *testing.T, s *memory.Store) *run.Run {
	t.Helper()
	r := &run.Run{
		Entity:  reelpipe.NewEntity(),
		ID:      id.NewRunID(),
		Project: "testproj",
		Status:  run.StatusPending,
	}
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func TestEnqueueJobDeduplicatesByKey(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newTestJob("poll:run_1:task_1")); err != nil {
		t.Fatal(err)
	}
	err := s.EnqueueJob(ctx, newTestJob("poll:run_1:task_1"))
	if !errors.Is(err, reelpipe.ErrDuplicateJob) {
		t.Fatalf("error = %v, want ErrDuplicateJob", err)
	}
}

func TestClaimNextJobRespectsAvailability(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	worker := id.NewWorkerID()

	future := newTestJob("later")
	future.AvailableAt = time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueJob(ctx, future); err != nil {
		t.Fatal(err)
	}

	j, err := s.ClaimNextJob(ctx, []string{"default"}, worker, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("claimed a job not yet due: %s", j.ID)
	}

	due := newTestJob("now")
	if err := s.EnqueueJob(ctx, due); err != nil {
		t.Fatal(err)
	}

	j, err = s.ClaimNextJob(ctx, []string{"default"}, worker, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != due.ID {
		t.Fatalf("claimed %v, want %s", j, due.ID)
	}
	if j.Status != job.StatusRunning || j.ClaimedBy != worker {
		t.Errorf("claim did not set running/owner: %+v", j)
	}

	// A second claim finds nothing while the lease is live.
	j2, err := s.ClaimNextJob(ctx, []string{"default"}, id.NewWorkerID(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if j2 != nil {
		t.Fatalf("double-claimed leased job: %s", j2.ID)
	}
}

func TestClaimNextJobReclaimsExpiredLease(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newTestJob("crashy")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	w1 := id.NewWorkerID()
	claimed, err := s.ClaimNextJob(ctx, []string{"default"}, w1, time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("first claim: %v, %v", claimed, err)
	}

	time.Sleep(5 * time.Millisecond)

	w2 := id.NewWorkerID()
	reclaimed, err := s.ClaimNextJob(ctx, []string{"default"}, w2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed == nil || reclaimed.ID != j.ID {
		t.Fatalf("expired lease not reclaimed: %v", reclaimed)
	}
	if reclaimed.ClaimedBy != w2 {
		t.Errorf("ClaimedBy = %s, want %s", reclaimed.ClaimedBy, w2)
	}

	// The crashed worker's completion calls now observe a lost lease.
	if err := s.MarkJobSucceeded(ctx, j.ID, w1); !errors.Is(err, reelpipe.ErrLeaseLost) {
		t.Fatalf("error = %v, want ErrLeaseLost", err)
	}
	if err := s.TouchLease(ctx, j.ID, w1, time.Minute); !errors.Is(err, reelpipe.ErrLeaseLost) {
		t.Fatalf("error = %v, want ErrLeaseLost", err)
	}
}

func TestMarkJobFailedExhaustsAttempts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	worker := id.NewWorkerID()

	j := newTestJob("flaky")
	j.MaxAttempts = 2
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	// First failure: back to pending with attempts=1.
	claimed, _ := s.ClaimNextJob(ctx, []string{"default"}, worker, time.Minute)
	if claimed == nil {
		t.Fatal("no job claimed")
	}
	if err := s.MarkJobFailed(ctx, j.ID, worker, "boom", 0); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != job.StatusPending || got.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", got.Status, got.Attempts)
	}

	// Second failure: budget spent, job is failed.
	claimed, _ = s.ClaimNextJob(ctx, []string{"default"}, worker, time.Minute)
	if claimed == nil {
		t.Fatal("no job claimed on retry")
	}
	if err := s.MarkJobFailed(ctx, j.ID, worker, "boom again", 0); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Status != job.StatusFailed || got.Attempts != 2 {
		t.Fatalf("after second failure: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.LastError != "boom again" {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestRescheduleJobKeepsAttempts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	worker := id.NewWorkerID()

	j := newTestJob("poller")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		claimed, err := s.ClaimNextJob(ctx, []string{"default"}, worker, time.Minute)
		if err != nil || claimed == nil {
			t.Fatalf("cycle %d: claim = %v, %v", i, claimed, err)
		}
		if err := s.RescheduleJob(ctx, j.ID, worker, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d after 5 reschedules, want 0", got.Attempts)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

// ──────────────────────────────────────────────────
// Runs and artifacts
// ──────────────────────────────────────────────────

func TestAppendArtifactMaintainsProjection(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newTestRun(t, s)

	a := &run.Artifact{
		ID:        id.NewArtifactID(),
		RunID:     r.ID,
		Type:      run.ArtifactRenderedVideo,
		URI:       "https://cdn.example.com/final.mp4",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendArtifact(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Artifacts["rendered_video"] != "https://cdn.example.com/final.mp4" {
		t.Errorf("projection = %v", got.Artifacts)
	}
}

func TestFindRunByTaskID(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newTestRun(t, s)

	a := &run.Artifact{
		ID:        id.NewArtifactID(),
		RunID:     r.ID,
		Type:      run.ArtifactClipManifest,
		Meta:      run.Meta{Provider: "sora", TaskID: "task-42", Index: 0, Count: 3},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendArtifact(ctx, a); err != nil {
		t.Fatal(err)
	}

	runID, err := s.FindRunByTaskID(ctx, "sora", "task-42")
	if err != nil {
		t.Fatal(err)
	}
	if runID != r.ID {
		t.Errorf("run = %s, want %s", runID, r.ID)
	}

	// Wrong provider or unknown task id.
	if _, err := s.FindRunByTaskID(ctx, "other", "task-42"); !errors.Is(err, reelpipe.ErrRunNotFound) {
		t.Errorf("wrong provider: error = %v, want ErrRunNotFound", err)
	}
	if _, err := s.FindRunByTaskID(ctx, "sora", "task-999"); !errors.Is(err, reelpipe.ErrRunNotFound) {
		t.Errorf("unknown task: error = %v, want ErrRunNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

func TestCheckpointLatestAndFindAwaiting(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	r := newTestRun(t, s)

	if _, err := s.LatestCheckpoint(ctx, r.ID); !errors.Is(err, reelpipe.ErrNoCheckpoint) {
		t.Fatalf("error = %v, want ErrNoCheckpoint", err)
	}

	intr := flow.NewInterrupt("video_generation", nil)
	for seq, cp := range []*flow.Checkpoint{
		{ID: id.NewCheckpointID(), RunID: r.ID, Status: run.StatusIdeation, Snapshot: []byte(`{}`), Codec: "json"},
		{ID: id.NewCheckpointID(), RunID: r.ID, Status: run.StatusAwaitingVideoGeneration, Snapshot: []byte(`{}`), Codec: "json", Interrupts: []flow.Interrupt{intr}},
	} {
		cp.Seq = seq
		cp.CreatedAt = time.Now().UTC()
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Seq != 1 || latest.Status != run.StatusAwaitingVideoGeneration {
		t.Fatalf("latest = seq %d status %s", latest.Seq, latest.Status)
	}

	found, err := s.FindAwaiting(ctx, r.ID, "video_generation")
	if err != nil {
		t.Fatal(err)
	}
	if found.Pending(intr.ID) == nil {
		t.Error("FindAwaiting returned checkpoint without the interrupt")
	}

	if _, err := s.FindAwaiting(ctx, r.ID, "render"); !errors.Is(err, reelpipe.ErrNoCheckpoint) {
		t.Errorf("error = %v, want ErrNoCheckpoint", err)
	}
}

// ──────────────────────────────────────────────────
// Webhook deliveries
// ──────────────────────────────────────────────────

func TestRecordDeliveryDeduplicates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	d := &webhook.Delivery{
		ID:         id.NewDeliveryID(),
		Provider:   "sora",
		Key:        "req-1",
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	dup := &webhook.Delivery{ID: id.NewDeliveryID(), Provider: "sora", Key: "req-1", ReceivedAt: time.Now().UTC()}
	if err := s.RecordDelivery(ctx, dup); !errors.Is(err, reelpipe.ErrDuplicateDelivery) {
		t.Fatalf("error = %v, want ErrDuplicateDelivery", err)
	}

	// Same key for a different provider is distinct.
	other := &webhook.Delivery{ID: id.NewDeliveryID(), Provider: "shotstack", Key: "req-1", ReceivedAt: time.Now().UTC()}
	if err := s.RecordDelivery(ctx, other); err != nil {
		t.Fatal(err)
	}
}

func TestPurgeDeliveries(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	old := &webhook.Delivery{ID: id.NewDeliveryID(), Provider: "sora", Key: "old", ReceivedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &webhook.Delivery{ID: id.NewDeliveryID(), Provider: "sora", Key: "fresh", ReceivedAt: time.Now().UTC()}
	for _, d := range []*webhook.Delivery{old, fresh} {
		if err := s.RecordDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeDeliveries(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if count, _ := s.CountDeliveries(ctx); count != 1 {
		t.Errorf("remaining = %d, want 1", count)
	}
}

// ──────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────

func TestDLQResolveAndPurge(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:            id.NewDLQID(),
		Source:        "webhook:sora",
		Payload:       []byte(`{}`),
		Error:         "normalize failed",
		LastAttemptAt: time.Now().UTC().Add(-10 * 24 * time.Hour),
		CreatedAt:     time.Now().UTC().Add(-10 * 24 * time.Hour),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountDLQ(ctx); n != 1 {
		t.Fatalf("CountDLQ = %d, want 1", n)
	}

	// Unresolved entries are never purged, however old.
	if n, err := s.PurgeDLQ(ctx, time.Now().UTC()); err != nil || n != 0 {
		t.Fatalf("purge of unresolved: n=%d err=%v", n, err)
	}

	if err := s.ResolveDLQ(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountDLQ(ctx); n != 0 {
		t.Errorf("CountDLQ after resolve = %d, want 0", n)
	}

	n, err := s.PurgeDLQ(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	if _, err := s.GetDLQ(ctx, entry.ID); !errors.Is(err, reelpipe.ErrDLQNotFound) {
		t.Errorf("error = %v, want ErrDLQNotFound", err)
	}
}

func TestClaimNextJobGrantsOneLeaseUnderContention(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, newTestJob("contended")); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			j, err := s.ClaimNextJob(ctx, []string{"default"}, id.NewWorkerID(), time.Minute)
			if err != nil {
				t.Errorf("ClaimNextJob: %v", err)
				return
			}
			if j != nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("claims granted = %d, want exactly 1", got)
	}
}
