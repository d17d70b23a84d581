package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/store/memory"
	"github.com/reelpipe/reelpipe/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter accepts callbacks shaped {"task_id":..,"state":..} and treats
// validSig as the only valid signature.
type fakeAdapter struct {
	name      string
	validSig  string
	normalize func(body json.RawMessage) (string, *provider.Status, error)
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Submit(_ context.Context, _ map[string]any) (*provider.SubmitResult, error) {
	return &provider.SubmitResult{TaskID: "submitted"}, nil
}

func (a *fakeAdapter) VerifySignature(_ []byte, signature string) bool {
	return a.validSig != "" && signature == a.validSig
}

func (a *fakeAdapter) NormalizeCallback(body json.RawMessage) (string, *provider.Status, error) {
	if a.normalize != nil {
		return a.normalize(body)
	}
	var c struct {
		TaskID string             `json:"task_id"`
		State  provider.TaskState `json:"state"`
		URL    string             `json:"url"`
		Error  string             `json:"error"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return "", nil, err
	}
	return c.TaskID, &provider.Status{State: c.State, ArtifactURL: c.URL, Error: c.Error}, nil
}

type fixture struct {
	store     *memory.Store
	processor *webhook.Processor
	runID     id.RunID
}

// newFixture seeds one run suspended waiting on clip generation for
// task-123 at provider "sora" and builds a processor over it. The resume
// handler completes the run on a generated event and raises on an error
// event, the way the production pipeline's handler does.
func newFixture(t *testing.T, adapter provider.Adapter, opts ...webhook.ProcessorOption) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	g := flow.NewGraph()
	g.HandleResume(run.StatusAwaitingVideoGeneration, func(ctx context.Context, env *flow.Env, snap *flow.Snapshot, resume json.RawMessage) (flow.Outcome, error) {
		var ev provider.Event
		if err := json.Unmarshal(resume, &ev); err != nil {
			return flow.Outcome{}, err
		}
		if ev.State == provider.StateError {
			return flow.Outcome{}, errors.New(ev.Error)
		}
		return flow.Complete(), nil
	})
	machine := flow.NewMachine(st, st, g, testLogger())

	r := &run.Run{
		Entity:  reelpipe.NewEntity(),
		ID:      id.NewRunID(),
		Project: "shorts",
		Status:  run.StatusAwaitingVideoGeneration,
	}
	if err := st.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.AppendArtifact(ctx, &run.Artifact{
		ID:        id.NewArtifactID(),
		RunID:     r.ID,
		Type:      run.ArtifactClipManifest,
		Content:   []byte(`{}`),
		Meta:      run.Meta{Provider: "sora", TaskID: "task-123"},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}

	snap := &flow.Snapshot{RunID: r.ID, Status: run.StatusAwaitingVideoGeneration}
	codec := &flow.JSONCodec{}
	data, err := codec.Encode(snap)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	if err := st.SaveCheckpoint(ctx, &flow.Checkpoint{
		ID:         id.NewCheckpointID(),
		RunID:      r.ID,
		Seq:        1,
		Status:     run.StatusAwaitingVideoGeneration,
		Snapshot:   data,
		Codec:      codec.Name(),
		Interrupts: []flow.Interrupt{flow.NewInterrupt(flow.InterruptVideoGeneration, nil)},
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	reg := provider.NewRegistry()
	reg.Register(adapter)
	deadletters := dlq.NewService(st, testLogger())
	p := webhook.NewProcessor(reg, machine, st, st, deadletters, testLogger(), opts...)

	return &fixture{store: st, processor: p, runID: r.ID}
}

func TestProcessResumesCorrelatedRun(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()

	body := []byte(`{"task_id":"task-123","state":"generated","url":"https://cdn.example.com/clip.mp4"}`)
	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckAccepted)
	}

	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != run.StatusCompleted {
		t.Errorf("run status = %q, want %q", r.Status, run.StatusCompleted)
	}
}

func TestProcessDeduplicatesByRequestID(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()

	body := []byte(`{"task_id":"task-123","state":"generated"}`)
	if _, err := f.processor.Process(ctx, "sora", "req-1", nil, body); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if ack != webhook.AckDuplicate {
		t.Fatalf("second ack = %q, want %q", ack, webhook.AckDuplicate)
	}
}

func TestProcessRejectsUnsignedUnderStrictPolicy(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora", validSig: "good"},
		webhook.WithPolicy("sora", webhook.Policy{SignatureHeader: "X-Sora-Signature", RejectUnsigned: true}),
	)
	ctx := context.Background()
	body := []byte(`{"task_id":"task-123","state":"generated"}`)

	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err == nil {
		t.Fatal("Process without signature: want error")
	}
	if ack != webhook.AckRejected {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckRejected)
	}

	ack, err = f.processor.Process(ctx, "sora", "req-2", map[string]string{"X-Sora-Signature": "bad"}, body)
	if err == nil || ack != webhook.AckRejected {
		t.Fatalf("Process with invalid signature: ack = %q, err = %v, want rejected", ack, err)
	}

	ack, err = f.processor.Process(ctx, "sora", "req-3", map[string]string{"X-Sora-Signature": "good"}, body)
	if err != nil {
		t.Fatalf("Process with valid signature: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckAccepted)
	}
}

func TestProcessAcceptsUnverifiedByDefault(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora", validSig: "good"},
		webhook.WithPolicy("sora", webhook.Policy{SignatureHeader: "X-Sora-Signature"}),
	)
	ctx := context.Background()

	body := []byte(`{"task_id":"task-123","state":"generated"}`)
	ack, err := f.processor.Process(ctx, "sora", "req-1", map[string]string{"X-Sora-Signature": "bad"}, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckAccepted)
	}
}

func TestProcessRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"},
		webhook.WithPolicy("sora", webhook.Policy{MaxBodyBytes: 16}),
	)

	ack, err := f.processor.Process(context.Background(), "sora", "req-1", nil, make([]byte, 17))
	if err == nil || ack != webhook.AckRejected {
		t.Fatalf("oversized body: ack = %q, err = %v, want rejected", ack, err)
	}
}

func TestProcessRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})

	ack, err := f.processor.Process(context.Background(), "nobody", "req-1", nil, []byte(`{}`))
	if err == nil || ack != webhook.AckRejected {
		t.Fatalf("unknown provider: ack = %q, err = %v, want rejected", ack, err)
	}
}

func TestProcessIgnoresUnknownTask(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})

	body := []byte(`{"task_id":"task-nobody-claims","state":"generated"}`)
	ack, err := f.processor.Process(context.Background(), "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckIgnored {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckIgnored)
	}
}

func TestProcessIgnoresCancelledRun(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()

	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	now := time.Now().UTC()
	r.Status = run.StatusCancelled
	r.CompletedAt = &now
	if err := f.store.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	body := []byte(`{"task_id":"task-123","state":"generated"}`)
	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckIgnored {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckIgnored)
	}
}

func TestProcessProgressNeedsNoResume(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()

	body := []byte(`{"task_id":"task-123","state":"progress"}`)
	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckAccepted)
	}

	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != run.StatusAwaitingVideoGeneration {
		t.Errorf("run status = %q after progress report, want unchanged", r.Status)
	}
}

func TestProcessConsumesProviderFailure(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()

	body := []byte(`{"task_id":"task-123","state":"error","error":"generation timed out"}`)
	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %q, want %q (failure events are consumed)", ack, webhook.AckAccepted)
	}

	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != run.StatusFailed {
		t.Errorf("run status = %q, want %q", r.Status, run.StatusFailed)
	}
	if r.Error == "" {
		t.Error("provider failure not recorded on the run")
	}
}

func TestProcessDeadlettersUnparseableCallback(t *testing.T) {
	bad := errors.New("unrecognized callback shape")
	f := newFixture(t, &fakeAdapter{
		name: "sora",
		normalize: func(json.RawMessage) (string, *provider.Status, error) {
			return "", nil, bad
		},
	})
	ctx := context.Background()

	ack, err := f.processor.Process(ctx, "sora", "req-1", nil, []byte(`<xml/>`))
	if !errors.Is(err, bad) {
		t.Fatalf("Process: err = %v, want the normalize error", err)
	}
	if ack != webhook.AckDLQ {
		t.Fatalf("ack = %q, want %q", ack, webhook.AckDLQ)
	}

	entries, err := f.store.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if entries[0].Source != "webhook:sora" {
		t.Errorf("entry source = %q, want %q", entries[0].Source, "webhook:sora")
	}
	if string(entries[0].Payload) != `<xml/>` {
		t.Errorf("entry payload = %q, want the raw body", entries[0].Payload)
	}
}

func TestReprocessReplaysDeadLetteredCallback(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})
	ctx := context.Background()
	deadletters := dlq.NewService(f.store, testLogger())

	body := []byte(`{"task_id":"task-123","state":"generated"}`)
	entry, err := deadletters.Push(ctx, "webhook:sora", f.runID, body, errors.New("transient outage"), 1)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := deadletters.Replay(ctx, entry.ID, f.processor.Reprocess); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != run.StatusCompleted {
		t.Errorf("run status = %q after replay, want %q", r.Status, run.StatusCompleted)
	}

	got, err := f.store.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if !got.Resolved() {
		t.Error("replayed entry not resolved")
	}
}

func TestReprocessRefusesNonWebhookEntry(t *testing.T) {
	f := newFixture(t, &fakeAdapter{name: "sora"})

	err := f.processor.Reprocess(context.Background(), &dlq.Entry{
		ID:     id.NewDLQID(),
		Source: "job:video_poll",
	})
	if err == nil {
		t.Fatal("Reprocess of job-sourced entry: want error")
	}
}

func TestDedupeKey(t *testing.T) {
	if got := webhook.DedupeKey("req-9", []byte("a")); got != "req-9" {
		t.Errorf("DedupeKey with request id = %q, want %q", got, "req-9")
	}
	a := webhook.DedupeKey("", []byte("same body"))
	b := webhook.DedupeKey("", []byte("same body"))
	c := webhook.DedupeKey("", []byte("other body"))
	if a != b {
		t.Error("identical bodies produced different keys")
	}
	if a == c {
		t.Error("different bodies produced the same key")
	}
}

// newOffloadFixture rebuilds the processor over the fixture's store in
// offload mode. The resume machinery is irrelevant here: Process stops at
// the queue and a worker finishes the delivery.
func newOffloadFixture(t *testing.T, queue string) (*fixture, *webhook.Processor) {
	t.Helper()
	f := newFixture(t, &fakeAdapter{name: "sora"})
	reg := provider.NewRegistry()
	reg.Register(&fakeAdapter{name: "sora"})
	machine := flow.NewMachine(f.store, f.store, flow.NewGraph(), testLogger())
	p := webhook.NewProcessor(reg, machine, f.store, f.store, dlq.NewService(f.store, testLogger()), testLogger(),
		webhook.WithOffload(f.store, queue),
	)
	return f, p
}

func TestProcessOffloadEnqueuesKeyedJob(t *testing.T) {
	ctx := context.Background()
	f, p := newOffloadFixture(t, "callbacks")
	body := []byte(`{"task_id":"task-123","state":"generated","url":"https://cdn.example.com/clip.mp4"}`)

	ack, err := p.Process(ctx, "sora", "req-77", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %v, want accepted", ack)
	}

	pending, err := f.store.ListJobsByStatus(ctx, job.StatusPending, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want 1", len(pending))
	}
	j := pending[0]
	if j.Type != job.TypeWebhookDelivery {
		t.Errorf("job type = %q, want %q", j.Type, job.TypeWebhookDelivery)
	}
	if j.Queue != "callbacks" {
		t.Errorf("job queue = %q, want callbacks", j.Queue)
	}
	if want := "webhook:sora:" + webhook.DedupeKey("req-77", body); j.IdempotencyKey != want {
		t.Errorf("job idempotency key = %q, want %q", j.IdempotencyKey, want)
	}

	// The provider retries the same delivery; nothing new may be queued.
	ack, err = p.Process(ctx, "sora", "req-77", nil, body)
	if err != nil {
		t.Fatalf("Process retry: %v", err)
	}
	if ack != webhook.AckDuplicate {
		t.Fatalf("retry ack = %v, want duplicate", ack)
	}
	pending, err = f.store.ListJobsByStatus(ctx, job.StatusPending, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs after retry = %d, want 1", len(pending))
	}
}

// A crash after the enqueue but before the delivery record leaves a queued
// job and no record. The provider's retry must settle the record without
// queueing a second job, so the event is never lost and never doubled.
func TestProcessOffloadSurvivesCrashBeforeRecord(t *testing.T) {
	ctx := context.Background()
	f, p := newOffloadFixture(t, "callbacks")
	body := []byte(`{"task_id":"task-123","state":"generated"}`)
	key := webhook.DedupeKey("req-9", body)

	payload, err := job.MarshalPayload(job.WebhookDeliveryPayload{
		Provider:  "sora",
		RequestID: "req-9",
		Body:      body,
	})
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	if _, _, err := job.Enqueue(ctx, f.store, job.TypeWebhookDelivery, "webhook:sora:"+key, payload,
		job.WithQueue("callbacks"),
	); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ack, err := p.Process(ctx, "sora", "req-9", nil, body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ack != webhook.AckAccepted {
		t.Fatalf("ack = %v, want accepted", ack)
	}
	pending, err := f.store.ListJobsByStatus(ctx, job.StatusPending, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want 1", len(pending))
	}
	if _, err := f.store.GetDelivery(ctx, "sora", key); err != nil {
		t.Fatalf("delivery not recorded after retry: %v", err)
	}
}
