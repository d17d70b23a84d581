package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/backoff"
	"github.com/reelpipe/reelpipe/breaker"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/pipeline"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/respcache"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/store/memory"
	"github.com/reelpipe/reelpipe/urlguard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIdeator struct {
	calls int
}

func (f *fakeIdeator) Ideate(_ context.Context, _ json.RawMessage) (*pipeline.Ideation, error) {
	f.calls++
	return &pipeline.Ideation{
		Idea: flow.Idea{
			Title:   "why the moon is drifting away",
			Prompts: []string{"shot of the moon over the ocean", "tidal bulge animation"},
		},
		Script: "Every year the moon slips four centimeters farther out.",
	}, nil
}

// stubAdapter answers Submit from its submit func and normalizes callbacks
// shaped {"task_id","state","url","error"}.
type stubAdapter struct {
	name    string
	submits []map[string]any
	submit  func(params map[string]any) (*provider.SubmitResult, error)
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Submit(_ context.Context, params map[string]any) (*provider.SubmitResult, error) {
	a.submits = append(a.submits, params)
	return a.submit(params)
}

func (a *stubAdapter) VerifySignature(_ []byte, _ string) bool { return true }

func (a *stubAdapter) NormalizeCallback(body json.RawMessage) (string, *provider.Status, error) {
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

type publicResolver struct{}

func (publicResolver) LookupIP(_ context.Context, _, _ string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

type fixture struct {
	store   *memory.Store
	machine *flow.Machine
	ideator *fakeIdeator
	video   *stubAdapter
	render  *stubAdapter
	publish *stubAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	video := &stubAdapter{name: "sora", submit: func(params map[string]any) (*provider.SubmitResult, error) {
		return &provider.SubmitResult{TaskID: fmt.Sprintf("vid-%v", params["index"])}, nil
	}}
	render := &stubAdapter{name: "shotstack", submit: func(map[string]any) (*provider.SubmitResult, error) {
		return &provider.SubmitResult{TaskID: "render-1"}, nil
	}}
	publish := &stubAdapter{name: "youtube", submit: func(map[string]any) (*provider.SubmitResult, error) {
		return &provider.SubmitResult{
			TaskID: "upload-1",
			Raw:    map[string]any{"url": "https://youtube.example.com/v/abc"},
		}, nil
	}}

	reg := provider.NewRegistry()
	reg.Register(video)
	reg.Register(render)
	reg.Register(publish)

	st := memory.New()
	ideator := &fakeIdeator{}
	guard := urlguard.New(
		urlguard.WithAllowedHosts("cdn.example.com"),
		urlguard.WithResolver(publicResolver{}),
	)
	p := pipeline.New(
		ideator, reg, st, st,
		respcache.New(respcache.NewMemoryStore(), time.Hour),
		guard,
		breaker.NewRegistry(testLogger()),
		backoff.NewConstant(time.Millisecond),
		"sora", "shotstack", "youtube",
		testLogger(),
	)
	machine := flow.NewMachine(st, st, p.Build(), testLogger())

	return &fixture{store: st, machine: machine, ideator: ideator, video: video, render: render, publish: publish}
}

func (f *fixture) resume(t *testing.T, runID id.RunID, payload any) (*run.Run, error) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal resume payload: %v", err)
	}
	return f.machine.Resume(context.Background(), runID, id.InterruptID{}, data)
}

func clipEvent(taskID, url string) provider.Event {
	return provider.Event{Provider: "sora", TaskID: taskID, State: provider.StateGenerated, ArtifactURL: url}
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Ideation suspends for human approval.
	r, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status != run.StatusAwaitingIdeationApproval {
		t.Fatalf("after start: status = %q, want %q", r.Status, run.StatusAwaitingIdeationApproval)
	}
	artifacts, err := f.store.ListArtifacts(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if run.Latest(artifacts, run.ArtifactIdea) == nil {
		t.Error("no idea artifact after ideation")
	}
	if run.Latest(artifacts, run.ArtifactScript) == nil {
		t.Error("no script artifact after ideation")
	}

	// Approval moves into production, which submits one clip per prompt
	// and suspends for generation callbacks.
	r, err = f.resume(t, r.ID, pipeline.Approval{Approved: true, Notes: "ship it"})
	if err != nil {
		t.Fatalf("resume ideation approval: %v", err)
	}
	if r.Status != run.StatusAwaitingVideoGeneration {
		t.Fatalf("after approval: status = %q, want %q", r.Status, run.StatusAwaitingVideoGeneration)
	}
	if len(f.video.submits) != 2 {
		t.Fatalf("video submissions = %d, want 2", len(f.video.submits))
	}
	artifacts, _ = f.store.ListArtifacts(ctx, r.ID)
	if run.Latest(artifacts, run.ArtifactGenRequest) == nil {
		t.Error("no stored generation request")
	}
	if got := len(run.OfType(artifacts, run.ArtifactClipManifest)); got != 2 {
		t.Errorf("manifest entries = %d, want 2", got)
	}

	// Both manifest rows correlate their task ids back to this run.
	for _, taskID := range []string{"vid-0", "vid-1"} {
		got, corrErr := f.store.FindRunByTaskID(ctx, "sora", taskID)
		if corrErr != nil {
			t.Fatalf("FindRunByTaskID(%s): %v", taskID, corrErr)
		}
		if got != r.ID {
			t.Errorf("task %s correlates to %s, want %s", taskID, got, r.ID)
		}
	}

	// First clip arrives; the run stays suspended for the second.
	r, err = f.resume(t, r.ID, clipEvent("vid-0", "https://cdn.example.com/clips/0.mp4"))
	if err != nil {
		t.Fatalf("resume first clip: %v", err)
	}
	if r.Status != run.StatusAwaitingVideoGeneration {
		t.Fatalf("after first clip: status = %q, want still awaiting", r.Status)
	}

	// Second clip completes the set; editing submits the render.
	r, err = f.resume(t, r.ID, clipEvent("vid-1", "https://cdn.example.com/clips/1.mp4"))
	if err != nil {
		t.Fatalf("resume second clip: %v", err)
	}
	if r.Status != run.StatusAwaitingRender {
		t.Fatalf("after clips: status = %q, want %q", r.Status, run.StatusAwaitingRender)
	}
	if len(f.render.submits) != 1 {
		t.Fatalf("render submissions = %d, want 1", len(f.render.submits))
	}
	artifacts, _ = f.store.ListArtifacts(ctx, r.ID)
	if run.Latest(artifacts, run.ArtifactRenderRequest) == nil {
		t.Error("no stored render request")
	}

	// Render completion suspends for publish approval.
	r, err = f.resume(t, r.ID, provider.Event{
		Provider: "shotstack", TaskID: "render-1",
		State: provider.StateGenerated, ArtifactURL: "https://cdn.example.com/final.mp4",
	})
	if err != nil {
		t.Fatalf("resume render: %v", err)
	}
	if r.Status != run.StatusAwaitingPublishApproval {
		t.Fatalf("after render: status = %q, want %q", r.Status, run.StatusAwaitingPublishApproval)
	}
	artifacts, _ = f.store.ListArtifacts(ctx, r.ID)
	if run.Latest(artifacts, run.ArtifactRenderedVideo) == nil {
		t.Error("no rendered video artifact")
	}

	// Publish approval runs the publish node to completion.
	r, err = f.resume(t, r.ID, pipeline.Approval{Approved: true})
	if err != nil {
		t.Fatalf("resume publish approval: %v", err)
	}
	if r.Status != run.StatusCompleted {
		t.Fatalf("final status = %q, want %q", r.Status, run.StatusCompleted)
	}
	if r.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(f.publish.submits) != 1 {
		t.Fatalf("publish submissions = %d, want 1", len(f.publish.submits))
	}
	artifacts, _ = f.store.ListArtifacts(ctx, r.ID)
	published := run.Latest(artifacts, run.ArtifactPublished)
	if published == nil {
		t.Fatal("no published artifact")
	}
	var out map[string]string
	if err := json.Unmarshal(published.Content, &out); err != nil {
		t.Fatalf("decode published artifact: %v", err)
	}
	if out["url"] != "https://youtube.example.com/v/abc" {
		t.Errorf("published url = %q, want the provider url", out["url"])
	}

	if f.ideator.calls != 1 {
		t.Errorf("ideator calls = %d, want 1", f.ideator.calls)
	}
}

func TestPipelineIdeationRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	r, err = f.resume(t, r.ID, pipeline.Approval{Approved: false, Notes: "too dry"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Status != run.StatusRejected {
		t.Fatalf("status = %q, want %q", r.Status, run.StatusRejected)
	}
	if len(f.video.submits) != 0 {
		t.Errorf("video submissions = %d after rejection, want 0", len(f.video.submits))
	}

	// The decision is kept for audit.
	artifacts, _ := f.store.ListArtifacts(ctx, r.ID)
	approval := run.Latest(artifacts, run.ArtifactApproval)
	if approval == nil {
		t.Fatal("no approval artifact recorded")
	}
	var a pipeline.Approval
	if err := json.Unmarshal(approval.Content, &a); err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	if a.Approved || a.Notes != "too dry" {
		t.Errorf("recorded approval = %+v, want the rejection with notes", a)
	}
}

func TestPipelineClipFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err = f.resume(t, r.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("resume approval: %v", err)
	}

	_, err = f.resume(t, r.ID, provider.Event{
		Provider: "sora", TaskID: "vid-0",
		State: provider.StateError, Error: "content policy",
	})
	if !errors.Is(err, reelpipe.ErrRunFailed) {
		t.Fatalf("resume with provider error: err = %v, want ErrRunFailed", err)
	}

	got, err := f.store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, run.StatusFailed)
	}
	if got.Error == "" {
		t.Error("provider error not recorded on the run")
	}
}

func TestPipelineBlocksUnlistedArtifactHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err = f.resume(t, r.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("resume approval: %v", err)
	}

	_, err = f.resume(t, r.ID, clipEvent("vid-0", "https://attacker.test/clip.mp4"))
	if !errors.Is(err, reelpipe.ErrHostBlocked) {
		t.Fatalf("resume with unlisted host: err = %v, want ErrHostBlocked", err)
	}
}

func TestPipelineHoldsOnUnknownClipTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err = f.resume(t, r.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("resume approval: %v", err)
	}

	// A clip from a superseded submission generation holds position with a
	// fresh interrupt instead of failing.
	r, err = f.resume(t, r.ID, clipEvent("vid-from-before-a-fork", "https://cdn.example.com/x.mp4"))
	if err != nil {
		t.Fatalf("resume with unknown task: %v", err)
	}
	if r.Status != run.StatusAwaitingVideoGeneration {
		t.Fatalf("status = %q, want still awaiting", r.Status)
	}

	cp, err := f.store.LatestCheckpoint(ctx, r.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.PendingByName(flow.InterruptVideoGeneration) == nil {
		t.Error("held run has no pending video_generation interrupt")
	}
}

func TestPipelineHoldsOnSupersededRender(t *testing.T) {
	f := newFixture(t)
	r := advanceToAwaitingRender(t, f)

	got, err := f.resume(t, r.ID, provider.Event{
		Provider: "shotstack", TaskID: "render-0-old",
		State: provider.StateGenerated, ArtifactURL: "https://cdn.example.com/old.mp4",
	})
	if err != nil {
		t.Fatalf("resume with superseded render id: %v", err)
	}
	if got.Status != run.StatusAwaitingRender {
		t.Fatalf("status = %q, want still awaiting render", got.Status)
	}
}

func TestPipelineCachesResubmittedGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two runs with identical input: the second reuses the first's
	// provider work through the response cache instead of resubmitting.
	r1, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start r1: %v", err)
	}
	if _, err := f.resume(t, r1.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("approve r1: %v", err)
	}
	submitsAfterFirst := len(f.video.submits)

	r2, err := f.machine.Start(ctx, "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start r2: %v", err)
	}
	if _, err := f.resume(t, r2.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("approve r2: %v", err)
	}

	if f.ideator.calls != 1 {
		t.Errorf("ideator calls = %d, want 1 (second run served from cache)", f.ideator.calls)
	}
	if len(f.video.submits) != submitsAfterFirst {
		t.Errorf("video submissions = %d, want %d (cached)", len(f.video.submits), submitsAfterFirst)
	}
}

// advanceToAwaitingRender drives a fresh run through approval and both
// clip callbacks.
func advanceToAwaitingRender(t *testing.T, f *fixture) *run.Run {
	t.Helper()
	r, err := f.machine.Start(context.Background(), "shorts", json.RawMessage(`{"topic":"the moon"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err = f.resume(t, r.ID, pipeline.Approval{Approved: true}); err != nil {
		t.Fatalf("resume approval: %v", err)
	}
	if _, err = f.resume(t, r.ID, clipEvent("vid-0", "https://cdn.example.com/clips/0.mp4")); err != nil {
		t.Fatalf("resume clip 0: %v", err)
	}
	r, err = f.resume(t, r.ID, clipEvent("vid-1", "https://cdn.example.com/clips/1.mp4"))
	if err != nil {
		t.Fatalf("resume clip 1: %v", err)
	}
	if r.Status != run.StatusAwaitingRender {
		t.Fatalf("status = %q, want %q", r.Status, run.StatusAwaitingRender)
	}
	return r
}
