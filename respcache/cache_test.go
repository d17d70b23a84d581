package respcache_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/reelpipe/reelpipe/respcache"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	a, err := respcache.Key("ideation", map[string]any{"topic": "cats", "length": 30})
	if err != nil {
		t.Fatal(err)
	}
	b, err := respcache.Key("ideation", map[string]any{"length": 30, "topic": "cats"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("keys differ for identical params: %q vs %q", a, b)
	}
}

func TestKeyExcludesCallerFields(t *testing.T) {
	a, err := respcache.Key("ideation", map[string]any{"topic": "cats", "run_id": "run_1"}, "run_id")
	if err != nil {
		t.Fatal(err)
	}
	b, err := respcache.Key("ideation", map[string]any{"topic": "cats", "run_id": "run_2"}, "run_id")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("caller field leaked into key: %q vs %q", a, b)
	}

	c, err := respcache.Key("ideation", map[string]any{"topic": "dogs", "run_id": "run_1"}, "run_id")
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("semantic params did not differentiate the key")
	}
}

func TestDoCachesSecondCall(t *testing.T) {
	cache := respcache.New(respcache.NewMemoryStore(), 0)
	ctx := context.Background()

	calls := 0
	fn := func(_ context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"task_id": "task-1"}, nil
	}

	params := map[string]any{"topic": "cats", "run_id": "run_1"}
	first, err := cache.Do(ctx, "ideation", params, []string{"run_id"}, fn)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cache.Do(ctx, "ideation", params, []string{"run_id"}, fn)
	if err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if first["task_id"] != "task-1" || second["task_id"] != "task-1" {
		t.Error("cached response lost fields")
	}
}

func TestDoReinjectsCallerFields(t *testing.T) {
	cache := respcache.New(respcache.NewMemoryStore(), 0)
	ctx := context.Background()

	fn := func(_ context.Context) (map[string]any, error) {
		return map[string]any{"task_id": "task-1", "run_id": "run_1"}, nil
	}

	// First caller populates the cache.
	if _, err := cache.Do(ctx, "submit", map[string]any{"prompt": "a cat", "run_id": "run_1"}, []string{"run_id"}, fn); err != nil {
		t.Fatal(err)
	}

	// Second caller with identical semantics gets the cached response with
	// ITS run id, not the first caller's.
	resp, err := cache.Do(ctx, "submit", map[string]any{"prompt": "a cat", "run_id": "run_2"}, []string{"run_id"},
		func(_ context.Context) (map[string]any, error) {
			t.Fatal("fn invoked on what should be a hit")
			return nil, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if resp["run_id"] != "run_2" {
		t.Errorf("run_id = %v, want run_2 (caller's own)", resp["run_id"])
	}
	if resp["task_id"] != "task-1" {
		t.Errorf("task_id = %v, want task-1", resp["task_id"])
	}
}

func TestDoPropagatesErrors(t *testing.T) {
	cache := respcache.New(respcache.NewMemoryStore(), 0)
	boom := errors.New("provider rejected")

	_, err := cache.Do(context.Background(), "submit", map[string]any{"p": 1}, nil,
		func(_ context.Context) (map[string]any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	// Failures are not cached: the next call runs fn again.
	calls := 0
	_, err = cache.Do(context.Background(), "submit", map[string]any{"p": 1}, nil,
		func(_ context.Context) (map[string]any, error) {
			calls++
			return map[string]any{"ok": true}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after a failure, want 1", calls)
	}
}

// failingStore accepts reads and rejects writes.
type failingStore struct {
	respcache.Store
}

func (s failingStore) SetResponse(context.Context, string, map[string]any, time.Duration) error {
	return errors.New("disk full")
}

func TestDoSurvivesWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	cache := respcache.New(
		failingStore{Store: respcache.NewMemoryStore()},
		0,
		respcache.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	ctx := context.Background()

	resp, err := cache.Do(ctx, "ideation", map[string]any{"topic": "cats"}, nil,
		func(_ context.Context) (map[string]any, error) {
			return map[string]any{"task_id": "task-1"}, nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp["task_id"] != "task-1" {
		t.Errorf("response lost on write failure: %v", resp)
	}

	logged := buf.String()
	if !strings.Contains(logged, "response cache write failed") {
		t.Errorf("write failure not logged: %q", logged)
	}
	if !strings.Contains(logged, "ideation:") {
		t.Errorf("log line missing cache key: %q", logged)
	}
}
