package breaker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/breaker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerPassesThrough(t *testing.T) {
	b := breaker.New("video:sora")

	err := b.Run(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Errorf("State() = %q, want closed", got)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := breaker.New("video:sora", breaker.WithMaxFailures(3), breaker.WithCooldown(time.Hour))
	boom := errors.New("provider down")

	for i := 0; i < 3; i++ {
		if err := b.Run(context.Background(), func(_ context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: error = %v, want boom", i, err)
		}
	}

	// Tripped: fails fast without invoking fn.
	invoked := false
	err := b.Run(context.Background(), func(_ context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, reelpipe.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("fn invoked while breaker open")
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	b := breaker.New("render", breaker.WithMaxFailures(1), breaker.WithCooldown(20*time.Millisecond))
	boom := errors.New("down")

	_ = b.Run(context.Background(), func(_ context.Context) error { return boom })
	if err := b.Run(context.Background(), func(_ context.Context) error { return nil }); !errors.Is(err, reelpipe.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(30 * time.Millisecond)

	// HALF_OPEN probe succeeds and closes the circuit.
	if err := b.Run(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if err := b.Run(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("post-recovery error: %v", err)
	}
}

func TestRegistryReturnsSameBreakerPerName(t *testing.T) {
	reg := breaker.NewRegistry(testLogger(), breaker.WithMaxFailures(2))

	a := reg.For("video:sora")
	b := reg.For("video:sora")
	if a != b {
		t.Error("For returned distinct breakers for the same name")
	}
	if c := reg.For("render:shotstack"); c == a {
		t.Error("For returned the same breaker for different names")
	}
}
