package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Do(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		permanent bool
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, 0, false, 1, nil},
		{"recovers on third", 3, 2, false, 3, nil},
		{"exhausted", 3, 10, false, 3, errTransient},
		{"permanent stops", 5, 10, true, 1, errFatal},
		{"zero attempts runs once", 0, 0, false, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{MaxAttempts: tt.attempts, BaseDelay: time.Millisecond}
			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				if calls > tt.failFirst {
					return nil
				}
				if tt.permanent {
					return Permanent(errFatal)
				}
				return errTransient
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if IsPermanent(err) {
				t.Fatal("returned error should be unwrapped")
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_MaxDelayCapsBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	start := time.Now()
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("fail") })

	// Three capped sleeps of at most 25ms each; uncapped would be ~140ms.
	if elapsed := time.Since(start); elapsed > 120*time.Millisecond {
		t.Fatalf("backoff not capped: %v", elapsed)
	}
}

func TestDo_Shorthand(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestJittered_Bounds(t *testing.T) {
	if jittered(0) != 0 {
		t.Fatal("zero delay should stay zero")
	}
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := jittered(d)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v out of ±25%%", d, got)
		}
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("inner")
	pe := Permanent(inner)
	if !errors.Is(pe, inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if !IsPermanent(pe) {
		t.Fatal("IsPermanent should detect wrapped error")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
