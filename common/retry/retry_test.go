package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opengrove/opengrove/common/retry"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := retry.Do(context.Background(), fastConfig(2), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestValue_PermanentStopsImmediately(t *testing.T) {
	bad := errors.New("bad request")
	calls := 0
	_, err := retry.Value(context.Background(), fastConfig(5), func() (int, error) {
		calls++
		return 0, retry.Permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if !retry.IsPermanent(err) {
		t.Error("expected IsPermanent to report true")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	got, err := retry.Value(context.Background(), fastConfig(1), func() (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Value() = %q, %v", got, err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if retry.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, fastConfig(5), func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls with a cancelled context, got %d", calls)
	}
}
