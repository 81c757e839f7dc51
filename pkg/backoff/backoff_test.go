// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	called := 0
	err := backoff.Execute(context.Background(), "test", cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 5 * time.Millisecond, Multiplier: 1, MaxElapsedTime: time.Second}
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), "test", cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 10 * time.Millisecond, Multiplier: 1, MaxElapsedTime: 50 * time.Millisecond}
	called := 0
	err := backoff.Execute(context.Background(), "test", cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return errors.New("always fail")
	})
	var giveUp *backoff.GiveUpError
	if !errors.As(err, &giveUp) {
		t.Fatalf("expected GiveUpError, got %v", err)
	}
	if giveUp.Attempts != called || giveUp.Op != "test" {
		t.Errorf("GiveUpError = %+v, actual attempts %d", giveUp, called)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, MaxElapsedTime: time.Second}
	called := 0
	sentinel := errors.New("bad input")
	err := backoff.Execute(context.Background(), "test", cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if called != 1 {
		t.Errorf("permanent error retried: %d attempts", called)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (backoff.Config{}).Validate(); err != nil {
		t.Errorf("zero config must be valid after defaults: %v", err)
	}
	for name, cfg := range map[string]backoff.Config{
		"jitter > 1":        {RandomizationFactor: 2},
		"multiplier < 1":    {Multiplier: 0.5},
		"max below initial": {InitialInterval: time.Minute},
	} {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPacer_GrowsAndResets(t *testing.T) {
	p := backoff.NewPacer(backoff.Config{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.0001,
		Multiplier:          2,
		MaxInterval:         40 * time.Millisecond,
	}, "test")
	first := p.Next()
	second := p.Next()
	if second <= first {
		t.Errorf("expected growth: first=%v second=%v", first, second)
	}
	for i := 0; i < 10; i++ {
		if d := p.Next(); d > 41*time.Millisecond {
			t.Fatalf("delay %v exceeds MaxInterval", d)
		}
	}
	p.Reset()
	if d := p.Next(); d > 11*time.Millisecond {
		t.Errorf("after Reset expected ~InitialInterval, got %v", d)
	}
}

func TestPacer_WaitHonoursContext(t *testing.T) {
	p := backoff.NewPacer(backoff.Config{InitialInterval: time.Hour, MaxInterval: time.Hour}, "test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
