package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
)

func fastConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Clock:      clock.NewFake(time.Unix(0, 0)),
	}
}

func TestRetrySucceedsFirst(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.New(apperrors.CodeRateLimited, "slow down")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Retry() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsRetries(t *testing.T) {
	calls := 0
	retryErr := status.Error(codes.Unavailable, "always fail")

	err := Retry(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return retryErr
	})

	if !errors.Is(err, retryErr) {
		t.Errorf("Retry() = %v, want %v", err, retryErr)
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryNonRetryableError(t *testing.T) {
	calls := 0
	nonRetryErr := apperrors.New(apperrors.CodeInvalidArgument, "bad request")

	err := Retry(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return nonRetryErr
	})

	if !errors.Is(err, nonRetryErr) {
		t.Errorf("Retry() = %v, want %v", err, nonRetryErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func(context.Context) error {
		return status.Error(codes.Unavailable, "fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v, want context.Canceled", err)
	}
}

func TestRetryOnRetryHookAndBackoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.0001, Clock: fake}
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Retry(context.Background(), cfg, func(context.Context) error {
		return apperrors.New(apperrors.CodeUnavailable, "down")
	})

	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("attempts = %v", attempts)
	}
	sleeps := fake.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("sleeps = %v", sleeps)
	}
	for i := 1; i < len(sleeps); i++ {
		if sleeps[i] <= sleeps[i-1] {
			t.Errorf("backoff not increasing: %v", sleeps)
		}
	}
}

func TestRetryStopsAtMaxElapsed(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := RetryConfig{MaxRetries: 100, BaseDelay: time.Second, MaxDelay: time.Minute, MaxElapsed: 10 * time.Second, Clock: fake}
	calls := 0

	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return apperrors.New(apperrors.CodeUnavailable, "down")
	})

	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("err = %v", err)
	}
	sleeps := fake.Sleeps()
	var total time.Duration
	for _, d := range sleeps {
		total += d
	}
	if total != 10*time.Second {
		t.Errorf("slept %v in %v, want exactly 10s", total, sleeps)
	}
	if calls != len(sleeps)+1 {
		t.Errorf("calls = %d, sleeps = %d", calls, len(sleeps))
	}
	if len(sleeps) != 4 || sleeps[1] <= sleeps[0] || sleeps[2] <= sleeps[1] {
		t.Errorf("want three growing delays then a shortened one, got %v", sleeps)
	}
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", apperrors.New(apperrors.CodeTimeout, "slow")
		}
		return "text", nil
	})
	if err != nil || got != "text" {
		t.Errorf("RetryWithResult = (%q, %v)", got, err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), false},
		{"breaker open", ErrOpen, false},
		{"rate limited", apperrors.New(apperrors.CodeRateLimited, "x"), true},
		{"bad request", apperrors.New(apperrors.CodeTranscription, "x"), false},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"grpc unavailable", status.Error(codes.Unavailable, "x"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "x"), false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSpeechRetryConfig(t *testing.T) {
	cfg := SpeechRetryConfig()
	if cfg.MaxRetries != SpeechMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, SpeechMaxRetries)
	}
	if cfg.BaseDelay != SpeechBaseDelay {
		t.Errorf("BaseDelay = %v, want %v", cfg.BaseDelay, SpeechBaseDelay)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0}

	d0 := backoffDelay(cfg, 0)
	d1 := backoffDelay(cfg, 1)
	d2 := backoffDelay(cfg, 2)

	if d0 != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 200ms", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 400ms", d2)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, JitterFactor: 0}

	if d5 := backoffDelay(cfg, 5); d5 != 300*time.Millisecond {
		t.Errorf("attempt 5 delay = %v, want 300ms (capped)", d5)
	}
}
