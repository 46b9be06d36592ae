package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorString(t *testing.T) {
	err := Wrap(stderrors.New("boom"), CodeProcessLaunch, "launch zoom").WithMetadata("binary", "zoom")
	want := "[PROCESS_LAUNCH_FAILED] launch zoom map[binary:zoom] caused by: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		http int
		grpc codes.Code
	}{
		{CodeSessionActive, http.StatusConflict, codes.AlreadyExists},
		{CodeNoSession, http.StatusNotFound, codes.NotFound},
		{CodeInvalidArgument, http.StatusBadRequest, codes.InvalidArgument},
		{CodeRateLimited, http.StatusTooManyRequests, codes.ResourceExhausted},
		{CodeArtifactNotFound, http.StatusNotFound, codes.NotFound},
		{Code("BOGUS"), http.StatusInternalServerError, codes.Unknown},
	}
	for _, tt := range tests {
		e := New(tt.code, "x")
		if got := e.HTTPStatus(); got != tt.http {
			t.Errorf("%s HTTPStatus = %d, want %d", tt.code, got, tt.http)
		}
		if got := e.GRPCCode(); got != tt.grpc {
			t.Errorf("%s GRPCCode = %v, want %v", tt.code, got, tt.grpc)
		}
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	base := New(CodeCaptureExitedEarly, "ffmpeg exited")
	wrapped := fmt.Errorf("record: %w", base)

	if !IsCode(wrapped, CodeCaptureExitedEarly) {
		t.Error("IsCode should see through fmt wrapping")
	}
	if IsCode(wrapped, CodeInternal) {
		t.Error("IsCode matched wrong code")
	}
	if IsCode(stderrors.New("plain"), CodeInternal) {
		t.Error("plain error has no code")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{New(CodeUnavailable, "x"), true},
		{New(CodeRateLimited, "x"), true},
		{fmt.Errorf("w: %w", New(CodeTimeout, "x")), true},
		{New(CodeInvalidArgument, "x"), false},
		{stderrors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
	if got := From(context.Canceled).Code; got != CodeCancelled {
		t.Errorf("From(Canceled) = %s", got)
	}
	if got := From(fmt.Errorf("x: %w", context.DeadlineExceeded)).Code; got != CodeTimeout {
		t.Errorf("From(DeadlineExceeded) = %s", got)
	}
	orig := New(CodeNoSession, "none")
	if From(orig) != orig {
		t.Error("From should return the existing AppError")
	}
	if got := From(stderrors.New("x")).Code; got != CodeInternal {
		t.Errorf("From(plain) = %s", got)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	err := New(CodeSessionActive, "already_in_progress")
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.AlreadyExists {
		t.Fatalf("status = %v, %v", st, ok)
	}
	back := FromGRPCError(st.Err())
	if back.Code != CodeSessionActive {
		t.Errorf("FromGRPCError code = %s", back.Code)
	}
}
