package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrCodeTransport, "download failed", cause)

	if err.Code != ErrCodeTransport {
		t.Errorf("expected code %s, got %s", ErrCodeTransport, err.Code)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped")
	}
	if err.Error() != "download failed: underlying error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", New(ErrCodeNoInstalls, "none"), ErrCodeNoInstalls, true},
		{"wrapped by fmt", fmt.Errorf("outer: %w", NoInstallFound("3.13")), ErrCodeNoInstallFound, true},
		{"different kind", New(ErrCodeNoInstalls, "none"), ErrCodeNoInstallFound, false},
		{"feed version is a feed error", New(ErrCodeInvalidFeedVersion, "schema"), ErrCodeInvalidFeed, true},
		{"feed error is not a version error", New(ErrCodeInvalidFeed, "bad"), ErrCodeInvalidFeedVersion, false},
		{"silent wrapper", Silent(New(ErrCodeHashMismatch, "bad")), ErrCodeHashMismatch, true},
		{"plain error", errors.New("x"), ErrCodeNoInstalls, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKind(tt.err, tt.code); got != tt.want {
				t.Errorf("IsKind(%v, %s) = %v, want %v", tt.err, tt.code, got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"kind", New(ErrCodeInvalidFeed, "bad"), 1},
		{"automatic install", New(ErrCodeAutomaticInstallDisabled, "no"), ExitAutomaticInstallDisabled},
		{"silent keeps code", Silent(New(ErrCodeAutomaticInstallDisabled, "no")), ExitAutomaticInstallDisabled},
		{"explicit", &Error{Code: ErrCodeArgument, Message: "x", ExitCode: 7}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSilent(t *testing.T) {
	if Silent(nil) != nil {
		t.Fatal("Silent(nil) should be nil")
	}

	inner := New(ErrCodeHashMismatch, "bad")
	once := Silent(inner)
	twice := Silent(once)

	if !IsSilent(once) {
		t.Error("expected silent marker")
	}
	if once != twice {
		t.Error("Silent should not double wrap")
	}
	if IsSilent(inner) {
		t.Error("plain error must not be silent")
	}
}

func TestContext(t *testing.T) {
	err := HashMismatch("pkg.zip", "sha256", "aa", "bb")

	if err.Context["expected"] != "aa" || err.Context["actual"] != "bb" {
		t.Errorf("unexpected context %v", err.Context)
	}
	if err.Code != ErrCodeHashMismatch {
		t.Errorf("unexpected code %s", err.Code)
	}
}
