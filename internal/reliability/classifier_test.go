package reliability

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	base := errors.New("location not found")
	err := fmt.Errorf("geo lookup: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatalf("expected wrapped permanent error to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected permanent error to unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should stay nil")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want %v", got, 200*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
