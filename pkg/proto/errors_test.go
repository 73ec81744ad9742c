package proto

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := Errorf(ErrNoSuchAgent, "agent %s not registered", "agent-000042")

	if KindOf(err) != ErrNoSuchAgent {
		t.Errorf("Expected NO_SUCH_AGENT, got %s", KindOf(err))
	}
	if !IsKind(err, ErrNoSuchAgent) {
		t.Error("IsKind should match the tagged kind")
	}
	if IsKind(err, ErrInternal) {
		t.Error("IsKind should not match a different kind")
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapErr(ErrInternal, cause, "persist descriptor")

	if !errors.Is(err, cause) {
		t.Error("Wrapped cause should survive errors.Is")
	}

	// A fmt.Errorf chain on top keeps the kind reachable.
	outer := fmt.Errorf("register: %w", err)
	if KindOf(outer) != ErrInternal {
		t.Errorf("Expected INTERNAL through wrapping, got %s", KindOf(outer))
	}
}

func TestKindOfUntagged(t *testing.T) {
	if KindOf(nil) != "" {
		t.Error("nil should have empty kind")
	}
	if KindOf(errors.New("plain")) != ErrInternal {
		t.Error("Untagged errors map to INTERNAL")
	}
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		err  error
		want FailureClass
	}{
		{Transientf("remote 503"), FailureTransient},
		{Permanentf("malformed request"), FailurePermanent},
		{Policyf("destructive op refused"), FailurePolicy},
		{Fatalf("invariant broken"), FailureFatal},
		{errors.New("unclassified"), FailureTransient},
		{fmt.Errorf("handler: %w", Permanentf("bad")), FailurePermanent},
	}

	for _, tc := range cases {
		if got := ClassOf(tc.err); got != tc.want {
			t.Errorf("ClassOf(%v): expected %s, got %s", tc.err, tc.want, got)
		}
	}

	if ClassOf(nil) != "" {
		t.Error("nil should have empty class")
	}
}

func TestWrapClassKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapClass(FailureTransient, cause)

	if !errors.Is(err, cause) {
		t.Error("WrapClass should keep the cause unwrappable")
	}
	if ClassOf(err) != FailureTransient {
		t.Errorf("Expected TRANSIENT, got %s", ClassOf(err))
	}
}

func TestStateHelpers(t *testing.T) {
	if !StateRunning.Routable() || !StateIdle.Routable() || !StateDegraded.Routable() {
		t.Error("Running, Idle, Degraded should be routable")
	}
	if StateStopping.Routable() || StateRegistered.Routable() {
		t.Error("Stopping and Registered should not be routable")
	}
	if !StateStopped.Terminal() || !StateDead.Terminal() {
		t.Error("Stopped and Dead are terminal")
	}
	if StateFailing.Terminal() {
		t.Error("Failing is not terminal")
	}
	if !StateStarting.Stoppable() {
		t.Error("Starting should accept a stop request")
	}
	if StateFailing.Stoppable() {
		t.Error("Failing does not accept a stop request")
	}

	st, err := ParseState("degraded")
	if err != nil || st != StateDegraded {
		t.Errorf("Expected DEGRADED, got %s (%v)", st, err)
	}
	if _, err := ParseState("LIMBO"); err == nil {
		t.Error("Expected parse error for unknown state")
	}
}
