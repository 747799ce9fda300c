package scanqueue

import "testing"

func TestRequestScanMergesForceAsDisjunction(t *testing.T) {
	t.Parallel()
	c := New()
	c.RequestScan("inotify-event", false)
	c.RequestScan("timer", false)
	c.RequestScan("inotify-event", true)

	var captured Request
	outcome := c.DispatchPending(func(r Request) DispatchOutcome {
		captured = r
		return Success
	})

	if outcome != Success {
		t.Fatalf("DispatchPending() outcome = %v, want Success", outcome)
	}
	if !captured.Force {
		t.Error("merged request Force = false, want true (disjunction)")
	}
	if captured.Reason != "inotify-event" {
		t.Errorf("merged request Reason = %q, want most recent", captured.Reason)
	}
}

func TestDispatchPendingWithNothingPending(t *testing.T) {
	t.Parallel()
	c := New()
	called := false
	outcome := c.DispatchPending(func(Request) DispatchOutcome {
		called = true
		return Success
	})
	if outcome != NoPendingRequest {
		t.Errorf("DispatchPending() = %v, want NoPendingRequest", outcome)
	}
	if called {
		t.Error("handler should not be invoked when nothing is pending")
	}
}

func TestDispatchPendingClearsRegardlessOfOutcome(t *testing.T) {
	t.Parallel()
	c := New()
	c.RequestScan("startup", false)
	c.DispatchPending(func(Request) DispatchOutcome { return Busy })

	if c.HasPending() {
		t.Error("pending request should be cleared after dispatch even on Busy")
	}
}

func TestHasPending(t *testing.T) {
	t.Parallel()
	c := New()
	if c.HasPending() {
		t.Error("HasPending() on new coalescer should be false")
	}
	c.RequestScan("timer", false)
	if !c.HasPending() {
		t.Error("HasPending() after RequestScan should be true")
	}
}

func TestDispatchOutcomeString(t *testing.T) {
	t.Parallel()
	cases := map[DispatchOutcome]string{
		Success:          "Success",
		Busy:             "Busy",
		Mixed:            "Mixed",
		Failure:          "Failure",
		NoPendingRequest: "NoPendingRequest",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Errorf("DispatchOutcome(%d).String() = %q, want %q", outcome, got, want)
		}
	}
}
