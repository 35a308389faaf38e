package task

import "testing"

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusComplete} {
		if !s.Valid() {
			t.Fatalf("Status(%s).Valid() = false, want true", s)
		}
	}
	if Status("Bogus").Valid() {
		t.Fatal("Status(Bogus).Valid() = true, want false")
	}
}

func TestResultWorkedFailed(t *testing.T) {
	cases := []struct {
		r      Result
		worked bool
		failed bool
	}{
		{ResultSuccess, true, false},
		{ResultPartialSuccess, true, true},
		{ResultFailure, false, true},
		{ResultDependentFailure, false, false},
		{ResultIncomplete, false, false},
	}
	for _, c := range cases {
		if got := c.r.Worked(); got != c.worked {
			t.Errorf("%s.Worked() = %v, want %v", c.r, got, c.worked)
		}
		if got := c.r.Failed(); got != c.failed {
			t.Errorf("%s.Failed() = %v, want %v", c.r, got, c.failed)
		}
	}
}

func TestActionIsOOB(t *testing.T) {
	if ActionConfigureHardware.IsOOB() {
		t.Fatal("ConfigureHardware.IsOOB() = true, want false")
	}
	if !ActionPowerCycleNode.IsOOB() {
		t.Fatal("PowerCycleNode.IsOOB() = false, want true")
	}
}

func TestResultDetailMarkAvoidsDuplicates(t *testing.T) {
	var d ResultDetail
	d.MarkSuccessful("node-01")
	d.MarkSuccessful("node-01")
	d.MarkFailed("node-02")
	d.MarkFailed("node-02")

	if len(d.SuccessfulNodes) != 1 {
		t.Fatalf("SuccessfulNodes = %v, want one entry", d.SuccessfulNodes)
	}
	if len(d.FailedNodes) != 1 {
		t.Fatalf("FailedNodes = %v, want one entry", d.FailedNodes)
	}
}

func TestNewAssignsPendingIncompleteAndMatchingCorrelationID(t *testing.T) {
	tk := New(ActionIdentifyNode, "design-1", "site-1")

	if tk.Status != StatusPending {
		t.Fatalf("Status = %s, want Pending", tk.Status)
	}
	if tk.Result != ResultIncomplete {
		t.Fatalf("Result = %s, want Incomplete", tk.Result)
	}
	if tk.ID == "" || tk.CorrelationID != tk.ID {
		t.Fatalf("CorrelationID = %q, want it to default to ID %q", tk.CorrelationID, tk.ID)
	}
	if tk.ParentID != "" {
		t.Fatalf("ParentID = %q, want empty for a root task", tk.ParentID)
	}
}
