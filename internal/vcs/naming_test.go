package vcs

import "testing"

func TestNamespace_WorkerBranch(t *testing.T) {
	ns := Namespace{}
	if got, want := ns.WorkerBranch("checkout-flow", "3"), "zerg/checkout-flow/worker-3"; got != want {
		t.Errorf("WorkerBranch() = %q, want %q", got, want)
	}
}

func TestNamespace_StagingBranch(t *testing.T) {
	ns := Namespace{NS: "custom"}
	if got, want := ns.StagingBranch("checkout-flow"), "custom/checkout-flow/staging"; got != want {
		t.Errorf("StagingBranch() = %q, want %q", got, want)
	}
}
