package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRun_Pass(t *testing.T) {
	res := Run(context.Background(), t.TempDir(), Gate{Name: "ok", Command: "true", Timeout: time.Second})
	assert.Equal(t, Pass, res.Outcome)
}

func TestRun_Fail(t *testing.T) {
	res := Run(context.Background(), t.TempDir(), Gate{Name: "bad", Command: "false", Timeout: time.Second})
	assert.Equal(t, Fail, res.Outcome)
}

func TestRun_Timeout(t *testing.T) {
	res := Run(context.Background(), t.TempDir(), Gate{Name: "slow", Command: "sleep 5", Timeout: 50 * time.Millisecond})
	assert.Equal(t, Timeout, res.Outcome)
}

func TestRunAll_StopOnFailure(t *testing.T) {
	gates := []Gate{
		{Name: "a", Command: "true", Required: true, Timeout: time.Second},
		{Name: "b", Command: "false", Required: true, Timeout: time.Second},
		{Name: "c", Command: "true", Required: true, Timeout: time.Second},
	}
	sum := RunAll(context.Background(), t.TempDir(), gates, true, false)
	assert.False(t, sum.AllPassed)
	assert.Len(t, sum.Results, 2, "should stop after the second gate fails")
}

func TestRunAll_OptionalFailureDoesNotFlipAllPassed(t *testing.T) {
	gates := []Gate{
		{Name: "required", Command: "true", Required: true, Timeout: time.Second},
		{Name: "optional", Command: "false", Required: false, Timeout: time.Second},
	}
	sum := RunAll(context.Background(), t.TempDir(), gates, false, false)
	assert.True(t, sum.AllPassed)
}

func TestVerify_EmptyCommandAutoPasses(t *testing.T) {
	res := Verify(context.Background(), t.TempDir(), "", time.Second)
	assert.Equal(t, Pass, res.Outcome)
}

func TestVerifyWithRetry_SucceedsOnLastAttempt(t *testing.T) {
	dir := t.TempDir()
	// Attempt 1 finds no marker, creates it and exits 1; attempt 2 finds
	// the marker and exits 0.
	cmd := "test -f " + dir + "/marker && exit 0 || (touch " + dir + "/marker && exit 1)"
	res := VerifyWithRetry(context.Background(), dir, cmd, time.Second, 2, 10*time.Millisecond)
	assert.Equal(t, Pass, res.Outcome)
}
