package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDGuard_Check_NoFile(t *testing.T) {
	guard := NewPIDGuard(t.TempDir())
	assert.NoError(t, guard.Check())
}

func TestPIDGuard_Check_StaleProcess(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, PIDFileName)
	require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0o644))

	guard := NewPIDGuard(dir)
	assert.NoError(t, guard.Check())

	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale pid file should be removed")
}

func TestPIDGuard_Check_InvalidPID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFileName), []byte("not-a-number"), 0o644))

	guard := NewPIDGuard(dir)
	assert.NoError(t, guard.Check())
}

func TestPIDGuard_Check_LiveProcess(t *testing.T) {
	dir := t.TempDir()
	guard := NewPIDGuard(dir)
	require.NoError(t, guard.Acquire())

	other := NewPIDGuard(dir)
	err := other.Check()
	require.Error(t, err)

	var alreadyRunning *AlreadyRunningError
	assert.ErrorAs(t, err, &alreadyRunning)
	assert.Equal(t, os.Getpid(), alreadyRunning.PID)

	guard.Release()
	_, err = os.Stat(filepath.Join(dir, PIDFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestPIDGuard_Acquire_WritesPID(t *testing.T) {
	dir := t.TempDir()
	guard := NewPIDGuard(dir)
	require.NoError(t, guard.Acquire())

	data, err := os.ReadFile(filepath.Join(dir, PIDFileName))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
