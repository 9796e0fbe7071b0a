//go:build windows

package launcher

import (
	"os/exec"
	"syscall"
)

// setProcAttr is a no-op on Windows; proper child-process cleanup
// would require job objects.
//
// TODO: use job objects (JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE) for real
// descendant cleanup on Windows.
func setProcAttr(cmd *exec.Cmd) {}

func killProcessGroup(pid int, sig syscall.Signal) error { return nil }
