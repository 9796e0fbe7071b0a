package launcher

import (
	"fmt"
	"strings"
)

// shellMetachars are characters that would let an exec string escape a
// single intended command.
const shellMetachars = "|&;<>$`\\\"'*?[]{}()~!#"

// denylistedCommands are destructive commands rejected in an
// administrative exec (e.g. running a verification inside a
// container) when validation is on; validate=false skips this check
// along with the metacharacter check.
var denylistedCommands = []string{"rm", "dd", "mkfs", "shutdown", "reboot", "kill", "killall"}

// ValidateExec rejects shell metacharacters, pipe/redirection, and a
// denylist of destructive commands for administrative exec calls.
// Pass validate=false to opt out.
func ValidateExec(command string, validate bool) error {
	if !validate {
		return nil
	}
	if strings.ContainsAny(command, shellMetachars) {
		return fmt.Errorf("exec command contains disallowed shell metacharacters: %q", command)
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("exec command is empty")
	}
	base := fields[0]
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	for _, denied := range denylistedCommands {
		if base == denied {
			return fmt.Errorf("exec command %q is denylisted", base)
		}
	}
	return nil
}
