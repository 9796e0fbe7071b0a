package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateExec_RejectsMetacharacters(t *testing.T) {
	assert.Error(t, ValidateExec("echo hi; rm -rf /", true))
	assert.Error(t, ValidateExec("cat foo | grep bar", true))
}

func TestValidateExec_RejectsDenylistedCommand(t *testing.T) {
	assert.Error(t, ValidateExec("rm -rf /tmp/x", true))
	assert.Error(t, ValidateExec("shutdown now", true))
}

func TestValidateExec_AllowsPlainCommand(t *testing.T) {
	assert.NoError(t, ValidateExec("go test ./...", true))
}

func TestValidateExec_OptOut(t *testing.T) {
	assert.NoError(t, ValidateExec("rm -rf /tmp/x", false))
}
