package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	assert.NoError(t, ValidateFilePath("/var/lib/courier/courier.db"))
	assert.NoError(t, ValidateFilePath("data/courier.db"))

	assert.Error(t, ValidateFilePath(""))
	assert.Error(t, ValidateFilePath("../escape.db"))
	assert.Error(t, ValidateFilePath("data/../../escape.db"))
	assert.Error(t, ValidateFilePath("bad\x00path"))
}

func TestValidateFilePathWithBase(t *testing.T) {
	assert.NoError(t, ValidateFilePathWithBase("photos/a.jpg", "/data"))
	assert.NoError(t, ValidateFilePathWithBase(".", "/data"))

	assert.Error(t, ValidateFilePathWithBase("../outside.jpg", "/data"))
}
