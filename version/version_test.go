package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, Version())
}

func TestGoVersion(t *testing.T) {
	assert.Contains(t, GoVersion(), "go")
}
