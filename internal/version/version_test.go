package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := Version
	oldCommit := Commit
	t.Cleanup(func() { Version, Commit = old, oldCommit })

	Version, Commit = "1.2.3", "abc123"
	assert.Equal(t, "1.2.3", Get())
	s := String()
	assert.True(t, strings.HasPrefix(s, "jetdeploy 1.2.3 (abc123) "), s)
}
