package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	s := Short()
	assert.Contains(t, s, Version)
	assert.Contains(t, s, Revision)
}

func TestDetailed(t *testing.T) {
	s := Detailed()
	assert.Contains(t, s, Version)
	assert.Contains(t, s, "go")
}
