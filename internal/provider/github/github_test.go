package github

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPRNumberParsesDigits(t *testing.T) {
	n, err := prNumber("42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestPRNumberRejectsNonNumeric(t *testing.T) {
	_, err := prNumber("abc")
	assert.Error(t, err)
}

func TestProviderIdentity(t *testing.T) {
	g := New("")
	assert.Equal(t, "github", string(g.Provider()))
}
