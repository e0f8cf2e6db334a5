package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientHttpUnwrap(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := NewTransientHttp("POST /api/hunks", base)
	require.Error(t, err)

	var th *TransientHttp
	require.ErrorAs(t, err, &th)
	assert.Equal(t, "POST /api/hunks", th.Op)
	assert.ErrorIs(t, err, base)
}

func TestNilWrapsReturnNil(t *testing.T) {
	assert.Nil(t, NewTransientHttp("op", nil))
	assert.Nil(t, NewAuthUnavailable("github", nil))
	assert.Nil(t, NewParseError("blame", nil))
	assert.Nil(t, NewStoreError("put", nil))
}

func TestMissingDataMessage(t *testing.T) {
	err := NewMissingData("head_sha abc123 not found in clone")
	assert.Contains(t, err.Error(), "head_sha abc123")
}

func TestConfigErrorWithoutCause(t *testing.T) {
	err := NewConfigError("GITHUB_APP_ID", nil)
	assert.Contains(t, err.Error(), "GITHUB_APP_ID")
}
