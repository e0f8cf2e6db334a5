package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("github/acme/widgets", []byte(`{"owner":"acme"}`)))

	v, err := s.Get("github/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, `{"owner":"acme"}`, string(v))
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Get("does/not/exist")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestScanPrefixOrderedAndBounded(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("github/acme/widgets", []byte("1")))
	require.NoError(t, s.Put("github/acme/gadgets", []byte("2")))
	require.NoError(t, s.Put("github/other/widgets", []byte("3")))

	var keys []string
	err := s.Scan("github/acme/", func(key string, value []byte) bool {
		keys = append(keys, key)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"github/acme/gadgets", "github/acme/widgets"}, keys)
	assert.Len(t, keys, 2)
}

func TestScanStopsEarly(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("a/1", []byte("x")))
	require.NoError(t, s.Put("a/2", []byte("y")))
	require.NoError(t, s.Put("a/3", []byte("z")))

	var seen int
	err := s.Scan("a/", func(key string, value []byte) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	s := openTestStore(t)

	type repo struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	}

	require.NoError(t, PutJSON(s, "github/acme/widgets", repo{Owner: "acme", Name: "widgets"}))

	var out repo
	found, err := GetJSON(s, "github/acme/widgets", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "acme", out.Owner)

	var missing repo
	found, err = GetJSON(s, "nope", &missing)
	require.NoError(t, err)
	assert.False(t, found)
}
