package store

import (
	"encoding/json"

	"github.com/vibinex/review-agent/internal/errs"
)

// PutJSON serializes v as a self-describing JSON record and stores it.
func PutJSON(s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.NewParseError("encode "+key, err)
	}
	return s.Put(key, b)
}

// GetJSON reads and deserializes the value at key into dst. Returns
// (false, nil) if the key is absent.
func GetJSON(s Store, key string, dst any) (bool, error) {
	raw, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errs.NewParseError("decode "+key, err)
	}
	return true, nil
}
