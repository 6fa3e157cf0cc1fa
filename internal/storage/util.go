package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// GetJSON loads key and decodes it into v. Missing keys yield ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	values, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return DecodeJSON(values, key, v)
}

// DecodeJSON decodes values[key] into v. Missing keys yield ErrNotFound.
func DecodeJSON(values map[string][]byte, key string, v any) error {
	raw, ok := values[key]
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// EncodeJSON marshals every document into a value map suitable for Set.
func EncodeJSON(docs map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(docs))
	for key, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = raw
	}
	return out, nil
}
