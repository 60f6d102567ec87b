package storage

import (
	"encoding/json"
	"fmt"
)

// Records are stored as JSON so ledgerctl and ad-hoc tooling can read them
// without this package. Decimals encode as strings, which keeps them exact.

func encode(kind string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return b, nil
}

func decode(kind string, b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
