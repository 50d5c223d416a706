// Package canonical produces the deterministic byte encoding used as
// hash input everywhere in the ledger. Two values that are semantically
// equal (ignoring object-key order) encode to identical bytes, so any
// conformant reimplementation hashes identically given the same payload.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/evidara/trialtrace/core/errors"
)

// Marshal encodes value as RFC 8785 canonical JSON: object keys sorted
// by code-unit order, numbers in minimal round-trip form, standard JSON
// string escapes. Non-finite floats collapse to null and negative zero
// renders as 0; values outside the canonical grammar fail rather than
// being silently coerced.
func Marshal(value any) ([]byte, error) {
	normalized, err := normalize(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySerialization, "canonical_encode",
			"payload contains a value outside the canonical JSON grammar")
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySerialization, "canonical_encode",
			"payload contains a value outside the canonical JSON grammar")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySerialization, "canonical_transform",
			"encoded payload is not valid JSON")
	}
	return out, nil
}

// Digest returns the lowercase hex SHA-256 of the canonical encoding.
func Digest(value any) (string, error) {
	encoded, err := Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalizeJSON transforms already-encoded JSON into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySerialization, "canonical_transform",
			"input is not valid JSON")
	}
	return out, nil
}

// SHA256Hex hashes raw bytes; exported so artifact checksumming shares
// one hash encoding with payload digests.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalize maps a Go value onto the canonical JSON value space.
// Maps and slices recurse; non-finite floats become nil; negative zero
// becomes positive zero. Anything else round-trips through encoding/json
// so structs and typed containers are supported, and unrepresentable
// values (channels, functions, cycles) surface as errors.
func normalize(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	case json.Number:
		return v, nil
	case float32:
		return normalizeFloat(float64(v)), nil
	case float64:
		return normalizeFloat(v), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value of type %T is not canonically representable: %w", v, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		var decoded any
		if err := decoder.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode normalized value: %w", err)
		}
		return normalize(decoded)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f == 0 {
		return float64(0)
	}
	return f
}
