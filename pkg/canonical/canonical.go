// Package canonical provides deterministic JSON serialization and hashing
// for the event hash chain.
//
// Canonicalization is RFC 8785 (JCS): object keys sorted by UTF-8 bytes, no
// HTML escaping, shortest-form numbers. A normalization pre-pass makes
// arbitrary Go values JCS-safe: non-finite floats become null, big integers
// become decimal strings, and nested structures are walked recursively.
// Two processes hashing the same envelope must produce identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every chain hash with its algorithm.
const HashPrefix = "sha256:"

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: encode failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:" + hex(SHA-256(canonical(v))).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// normalize walks v and rewrites values that have no canonical JSON form.
// The result contains only nil, bool, string, json.Number, float64,
// map[string]any and []any.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t, nil
	case float32:
		return normalizeFloat(float64(t)), nil
	case float64:
		return normalizeFloat(t), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case big.Int:
		return t.String(), nil
	case json.RawMessage:
		return decodeRaw([]byte(t))
	case []byte:
		return decodeRaw(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		// Structs, typed maps/slices, pointers: round-trip through
		// encoding/json so struct tags are respected, then normalize the
		// generic form. UseNumber preserves number text exactly.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
		}
		return decodeRaw(raw)
	}
}

func decodeRaw(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}
	return normalize(generic)
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
