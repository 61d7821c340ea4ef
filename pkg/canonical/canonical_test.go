package canonical

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": false}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":false,"z":true}}`, string(b))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"url": "https://a.example/<x>?p=1&q=2"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), `<`)
	assert.Contains(t, string(b), "<x>")
}

func TestMarshalNonFiniteToNull(t *testing.T) {
	b, err := Marshal(map[string]any{"nan": math.NaN(), "inf": math.Inf(1), "neg": math.Inf(-1)})
	require.NoError(t, err)
	assert.Equal(t, `{"inf":null,"nan":null,"neg":null}`, string(b))
}

func TestMarshalBigIntAsString(t *testing.T) {
	n := new(big.Int)
	n.SetString("340282366920938463463374607431768211456", 10)

	b, err := Marshal(map[string]any{"big": n})
	require.NoError(t, err)
	assert.Equal(t, `{"big":"340282366920938463463374607431768211456"}`, string(b))
}

func TestMarshalStructTags(t *testing.T) {
	type payload struct {
		EventType string `json:"event_type"`
		Omitted   string `json:"omitted,omitempty"`
		Seq       int64  `json:"seq"`
	}

	b, err := Marshal(payload{EventType: "run.completed", Seq: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"event_type":"run.completed","seq":7}`, string(b))
}

func TestMarshalDeterministic(t *testing.T) {
	// Property corpus: encoding the same value repeatedly, and encoding a
	// re-decoded copy, must be byte-identical.
	corpus := []any{
		nil,
		true,
		"unicode ✓ ☃ text",
		json.Number("1.5e3"),
		map[string]any{"nested": []any{1, "two", nil, map[string]any{"k": "v"}}},
		map[string]any{"empty_obj": map[string]any{}, "empty_arr": []any{}},
		map[string]any{"num": json.Number("0.000001"), "neg": json.Number("-42")},
		strings.Repeat("a", 1024),
	}

	for _, v := range corpus {
		first, err := Marshal(v)
		require.NoError(t, err)

		second, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))

		var decoded any
		dec := json.NewDecoder(strings.NewReader(string(first)))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&decoded))

		third, err := Marshal(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(third), "round-trip must be stable")
	}
}

func TestHashFormat(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, HashPrefix))
	assert.Len(t, h, len(HashPrefix)+64)
}

func TestHashChangesWithContent(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
