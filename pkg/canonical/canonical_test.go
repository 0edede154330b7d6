package canonical

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndCompacts(t *testing.T) {
	b, err := Marshal(map[string]any{"zeta": 1, "alpha": "x", "mid": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":[true,null],"zeta":1}`, string(b))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	b, err := Marshal(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(b))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSanitizeStripsControlChars(t *testing.T) {
	in := "keep\tthis\nand\rthis\x00drop\x08\x0b\x1fthese"
	assert.Equal(t, "keep\tthis\nand\rthisdropthese", SanitizeString(in))
}

func TestSanitizeRecursesContainers(t *testing.T) {
	out := Sanitize(map[string]any{
		"k\x01ey": []any{"v\x02al", map[string]any{"inner": "o\x1ek"}},
	})
	m, ok := out.(map[string]any)
	require.True(t, ok)
	inner, ok := m["key"].([]any)
	require.True(t, ok)
	assert.Equal(t, "val", inner[0])
	assert.Equal(t, map[string]any{"inner": "ok"}, inner[1])
}

// Serialize → hash → deserialize → serialize must be byte- and sha-identical.
func TestRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("canonical round-trip is a fixpoint", prop.ForAll(
		func(keys []string, vals []int) bool {
			doc := map[string]any{}
			for i, k := range keys {
				if i < len(vals) {
					doc[k] = vals[i]
				} else {
					doc[k] = nil
				}
			}
			first, err := Marshal(doc)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := Marshal(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second) && HashBytes(first) == HashBytes(second)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
