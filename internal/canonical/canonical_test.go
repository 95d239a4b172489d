package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(out))
}

func TestMarshalIsInsensitiveToInputOrder(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"x": 1, "y": "s", "z": []int{1, 2}})
	require.NoError(t, err)
	b, err := Marshal(map[string]interface{}{"z": []int{1, 2}, "y": "s", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalNumbers(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"int":   int64(9007199254740993),
		"float": 1.5,
		"exp":   1e21,
	})
	require.NoError(t, err)
	// Integers survive verbatim; floats render in shortest form.
	assert.Contains(t, string(out), `"int":9007199254740993`)
	assert.Contains(t, string(out), `"float":1.5`)
	assert.Contains(t, string(out), `"exp":1e+21`)
}

func TestMarshalNormalisesToNFC(t *testing.T) {
	// "é" as a precomposed rune vs e + combining accent.
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	a, err := Hash(map[string]interface{}{"name": composed})
	require.NoError(t, err)
	b, err := Hash(map[string]interface{}{"name": decomposed})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalStructsUseJSONTags(t *testing.T) {
	type payload struct {
		B string `json:"beta"`
		A string `json:"alpha"`
	}
	out, err := Marshal(payload{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"1","beta":"2"}`, string(out))
}

func TestHashIsStable(t *testing.T) {
	v := map[string]interface{}{"a": 1, "b": []string{"x", "y"}, "c": nil}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
