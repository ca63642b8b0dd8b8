package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordV1 struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

type recordV2 struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	At    time.Time         `json:"at"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
	data, err := Encode(1, recordV1{Name: "a", Count: 3, At: at})
	require.NoError(t, err)

	var got recordV1
	version, err := Decode(data, &got)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 3, got.Count)
	assert.True(t, at.Equal(got.At), "sub-second precision survives")
}

func TestForwardAndBackwardTolerance(t *testing.T) {
	newer, err := Encode(2, recordV2{Name: "n", Count: 1, Tags: map[string]string{"k": "v"}})
	require.NoError(t, err)
	var old recordV1
	_, err = Decode(newer, &old)
	require.NoError(t, err, "unknown fields are ignored")
	assert.Equal(t, "n", old.Name)

	older, err := Encode(1, recordV1{Name: "o"})
	require.NoError(t, err)
	var upgraded recordV2
	_, err = Decode(older, &upgraded)
	require.NoError(t, err, "missing fields default")
	assert.Nil(t, upgraded.Tags)
}

func TestDecodeAnyUsesStringKeys(t *testing.T) {
	data, err := Encode(1, []map[string]any{{"valid_from": 10000, "rules": []any{map[string]any{"x": 1.5}}}})
	require.NoError(t, err)
	var got []map[string]any
	_, err = Decode(data, &got)
	require.NoError(t, err)
	rules, ok := got[0]["rules"].([]any)
	require.True(t, ok)
	_, ok = rules[0].(map[string]any)
	assert.True(t, ok)
}

func TestDecodeCorrupt(t *testing.T) {
	var v recordV1
	for _, data := range [][]byte{nil, []byte("garbage"), {0xa0}} {
		_, err := Decode(data, &v)
		assert.True(t, errors.Is(err, ErrDecode), "%x", data)
	}
}
