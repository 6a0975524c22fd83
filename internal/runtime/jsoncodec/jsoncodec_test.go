package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "pacs.008"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out testPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(indented), "\n  \"id\""))
}

func TestStringHelpers(t *testing.T) {
	s, err := MarshalString(map[string]string{"status": "DRAFT"})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"DRAFT"}`, s)

	var out map[string]string
	require.NoError(t, UnmarshalString(s, &out))
	assert.Equal(t, "DRAFT", out["status"])

	untouched := testPayload{ID: 1}
	require.NoError(t, UnmarshalString("", &untouched))
	assert.Equal(t, 1, untouched.ID)
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	require.NoError(t, Encode(buf, payload))

	var decoded testPayload
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}
