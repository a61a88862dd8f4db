package persistence

import (
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/waterflow/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

func TestEncodeData_PreservesDynamicType(t *testing.T) {
	cases := []struct {
		name string
		in   any
	}{
		{name: "string", in: "hello"},
		{name: "int", in: 42},
		{name: "struct", in: samplePayload{Msg: "x", N: 7}},
		{name: "map", in: map[string]any{"k": "v", "n": 1.5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := EncodeData(tc.in)
			require.NoError(t, err)

			out, err := DecodeData(b)
			require.NoError(t, err)
			require.Equal(t, tc.in, out)
		})
	}
}

func TestEncodeData_Nil(t *testing.T) {
	b, err := EncodeData(nil)
	require.NoError(t, err)
	require.Nil(t, b)

	out, err := DecodeData(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestEncodeData_UnregisteredTypeFails(t *testing.T) {
	type unregistered struct{ A int }
	_, err := EncodeData(unregistered{A: 1})
	require.Error(t, err)
}

func TestSessionCodec(t *testing.T) {
	s := api.NewSession("trace-1")
	s.Set("user", "alice")
	s.Complete()

	raw, err := encodeSession(s)
	require.NoError(t, err)

	got, err := decodeSession(raw)
	require.NoError(t, err)
	require.Equal(t, "trace-1", got.ID)
	require.Equal(t, "alice", got.State["user"])
	require.True(t, got.Completed)

	none, err := decodeSession("")
	require.NoError(t, err)
	require.Nil(t, none)
}
