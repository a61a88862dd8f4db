package taskqueue

import (
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	SKU string
	Qty int
}

func init() {
	gob.Register(orderPayload{})
}

func TestEncodeDecodeTask(t *testing.T) {
	now := time.Now().UTC()
	in := Task{
		ID:         "t-1",
		Kind:       KindOffer,
		StreamID:   "orders",
		Payload:    []any{orderPayload{SKU: "a-1", Qty: 2}, "note"},
		EnqueuedAt: now,
		NotBefore:  now.Add(time.Minute),
	}

	raw, err := EncodeTask(in)
	require.NoError(t, err)
	out, err := DecodeTask(raw)
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Payload, out.Payload)
	assert.True(t, in.NotBefore.Equal(out.NotBefore))
}

func TestEncodeTask_UnregisteredPayload(t *testing.T) {
	type private struct{ X int }
	_, err := EncodeTask(Task{ID: "t", Kind: KindOffer, StreamID: "s", Payload: []any{private{1}}})
	assert.Error(t, err)
}

func TestDecodeTask_Garbage(t *testing.T) {
	_, err := DecodeTask([]byte("not gob"))
	assert.Error(t, err)
}

func TestDecodeTask_UnknownFormat(t *testing.T) {
	raw, err := EncodeTask(Task{ID: "t", Kind: KindOffer, StreamID: "s"})
	require.NoError(t, err)
	raw[0] = 9
	_, err = DecodeTask(raw)
	assert.ErrorIs(t, err, errTaskFormat)
}

func TestDecodeTask_RejectsInvalidTask(t *testing.T) {
	raw, err := EncodeTask(Task{ID: "t", Kind: KindInject, TraceID: "tr"})
	require.NoError(t, err)
	_, err = DecodeTask(raw)
	assert.ErrorIs(t, err, ErrInvalidTask)
}
