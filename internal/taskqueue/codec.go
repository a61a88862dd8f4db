package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// taskFormat prefixes every encoded task so rows written by an older
// layout are recognised instead of half-decoded.
const taskFormat byte = 1

var errTaskFormat = errors.New("unknown task format")

// EncodeTask serialises t for durable queues. Payload elements of custom
// types must be registered with gob.Register.
func EncodeTask(t Task) ([]byte, error) {
	buf := bytes.NewBuffer([]byte{taskFormat})
	if err := gob.NewEncoder(buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask reverses EncodeTask and validates the result.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 || data[0] != taskFormat {
		return nil, fmt.Errorf("decode task: %w", errTaskFormat)
	}
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
	}
	return &t, nil
}
