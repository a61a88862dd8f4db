package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/petrijr/waterflow/pkg/api"
)

func init() {
	// Payload shapes produced by the HCL loader and JSON decoders.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]map[string]any{})
}

// EncodeData serializes a context payload using encoding/gob. The value is
// encoded behind an interface so that DecodeData can restore its dynamic
// type; custom payload types must be registered with gob.Register.
func EncodeData(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode payload %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeData restores a payload written by EncodeData.
func DecodeData(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return iv, nil
}

// sessionRecord is the JSON shape of a FlowSession column.
type sessionRecord struct {
	ID        string         `json:"id"`
	State     map[string]any `json:"state,omitempty"`
	Completed bool           `json:"completed,omitempty"`
}

func encodeSession(s *api.FlowSession) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(sessionRecord{ID: s.ID, State: s.State, Completed: s.Completed})
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(b), nil
}

func decodeSession(raw string) (*api.FlowSession, error) {
	if raw == "" {
		return nil, nil
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s := api.NewSession(rec.ID)
	for k, v := range rec.State {
		s.State[k] = v
	}
	s.Completed = rec.Completed
	return s, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMap(raw string) (map[string]any, error) {
	out := make(map[string]any)
	if raw == "" || raw == "null" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
