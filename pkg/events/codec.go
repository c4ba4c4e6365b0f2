package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Done is the payload of the record that terminates a stream.
const Done = "[DONE]"

var ErrUnknownKind = errors.New("unknown event kind")

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode returns the JSON envelope {"type": kind, "payload": event}.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Type: e.Kind(), Payload: payload})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		env.Payload = []byte("{}")
	}

	switch env.Type {
	case KindActivity:
		return decodeAs[Activity](env.Payload)
	case KindSource:
		return decodeAs[Source](env.Payload)
	case KindReport:
		return decodeAs[ReportChunk](env.Payload)
	case KindComplete:
		return decodeAs[Complete](env.Payload)
	case KindError:
		return decodeAs[Error](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", v.Kind(), err)
	}
	return v, nil
}

// Frame encodes e as one Server-Sent Events record.
func Frame(e Event) ([]byte, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}

// DoneFrame is the terminal record.
func DoneFrame() []byte {
	return []byte("data: " + Done + "\n\n")
}

// ParseData decodes the data of one record. The terminal record returns
// done and a nil Event.
func ParseData(data string) (e Event, done bool, err error) {
	if strings.TrimSpace(data) == Done {
		return nil, true, nil
	}
	e, err = Decode([]byte(data))
	return e, false, err
}
