package bayeux

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseBatch decodes an inbound payload. Both a JSON array of messages and a
// single JSON object are accepted. Any decoding failure, including a
// non-string channel or clientId, yields an error wrapping ErrMalformed.
func ParseBatch(data []byte) ([]*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	if data[0] == '{' {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return []*Message{&m}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}

	msgs := make([]*Message, 0, len(raw))
	for i, r := range raw {
		var m Message
		if err := json.Unmarshal(r, &m); err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrMalformed, i, err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// EncodeBatch encodes messages as a JSON array, skipping nil entries.
func EncodeBatch(msgs ...*Message) ([]byte, error) {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return b, nil
}
