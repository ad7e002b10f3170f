package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message is a payload published to a topic. Treat it as immutable once
// built; use Clone when a copy has to outlive or diverge from the original.
type Message struct {
	Topic   string
	Payload []byte
}

// NewMessage builds a Message from a topic and a payload.
func NewMessage(topic string, payload []byte) Message {
	return Message{Topic: topic, Payload: payload}
}

// Clone returns a Message that shares no memory with m.
func (m Message) Clone() Message {
	return Message{Topic: m.Topic, Payload: bytes.Clone(m.Payload)}
}

// ReadMessage decodes exactly one Message frame from r.
//
// It returns io.EOF when r ends cleanly before the frame starts, ErrShortRead
// when r ends inside the frame and ErrInvalidTopic when the topic is not
// UTF-8. On error the returned Message is always the zero value.
func ReadMessage(r io.Reader) (Message, error) {
	topic, err := readTopic(r, true)
	if err != nil {
		return Message{}, err
	}
	n, err := readLength(r, false)
	if err != nil {
		return Message{}, err
	}
	payload, err := readBytes(r, n)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Payload: payload}, nil
}

// WriteMessage encodes m as one frame and writes it to w with a single Write.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Message) MarshalBinary() ([]byte, error) {
	frame := make([]byte, 0, 2*lengthSize+len(m.Topic)+len(m.Payload))
	frame, err := appendField(frame, []byte(m.Topic))
	if err != nil {
		return nil, err
	}
	return appendField(frame, m.Payload)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes after
// the frame are rejected.
func (m *Message) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	msg, err := ReadMessage(r)
	if errors.Is(err, io.EOF) {
		return ErrShortRead
	}
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrProtocol, r.Len())
	}
	*m = msg
	return nil
}

// MarshalJSON renders the message as {"topic": ..., "payload": <base64>}.
func (m Message) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes([]byte(`{}`), "topic", m.Topic)
	if err != nil {
		return nil, err
	}

	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return sjson.SetRawBytes(result, "payload", raw)
}

// UnmarshalJSON accepts the MarshalJSON form. As a convenience for hand
// written input, a "text" field may carry a UTF-8 payload instead of the
// base64 "payload" field.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	topic := gjson.GetBytes(data, "topic")
	if !topic.Exists() || topic.Type != gjson.String {
		return fmt.Errorf("missing required field 'topic'")
	}
	if !utf8.ValidString(topic.String()) {
		return ErrInvalidTopic
	}

	var payload []byte
	if raw := gjson.GetBytes(data, "payload"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	} else if text := gjson.GetBytes(data, "text"); text.Exists() {
		payload = []byte(text.String())
	}

	*m = Message{Topic: topic.String(), Payload: payload}
	return nil
}
