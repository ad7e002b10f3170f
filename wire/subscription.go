package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// SubscriptionRequest lists the topics a subscriber wants, in order. The
// protocol does not deduplicate: a topic listed twice is subscribed twice.
type SubscriptionRequest struct {
	Topics []string
}

// NewSubscriptionRequest builds a request for the given topics.
func NewSubscriptionRequest(topics ...string) SubscriptionRequest {
	return SubscriptionRequest{Topics: topics}
}

// ReadSubscriptionRequest decodes exactly one SubscriptionRequest frame from
// r. Errors follow the same rules as ReadMessage.
func ReadSubscriptionRequest(r io.Reader) (SubscriptionRequest, error) {
	count, err := readLength(r, true)
	if err != nil {
		return SubscriptionRequest{}, err
	}

	// The count is peer controlled; grow the slice as topics actually arrive.
	topics := make([]string, 0, min(count, 64))
	for range count {
		topic, err := readTopic(r, false)
		if err != nil {
			return SubscriptionRequest{}, err
		}
		topics = append(topics, topic)
	}
	return SubscriptionRequest{Topics: topics}, nil
}

// WriteSubscriptionRequest encodes req as one frame and writes it to w with
// a single Write.
func WriteSubscriptionRequest(w io.Writer, req SubscriptionRequest) error {
	frame, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s SubscriptionRequest) MarshalBinary() ([]byte, error) {
	size := lengthSize
	for _, topic := range s.Topics {
		size += lengthSize + len(topic)
	}

	frame, err := appendLength(make([]byte, 0, size), len(s.Topics))
	if err != nil {
		return nil, err
	}
	for _, topic := range s.Topics {
		if frame, err = appendField(frame, []byte(topic)); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes after
// the frame are rejected.
func (s *SubscriptionRequest) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	req, err := ReadSubscriptionRequest(r)
	if errors.Is(err, io.EOF) {
		return ErrShortRead
	}
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrProtocol, r.Len())
	}
	*s = req
	return nil
}
