package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const lengthSize = 4

// readLength reads one u32 length prefix. When leading is true the prefix is
// the first field of a frame, and a stream that ends before any byte of it
// arrives is reported as io.EOF: the peer closed between frames.
func readLength(r io.Reader, leading bool) (uint32, error) {
	var buf [lengthSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if leading && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, shortRead(err)
	}
	return buf, nil
}

func readTopic(r io.Reader, leading bool) (string, error) {
	n, err := readLength(r, leading)
	if err != nil {
		return "", err
	}
	raw, err := readBytes(r, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidTopic
	}
	return string(raw), nil
}

// shortRead maps premature end of stream to ErrShortRead and leaves transport
// errors untouched.
func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrShortRead, io.ErrUnexpectedEOF)
	}
	return err
}

func appendLength(dst []byte, n int) ([]byte, error) {
	if uint64(n) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	return binary.BigEndian.AppendUint32(dst, uint32(n)), nil
}

func appendField(dst, field []byte) ([]byte, error) {
	dst, err := appendLength(dst, len(field))
	if err != nil {
		return nil, err
	}
	return append(dst, field...), nil
}
