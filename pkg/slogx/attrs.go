package slogx

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
)

const (
	// KeyLoggerName is the key for the component that emitted a record.
	KeyLoggerName = "logger"
	// KeyRole is the key for the connection role (publisher, subscriber).
	KeyRole = "role"
	// KeyAddr is the key for a network address.
	KeyAddr = "addr"
	// KeyID is the key for a connection identifier.
	KeyID = "id"
	// KeyTopic is the key for a message topic.
	KeyTopic = "topic"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error yields an empty message rather than a panic.
//
// Parameters:
//   - err: The error to be converted into a slog.Attr.
//
// Returns:
//   - slog.Attr: An attribute with the key "error" and the error's message as the value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value.
//
// Parameters:
//   - key: A string representing the key for the attribute.
//   - value: An object that implements the fmt.Stringer interface.
//
// Returns:
//   - slog.Attr: An attribute containing the key and the string representation of the value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
//
// Parameters:
//   - name: The name of the logger, usually the emitting component.
//
// Returns:
//
//	A slog.Attr containing the logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Role creates a slog.Attr recording which side of the broker a connection
// belongs to. The attribute key is defined by KeyRole.
//
// Parameters:
//   - role: The connection kind, rendered through its String method.
//
// Returns:
//   - slog.Attr: An attribute with the key "role".
func Role(role fmt.Stringer) slog.Attr {
	return Stringer(KeyRole, role)
}

// Addr creates a slog.Attr for a network address. The attribute key is
// defined by KeyAddr.
//
// Parameters:
//   - addr: The address to record. A nil address logs as "unknown".
//
// Returns:
//   - slog.Attr: An attribute with the key "addr".
func Addr(addr net.Addr) slog.Attr {
	if addr == nil {
		return slog.String(KeyAddr, "unknown")
	}
	return slog.String(KeyAddr, addr.String())
}

// ID creates a slog.Attr for a connection identifier.
//
// Parameters:
//   - id: The identifier the broker assigned to the connection.
//
// Returns:
//   - slog.Attr: An attribute with the key "id" and the canonical UUID string.
func ID(id uuid.UUID) slog.Attr {
	return slog.String(KeyID, id.String())
}

// Topic creates a slog.Attr for a message topic.
//
// Parameters:
//   - topic: The topic as received on the wire.
//
// Returns:
//   - slog.Attr: An attribute with the key "topic".
func Topic(topic string) slog.Attr {
	return slog.String(KeyTopic, topic)
}
