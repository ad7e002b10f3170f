// Package config loads process settings from the environment.
//
// Binaries import github.com/joho/godotenv/autoload so a .env file in the
// working directory is merged into the environment before Load runs.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Broker configures cmd/pubsubd.
type Broker struct {
	Host            string        `env:"PUBSUB_HOST" envDefault:"0.0.0.0"`
	PubPort         int           `env:"PUBSUB_PUB_PORT" envDefault:"7070"`
	SubPort         int           `env:"PUBSUB_SUB_PORT" envDefault:"7071"`
	PollInterval    time.Duration `env:"PUBSUB_POLL_INTERVAL" envDefault:"300ms"`
	StrictListeners bool          `env:"PUBSUB_STRICT_LISTENERS" envDefault:"false"`

	// NATSURL enables the NATS mirror when set.
	NATSURL    string `env:"NATS_URL"`
	NATSPrefix string `env:"PUBSUB_NATS_PREFIX" envDefault:"pubsub"`

	Log Log
}

// PublisherAddress is the listen address for publisher connections.
func (b Broker) PublisherAddress() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.PubPort))
}

// SubscriberAddress is the listen address for subscriber connections.
func (b Broker) SubscriberAddress() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.SubPort))
}

// Validate checks port ranges, that the two ports differ and that the poll
// interval is positive.
func (b Broker) Validate() error {
	if err := validPort("publisher", b.PubPort); err != nil {
		return err
	}
	if err := validPort("subscriber", b.SubPort); err != nil {
		return err
	}
	if b.PubPort != 0 && b.PubPort == b.SubPort {
		return fmt.Errorf("%w: publisher and subscriber ports are both %d", ErrInvalid, b.PubPort)
	}
	if b.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalid, b.PollInterval)
	}
	return nil
}

// Log configures the slog backend.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"debug"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

// Client configures cmd/pubsub-pub and cmd/pubsub-sub.
type Client struct {
	Host string `env:"PUBSUB_HOST" envDefault:"localhost"`

	Log Log
}

// Address joins the client host with port.
func (c Client) Address(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Load fills cfg from the process environment.
func Load[T any](cfg *T) error {
	if err := env.Parse(cfg); err != nil {
		return describe(cfg, err)
	}
	return nil
}

// LoadFrom fills cfg from environ instead of the process environment.
func LoadFrom[T any](cfg *T, environ map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return describe(cfg, err)
	}
	return nil
}

// describe prefixes every field parse error with the variable it came from.
// The env library only names the struct field.
func describe(cfg any, err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return fmt.Errorf("config: %w", err)
	}

	typ := reflect.TypeOf(cfg).Elem()
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var perr env.ParseError
		if errors.As(e, &perr) {
			if key, ok := envKey(typ, perr.Name); ok {
				e = fmt.Errorf("%s: %w", key, e)
			}
		}
		errs = append(errs, e)
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// envKey finds the env tag of the field called name in typ or its nested
// structs.
func envKey(typ reflect.Type, name string) (string, bool) {
	for i := range typ.NumField() {
		field := typ.Field(i)
		if field.Name == name {
			if key, _, _ := strings.Cut(field.Tag.Get("env"), ","); key != "" {
				return key, true
			}
		}
		if field.Type.Kind() == reflect.Struct {
			if key, ok := envKey(field.Type, name); ok {
				return key, true
			}
		}
	}
	return "", false
}

// ParsePort parses a port argument.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", ErrInvalid, s)
	}
	if err := validPort("", port); err != nil {
		return 0, err
	}
	return port, nil
}

func validPort(role string, port int) error {
	if port < 0 || port > 65535 {
		if role == "" {
			return fmt.Errorf("%w: port %d out of range", ErrInvalid, port)
		}
		return fmt.Errorf("%w: %s port %d out of range", ErrInvalid, role, port)
	}
	return nil
}
