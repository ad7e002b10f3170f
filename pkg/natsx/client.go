package natsx

import (
	"cmp"
	"os"

	"github.com/nats-io/nats.go"
)

// NewClient creates a new connection to a NATS server. An empty url falls
// back to the NATS_URL environment variable and then to nats.DefaultURL.
// Without explicit options the connection is configured with a client name
// "pubsub" and compression enabled.
//
// Parameters:
//   - url: The server URL, or "" to use the fallbacks above.
//   - opts: Connection options that replace the defaults.
//
// Returns:
//   - *nats.Conn: A pointer to the established NATS connection.
//   - error: An error if the connection could not be established.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("pubsub"), nats.Compression(true))
	}
	return nats.Connect(cmp.Or(url, os.Getenv("NATS_URL"), nats.DefaultURL), opts...)
}
