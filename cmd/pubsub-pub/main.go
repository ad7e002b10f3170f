// Command pubsub-pub publishes messages to a pubsub broker.
//
//	pubsub-pub 7070                          # topic "test", payload "hello, world"
//	pubsub-pub -topic news -m "extra" 7070   # one custom message
//	pubsub-pub -stdin 7070 < messages.jsonl  # one message per JSON line
//
// JSON lines look like {"topic":"news","text":"hi"} or carry a base64
// "payload" instead of "text".
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/casualjim/pubsub/internal/config"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/wire"
	_ "github.com/joho/godotenv/autoload"
	"github.com/tidwall/gjson"
)

const (
	defaultTopic   = "test"
	defaultPayload = "hello, world"

	maxLineSize = 16 << 20
)

var osExit = os.Exit

type options struct {
	port    int
	topic   string
	message string
	stdin   bool
}

func main() {
	var cfg config.Client
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
		return
	}
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			osExit(0)
			return
		}
		osExit(2)
		return
	}
	if _, err := slogx.Setup(os.Stderr, cfg.Log.Level, slogx.Format(cfg.Log.Format)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
		return
	}

	if err := run(context.Background(), cfg.Address(opts.port), opts, os.Stdin); err != nil {
		slog.Error("publishing failed", slogx.Error(err))
		osExit(1)
	}
}

func parseArgs(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pubsub-pub", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: pubsub-pub [flags] <port>")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.topic, "topic", defaultTopic, "topic of the message")
	fs.StringVar(&opts.message, "m", defaultPayload, "message payload")
	fs.BoolVar(&opts.stdin, "stdin", false, "read JSON lines from stdin, one message per line")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("expected exactly one port argument")
	}
	port, err := config.ParsePort(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(output, err)
		return opts, err
	}
	opts.port = port
	return opts, nil
}

func run(ctx context.Context, addr string, opts options, stdin io.Reader) error {
	logger := slog.Default().With(slogx.LoggerName("pubsub-pub"))

	logger.Info("connecting to the pubsub server", slog.String("addr", addr))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.stdin {
		logger.Info("sending message", slogx.Topic(opts.topic))
		return wire.WriteMessage(conn, wire.NewMessage(opts.topic, []byte(opts.message)))
	}

	w := bufio.NewWriter(conn)
	sent, err := publishLines(stdin, w)
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	logger.Info("finished sending", slog.Int("messages", sent))
	return err
}

// publishLines writes one Message frame per non-empty JSON line of r.
func publishLines(r io.Reader, w io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var sent, lineNo int
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			return sent, fmt.Errorf("line %d: not valid json", lineNo)
		}

		var msg wire.Message
		if err := msg.UnmarshalJSON([]byte(line)); err != nil {
			return sent, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := wire.WriteMessage(w, msg); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, scanner.Err()
}
