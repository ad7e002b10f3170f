// Command pubsub-sub subscribes to topics on a pubsub broker and prints
// every message it receives.
//
//	pubsub-sub 7071                    # topic "test"
//	pubsub-sub -format json 7071 a b   # topics a and b, one JSON object per line
//
// Formats: console (default), json, pp, markdown.
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
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/pubsub/internal/config"
	"github.com/casualjim/pubsub/internal/msgfmt"
	"github.com/casualjim/pubsub/pkg/slogx"
	"github.com/casualjim/pubsub/wire"
	"github.com/go-openapi/strfmt"
	_ "github.com/joho/godotenv/autoload"
)

const defaultTopic = "test"

var osExit = os.Exit

type options struct {
	port   int
	topics []string
	format string
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

	formatter, err := msgfmt.New(opts.format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(2)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Address(opts.port), opts.topics, formatter, os.Stdout); err != nil {
		slog.Error("subscription failed", slogx.Error(err))
		stop()
		osExit(1)
	}
}

func parseArgs(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pubsub-sub", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: pubsub-sub [flags] <port> [topic...]")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.format, "format", msgfmt.Console, "output format: console, json, pp or markdown")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return opts, errors.New("missing port argument")
	}
	port, err := config.ParsePort(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(output, err)
		return opts, err
	}
	opts.port = port
	opts.topics = fs.Args()[1:]
	if len(opts.topics) == 0 {
		opts.topics = []string{defaultTopic}
	}
	return opts, nil
}

// run subscribes to topics and formats messages until the broker closes the
// connection or ctx is done.
func run(ctx context.Context, addr string, topics []string, f msgfmt.Formatter, w io.Writer) error {
	logger := slog.Default().With(slogx.LoggerName("pubsub-sub"))

	logger.Info("connecting to the pubsub server", slog.String("addr", addr))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteSubscriptionRequest(conn, wire.NewSubscriptionRequest(topics...)); err != nil {
		return fmt.Errorf("sending subscription: %w", err)
	}
	logger.Info("subscribed", slog.Any("topics", topics))

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the reader when ctx ends.
	stopWake := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stopWake()

	msgs := make(chan msgfmt.Received)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		r := bufio.NewReader(conn)
		for {
			msg, err := wire.ReadMessage(r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msgfmt.Received{Message: msg, ReceivedAt: strfmt.DateTime(time.Now())}:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	if err := msgfmt.Stream(ctx, w, f, msgs); err != nil && ctx.Err() == nil {
		cancel()
		<-readErr
		return err
	}

	err = <-readErr
	switch {
	case parent.Err() != nil:
		logger.Info("interrupted")
		return nil
	case errors.Is(err, io.EOF):
		logger.Info("broker closed the connection")
		return nil
	default:
		return err
	}
}
