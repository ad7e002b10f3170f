// Command pubsubd runs the publish/subscribe broker.
//
// Settings come from the environment (optionally a .env file) and may be
// overridden by flags:
//
//	pubsubd --pub-port 7070 --sub-port 7071
//
// Setting NATS_URL mirrors every published message to NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/casualjim/pubsub"
	"github.com/casualjim/pubsub/internal/config"
	"github.com/casualjim/pubsub/internal/mirror"
	"github.com/casualjim/pubsub/pkg/natsx"
	"github.com/casualjim/pubsub/pkg/slogx"
	_ "github.com/joho/godotenv/autoload"
)

var osExit = os.Exit

func main() {
	var cfg config.Broker
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
		return
	}
	if err := parseFlags(os.Args[1:], &cfg, os.Stderr); err != nil {
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

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("broker failed", slogx.Error(err))
		osExit(1)
	}
}

// parseFlags applies command-line overrides on top of cfg.
func parseFlags(args []string, cfg *config.Broker, output io.Writer) error {
	fs := flag.NewFlagSet("pubsubd", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.IntVar(&cfg.PubPort, "pub-port", cfg.PubPort, "port publishers connect to (env PUBSUB_PUB_PORT)")
	fs.IntVar(&cfg.SubPort, "sub-port", cfg.SubPort, "port subscribers connect to (env PUBSUB_SUB_PORT)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on (env PUBSUB_HOST)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often idle handlers check for shutdown (env PUBSUB_POLL_INTERVAL)")
	fs.BoolVar(&cfg.StrictListeners, "strict", cfg.StrictListeners, "fail when either port cannot be bound (env PUBSUB_STRICT_LISTENERS)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "mirror published messages to this NATS server (env NATS_URL)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %v", fs.Args())
		fmt.Fprintln(output, err)
		fs.Usage()
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(output, err)
		return err
	}
	return nil
}

func run(ctx context.Context, cfg config.Broker) error {
	options := []pubsub.Option{
		pubsub.PublisherAddress(cfg.PublisherAddress()),
		pubsub.SubscriberAddress(cfg.SubscriberAddress()),
		pubsub.PollInterval(cfg.PollInterval),
		pubsub.StrictListeners(cfg.StrictListeners),
		pubsub.Logger(slog.Default()),
	}

	if cfg.NATSURL != "" {
		nc, err := natsx.NewClient(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		m, err := mirror.New(nc, mirror.Prefix(cfg.NATSPrefix), mirror.Logger(slog.Default()))
		if err != nil {
			return err
		}
		options = append(options, pubsub.WithMirror(m))
		defer m.Close()
		slog.Info("mirroring messages to NATS", slog.String("url", nc.ConnectedUrlRedacted()), slog.String("prefix", cfg.NATSPrefix))
	}

	broker, err := pubsub.New(options...)
	if err != nil {
		return err
	}
	return broker.Run(ctx)
}
