package pubsub

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/casualjim/pubsub/internal/events"
	"github.com/casualjim/pubsub/pkg/slogx"
)

// interrupts turns process signals into Termination events. It is the only
// place signal handlers live; the event loop just sees another event.
type interrupts struct {
	signals chan os.Signal
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func watchSignals(sink events.Sink, logger *slog.Logger, sigs ...os.Signal) (*interrupts, error) {
	if len(sigs) == 0 {
		return nil, ErrNoShutdownSignal
	}

	in := &interrupts{
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	signal.Notify(in.signals, sigs...)

	go func() {
		defer close(in.done)
		for {
			select {
			case <-in.stop:
				return
			case sig := <-in.signals:
				logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
				if err := sink.Push(events.Termination{Reason: "signal: " + sig.String()}); err != nil {
					logger.Debug("broker already stopping", slogx.Error(err))
				}
			}
		}
	}()
	return in, nil
}

// Close unregisters the signal handlers and waits for the goroutine.
func (in *interrupts) Close() {
	in.once.Do(func() {
		signal.Stop(in.signals)
		close(in.stop)
		<-in.done
	})
}
