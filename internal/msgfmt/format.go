// Package msgfmt renders messages received by the subscriber client.
package msgfmt

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/casualjim/pubsub/wire"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/tidwall/sjson"
)

// Names accepted by New.
const (
	Console  = "console"
	JSON     = "json"
	PP       = "pp"
	Markdown = "markdown"
)

// maxBinaryPreview caps how many payload bytes the console shows in hex.
const maxBinaryPreview = 32

// Received is a message together with the time the client read it.
type Received struct {
	Message    wire.Message
	ReceivedAt strfmt.DateTime
}

type Formatter interface {
	Format(io.Writer, Received) error
}

type FormatterFunc func(io.Writer, Received) error

func (fn FormatterFunc) Format(w io.Writer, r Received) error {
	return fn(w, r)
}

// New returns the formatter registered under name.
func New(name string) (Formatter, error) {
	switch strings.ToLower(name) {
	case "", Console:
		return FormatterFunc(consoleLine), nil
	case JSON:
		return FormatterFunc(jsonLine), nil
	case PP:
		printer := pp.New()
		printer.SetColoringEnabled(!color.NoColor)
		return FormatterFunc(func(w io.Writer, r Received) error {
			_, err := printer.Fprintln(w, dumpOf(r))
			return err
		}), nil
	case Markdown:
		return newMarkdown()
	default:
		return nil, fmt.Errorf("unknown format %q, expected one of %s, %s, %s, %s", name, Console, JSON, PP, Markdown)
	}
}

// Stream formats every message from msgs until the channel closes or ctx is
// done.
func Stream(ctx context.Context, w io.Writer, f Formatter, msgs <-chan Received) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := f.Format(w, r); err != nil {
				return err
			}
		}
	}
}

func consoleLine(w io.Writer, r Received) error {
	_, err := fmt.Fprintf(w, "%s %s: %s\n",
		color.HiBlackString(r.ReceivedAt.String()),
		color.MagentaString(r.Message.Topic),
		payloadText(r.Message.Payload),
	)
	return err
}

func payloadText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	preview := payload[:min(len(payload), maxBinaryPreview)]
	text := color.YellowString("<%d bytes> %s", len(payload), hex.EncodeToString(preview))
	if len(preview) < len(payload) {
		text += color.YellowString("…")
	}
	return text
}

func jsonLine(w io.Writer, r Received) error {
	line, err := json.Marshal(r.Message)
	if err != nil {
		return err
	}
	if line, err = sjson.SetBytes(line, "received_at", r.ReceivedAt.String()); err != nil {
		return err
	}
	if line, err = sjson.SetBytes(line, "size", len(r.Message.Payload)); err != nil {
		return err
	}
	if utf8.Valid(r.Message.Payload) {
		if line, err = sjson.SetBytes(line, "text", string(r.Message.Payload)); err != nil {
			return err
		}
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

type dump struct {
	Topic      string
	Size       int
	Text       string `json:",omitempty"`
	Payload    []byte `json:",omitempty"`
	ReceivedAt strfmt.DateTime
}

func dumpOf(r Received) dump {
	d := dump{Topic: r.Message.Topic, Size: len(r.Message.Payload), ReceivedAt: r.ReceivedAt}
	if utf8.Valid(r.Message.Payload) {
		d.Text = string(r.Message.Payload)
	} else {
		d.Payload = r.Message.Payload
	}
	return d
}

func newMarkdown() (Formatter, error) {
	style := glamour.WithAutoStyle()
	if color.NoColor {
		style = glamour.WithStandardStyle("notty")
	}
	glam, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(100))
	if err != nil {
		return nil, err
	}

	return FormatterFunc(func(w io.Writer, r Received) error {
		var doc strings.Builder
		fmt.Fprintf(&doc, "## %s\n\n_%s_\n\n", r.Message.Topic, r.ReceivedAt)
		if utf8.Valid(r.Message.Payload) {
			doc.Write(r.Message.Payload)
		} else {
			fmt.Fprintf(&doc, "```\n%s```\n", hex.Dump(r.Message.Payload))
		}

		out, err := glam.Render(doc.String())
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}), nil
}
