// Package stream decodes the server-sent-events body of a paid chat
// response into text increments.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clawnad/x402/types"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Kind identifies a decoded event.
type Kind int

const (
	KindChunk Kind = iota
	KindError
	KindDone
)

// Event is one decoded SSE event.
type Event struct {
	Kind    Kind
	Content string
	Err     error
}

// Decoder reads events one at a time from an SSE body. Lines are only
// interpreted once complete, so multi-byte characters split across reads
// are never seen half decoded.
type Decoder struct {
	r       *bufio.Reader
	pending []Event
	done    bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. After a KindDone event, Next returns
// io.EOF. A non-nil error other than io.EOF is a transport failure.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			return Event{}, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The unterminated tail is not a complete event.
				d.done = true
				return Event{Kind: KindDone}, nil
			}
			return Event{}, err
		}

		events := parseLine(line)
		if len(events) == 0 {
			continue
		}
		if events[0].Kind == KindDone {
			d.done = true
		}
		d.pending = events[1:]
		return events[0], nil
	}
}

// parseLine decodes one line. A payload carrying both content and error
// yields the chunk followed by the error.
func parseLine(line string) []Event {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return []Event{{Kind: KindDone}}
	}
	if !gjson.Valid(payload) {
		return nil
	}

	var events []Event
	res := gjson.Parse(payload)
	if content := res.Get("content"); content.Exists() && content.String() != "" {
		events = append(events, Event{Kind: KindChunk, Content: content.String()})
	}
	if e := res.Get("error"); e.Exists() && e.Type != gjson.Null && e.String() != "" {
		events = append(events, Event{Kind: KindError, Err: types.NewError(types.ErrStreamError, errorText(e), nil)})
	}
	return events
}

func errorText(e gjson.Result) string {
	if msg := e.Get("message"); msg.Type == gjson.String {
		return msg.String()
	}
	return e.String()
}

// Handler receives decoded events. Nil callbacks are skipped.
type Handler struct {
	OnChunk func(text string)
	OnDone  func()
	OnError func(err error)
}

func (h Handler) chunk(text string) {
	if h.OnChunk != nil {
		h.OnChunk(text)
	}
}

func (h Handler) done() {
	if h.OnDone != nil {
		h.OnDone()
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Read drives h from r until [DONE], end of stream or a transport error.
// Error events are reported and reading continues. Read returns ctx.Err()
// without further callbacks once ctx is cancelled.
func Read(ctx context.Context, r io.Reader, h Handler) error {
	dec := NewDecoder(r)
	for {
		ev, err := dec.Next()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			h.fail(types.NewError(types.ErrStreamError, "stream read failed", err))
			return nil
		}

		switch ev.Kind {
		case KindChunk:
			h.chunk(ev.Content)
		case KindError:
			h.fail(ev.Err)
		case KindDone:
			h.done()
			return nil
		}
	}
}
