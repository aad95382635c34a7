package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mbeema/frametrace/pkg/event"
)

// StdoutSink prints records for debugging.
type StdoutSink struct {
	format    string // "text" or "json"
	sessionID string

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutSink creates a stdout sink writing to out.
func NewStdoutSink(format, sessionID string, out io.Writer) *StdoutSink {
	if format == "" {
		format = "text"
	}
	return &StdoutSink{
		format:    format,
		sessionID: sessionID,
		out:       out,
	}
}

// Send implements dispatch.Sink.
func (s *StdoutSink) Send(ctx context.Context, batch []event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch {
		var err error
		if s.format == "json" {
			err = s.printJSON(r)
		} else {
			err = s.printText(r)
		}
		if err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

func (s *StdoutSink) printText(r event.Record) error {
	extra := ""
	p := r.Payload()
	switch {
	case p.ExceptionType != "":
		extra = " " + p.ExceptionType
		if p.ExceptionMessage != "" {
			extra += ": " + p.ExceptionMessage
		}
	case p.ReturnType != "":
		extra = " -> " + p.ReturnType
	}

	_, err := fmt.Fprintf(s.out, "[%-9s] frame=%d parent=%d tid=%d %s%s\n",
		r.Kind(), r.FrameID(), r.ParentFrameID(), r.ThreadID(), describe(r), extra)
	return err
}

func (s *StdoutSink) printJSON(r event.Record) error {
	b, err := json.Marshal(struct {
		SessionID string      `json:"session_id,omitempty"`
		Timestamp string      `json:"timestamp"`
		EventType string      `json:"event_type"`
		Params    eventParams `json:"event_params"`
	}{
		SessionID: s.sessionID,
		Timestamp: r.Timestamp().Format(time.RFC3339Nano),
		EventType: r.Kind().String(),
		Params:    paramsOf(r),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.out, "%s\n", b)
	return err
}

// Shutdown is a no-op for stdout.
func (s *StdoutSink) Shutdown(ctx context.Context) error {
	return nil
}
