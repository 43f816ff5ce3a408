// ditto/sink/stdout/driver.go
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "stdout"

/* ────────── config ────────── */
type Config struct {
	PrintCounter bool      // prepend seq#
	Payload      bool      // print data after the header
	Out          io.Writer // default os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu sync.Mutex // serialises lines on Out
}

var seq uint64

/* ────────── sink.Driver ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Write(_ context.Context, e *event.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.PrintCounter {
		if _, err := fmt.Fprintf(d.cfg.Out, "[sink %06d] ", atomic.AddUint64(&seq, 1)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(d.cfg.Out, "%s %s#%d (original %s#%d)\n",
		e.EventType, e.StreamID, e.EventNumber, e.OriginalStreamID, e.OriginalEventNumber); err != nil {
		return err
	}
	if d.cfg.Payload && len(e.Data) > 0 {
		if _, err := fmt.Fprintf(d.cfg.Out, "  %s\n", e.Data); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
