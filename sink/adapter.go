package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ditto/internal/event"
)

var ErrUnknownDriver = errors.New("unknown sink")

// Driver writes events to one destination.
type Driver interface {
	Configure(any) error                                // driver-specific config struct
	Write(ctx context.Context, e *event.Envelope) error // replicate one event
	Close() error                                       // idempotent
}

// Operation is optional; drivers name the I/O they perform for metrics.
type Operation interface {
	Operation() string
}

/*──────── registry ───────*/

type factory = func() Driver

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewDriver(name string) (Driver, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
}

// Drivers lists registered driver names.
func Drivers() []string {
	out := make([]string, 0, len(reg))
	for k := range reg {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
