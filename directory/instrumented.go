package directory

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/keyshift/telemetry"
)

// Instrumented wraps a Directory with metrics recording.
type Instrumented struct {
	dir  Directory
	name string
}

// NewInstrumented creates a new instrumented directory wrapper. name labels
// the backend in metrics ("memory", "bolt", "http").
func NewInstrumented(d Directory, name string) *Instrumented {
	return &Instrumented{dir: d, name: name}
}

func (i *Instrumented) Get(ctx context.Context, key string) (Value, bool, error) {
	start := time.Now()
	v, ok, err := i.dir.Get(ctx, key)
	outcome := outcomeFromError(err)
	if err == nil && !ok {
		outcome = "not_found"
	}
	telemetry.RecordDirectoryOp(ctx, i.name, "get", outcome, time.Since(start))
	return v, ok, err
}

func (i *Instrumented) Add(ctx context.Context, key string, v Value) error {
	start := time.Now()
	err := i.dir.Add(ctx, key, v)
	telemetry.RecordDirectoryOp(ctx, i.name, "add", outcomeFromError(err), time.Since(start))
	return err
}

func (i *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := i.dir.Remove(ctx, key)
	telemetry.RecordDirectoryOp(ctx, i.name, "remove", outcomeFromError(err), time.Since(start))
	return err
}

// Unwrap returns the underlying directory.
func (i *Instrumented) Unwrap() Directory {
	return i.dir
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case ctxErr(err):
		return "canceled"
	default:
		return "error"
	}
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ Directory = (*Instrumented)(nil)
