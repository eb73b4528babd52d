// Package callbacks holds the hooks run by the training loop.
package callbacks

import (
	"context"
	"fmt"
	"os"
	"time"

	"widedeep/pkg/model"
	"widedeep/pkg/optimizers"
)

// RunContext is the state of the training loop passed to every callback.
type RunContext struct {
	RunID string

	// Epoch and Step are 1-based. Step counts steps across epochs.
	Epoch         int
	Epochs        int
	Step          int
	StepInEpoch   int
	StepsPerEpoch int

	// Loss and StepDuration describe the last step
	Loss         optimizers.StepLoss
	StepDuration time.Duration

	Net      *model.WideDeep
	MetaData *model.Metadata
}

type Callback interface {
	Begin(ctx context.Context, rc *RunContext) error
	EpochBegin(ctx context.Context, rc *RunContext) error
	StepEnd(ctx context.Context, rc *RunContext) error
	EpochEnd(ctx context.Context, rc *RunContext) error
	End(ctx context.Context, rc *RunContext) error
}

// Base implements every Callback method as a no-op.
type Base struct{}

func (Base) Begin(context.Context, *RunContext) error      { return nil }
func (Base) EpochBegin(context.Context, *RunContext) error { return nil }
func (Base) StepEnd(context.Context, *RunContext) error    { return nil }
func (Base) EpochEnd(context.Context, *RunContext) error   { return nil }
func (Base) End(context.Context, *RunContext) error        { return nil }

// List runs callbacks in order, stopping at the first error.
type List []Callback

func (l List) each(fn func(c Callback) error) error {
	for _, c := range l {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (l List) Begin(ctx context.Context, rc *RunContext) error {
	return l.each(func(c Callback) error { return c.Begin(ctx, rc) })
}

func (l List) EpochBegin(ctx context.Context, rc *RunContext) error {
	return l.each(func(c Callback) error { return c.EpochBegin(ctx, rc) })
}

func (l List) StepEnd(ctx context.Context, rc *RunContext) error {
	return l.each(func(c Callback) error { return c.StepEnd(ctx, rc) })
}

func (l List) EpochEnd(ctx context.Context, rc *RunContext) error {
	return l.each(func(c Callback) error { return c.EpochEnd(ctx, rc) })
}

func (l List) End(ctx context.Context, rc *RunContext) error {
	return l.each(func(c Callback) error { return c.End(ctx, rc) })
}

// appendLine appends line to the file at path, creating it if needed.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}
