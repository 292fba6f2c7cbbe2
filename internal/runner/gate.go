package runner

import "context"

// StepGate is the single-slot latch used by step mode. The runner awaits
// it before the first task and between tasks; the UI (or the CLI's stdin
// loop) releases it to let one step through.
type StepGate struct {
	slot chan struct{}
}

// NewStepGate returns a gate with an empty slot.
func NewStepGate() *StepGate {
	return &StepGate{slot: make(chan struct{}, 1)}
}

// Release unblocks one pending (or the next) Await. Extra releases beyond
// one are dropped.
func (g *StepGate) Release() {
	select {
	case g.slot <- struct{}{}:
	default:
	}
}

// Await blocks until released or ctx is done.
func (g *StepGate) Await(ctx context.Context) error {
	select {
	case <-g.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
