package tcc

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/qbixus/tcc-go/internal"
)

// Target is a registered service whose methods can be invoked by name.
type Target interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) (any, error)
}

// InstanceProvider resolves the singleton Target registered under a name.
type InstanceProvider interface {
	Resolve(target string) (Target, error)
}

// Terminator performs the confirm and cancel invocations of participants. It resolves the target,
// hands it the transaction context through the participant's carrier and calls it. It never retries:
// retrying is up to the Manager and the recovery driver.
type Terminator struct {
	provider InstanceProvider
	carriers map[string]ContextCarrier
}

// NewTerminator returns a Terminator resolving targets with provider. The in-process
// ContextValueCarrier is always available under ContextValueCarrierName; carriers may override it.
func NewTerminator(provider InstanceProvider, carriers map[string]ContextCarrier) *Terminator {
	internal.Assert(provider != nil, "#args: provider")
	cs := map[string]ContextCarrier{ContextValueCarrierName: ContextValueCarrier{}}
	for name, c := range carriers {
		internal.Assert(c != nil, "#args: carrier", name)
		cs[name] = c
	}
	return &Terminator{provider: provider, carriers: cs}
}

// Carrier returns the carrier registered under name; the empty name selects ContextValueCarrier.
func (t *Terminator) Carrier(name string) (ContextCarrier, error) {
	if name == "" {
		name = ContextValueCarrierName
	}
	c, ok := t.carriers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown context carrier %q", ErrSystem, name)
	}
	return c, nil
}

// Invoke calls inv with tc attached through the named carrier. An Invocation without a method returns
// immediately. Every failure, including a panicking target, is reported wrapped in ErrSystem.
func (t *Terminator) Invoke(ctx context.Context, tc TransactionContext, inv Invocation, carrier string) (result any, err error) {
	if inv.IsNoop() {
		return nil, nil
	}

	target, err := t.provider.Resolve(inv.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrSystem, inv.Target, err)
	}
	c, err := t.Carrier(carrier)
	if err != nil {
		return nil, err
	}
	ctx, err = c.Set(ctx, tc, &inv)
	if err != nil {
		return nil, fmt.Errorf("%w: attach %v to %v: %w", ErrSystem, tc.Status, inv, err)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v panicked: %v", ErrSystem, inv, r)
		}
	}()
	result, err = target.Invoke(ctx, inv.Method, inv.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrSystem, inv, err)
	}
	return result, nil
}
