package tcc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is the phase of a transaction. Terminal states are implicit: a record that finished its
// second phase is deleted from the repository.
type Status int

const (
	StatusTrying Status = iota + 1
	StatusConfirming
	StatusCancelling
)

func (s Status) String() string {
	switch s {
	case StatusTrying:
		return "TRYING"
	case StatusConfirming:
		return "CONFIRMING"
	case StatusCancelling:
		return "CANCELLING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) valid() bool {
	return s >= StatusTrying && s <= StatusCancelling
}

// Type tells a root transaction from a branch propagated to a downstream participant.
type Type int

const (
	TypeRoot Type = iota + 1
	TypeBranch
)

func (t Type) String() string {
	switch t {
	case TypeRoot:
		return "ROOT"
	case TypeBranch:
		return "BRANCH"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// TransactionContext is the only data crossing a branch boundary: which record and which phase.
type TransactionContext struct {
	Xid    Xid    `json:"xid"`
	Status Status `json:"status"`
}

// EncodeTransactionContext renders tc in its wire form.
func EncodeTransactionContext(tc TransactionContext) ([]byte, error) {
	return json.Marshal(tc)
}

// DecodeTransactionContext parses the wire form produced by EncodeTransactionContext.
func DecodeTransactionContext(data []byte) (TransactionContext, error) {
	var tc TransactionContext
	if err := json.Unmarshal(data, &tc); err != nil {
		return TransactionContext{}, fmt.Errorf("#TCC_INVALID_CONTEXT: %w", err)
	}
	if !tc.Status.valid() {
		return TransactionContext{}, fmt.Errorf("#TCC_INVALID_CONTEXT: status %d", int(tc.Status))
	}
	return tc, nil
}

// ContextCarrier moves a TransactionContext across a call boundary. Set attaches tc to an outgoing call
// and Get reads the one an incoming call arrived with; Get returns nil, nil when there is none.
type ContextCarrier interface {
	Get(ctx context.Context, inv *Invocation) (*TransactionContext, error)
	Set(ctx context.Context, tc TransactionContext, inv *Invocation) (context.Context, error)
}

// Detacher is implemented by carriers able to drop an inbound context, so that calls nested inside a
// provider body do not observe it a second time.
type Detacher interface {
	Detach(ctx context.Context) context.Context
}

// ContextValueCarrierName is the name the in-process carrier is registered under by default.
const ContextValueCarrierName = "context"

// ContextValueCarrier carries the transaction context as a context.Context value. It serves in-process
// calls, where the outgoing and incoming context are the same value. A context attached for an
// invocation is only visible to that invocation: plain methods called by the terminator pass their ctx
// on to nested calls, and those must not pick the context up.
type ContextValueCarrier struct{}

var (
	_ ContextCarrier = ContextValueCarrier{}
	_ Detacher       = ContextValueCarrier{}
)

func (ContextValueCarrier) Get(ctx context.Context, inv *Invocation) (*TransactionContext, error) {
	v := boundContextFrom(ctx)
	if v == nil || !v.accepts(inv) {
		return nil, nil
	}
	tc := v.tc
	return &tc, nil
}

func (ContextValueCarrier) Set(ctx context.Context, tc TransactionContext, inv *Invocation) (context.Context, error) {
	v := &boundContext{tc: tc}
	if inv != nil {
		v.target, v.method = inv.Target, inv.Method
	}
	return context.WithValue(ctx, contextKey[TransactionContext]{}, v), nil
}

func (ContextValueCarrier) Detach(ctx context.Context) context.Context {
	if boundContextFrom(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey[TransactionContext]{}, (*boundContext)(nil))
}

// boundContext is a transaction context addressed to one target method; an empty method addresses any.
type boundContext struct {
	tc             TransactionContext
	target, method string
}

func (v *boundContext) accepts(inv *Invocation) bool {
	return v.method == "" || inv == nil || (v.target == inv.Target && v.method == inv.Method)
}

func boundContextFrom(ctx context.Context) *boundContext {
	v, _ := ctx.Value(contextKey[TransactionContext]{}).(*boundContext)
	return v
}

// WithTransactionContext returns a context carrying tc for any call that reads it.
func WithTransactionContext(ctx context.Context, tc TransactionContext) context.Context {
	return context.WithValue(ctx, contextKey[TransactionContext]{}, &boundContext{tc: tc})
}

// TransactionContextFrom returns the transaction context carried by ctx, or nil. It ignores the method
// the context is addressed to.
func TransactionContextFrom(ctx context.Context) *TransactionContext {
	v := boundContextFrom(ctx)
	if v == nil {
		return nil
	}
	tc := v.tc
	return &tc
}
