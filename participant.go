package tcc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Invocation describes a late-bound call: the registered target, the method and its encoded arguments.
// An Invocation without a Method does nothing when invoked.
type Invocation struct {
	Target string          `json:"target,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// NewInvocation encodes args as JSON into an Invocation of target.method.
func NewInvocation(target, method string, args any) (Invocation, error) {
	inv := Invocation{Target: target, Method: method}
	if args == nil {
		return inv, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("%w: encode %s.%s arguments: %w", ErrSystem, target, method, err)
	}
	inv.Args = data
	return inv, nil
}

// IsNoop reports whether invoking inv does nothing.
func (inv Invocation) IsNoop() bool {
	return inv.Method == ""
}

func (inv Invocation) String() string {
	if inv.IsNoop() {
		return "<noop>"
	}
	return inv.Target + "." + inv.Method
}

// Participant is one branch of a transaction: its Xid and the invocations confirming or cancelling it.
// Carrier names the ContextCarrier used to hand the branch its transaction context.
type Participant struct {
	Xid     Xid        `json:"xid"`
	Confirm Invocation `json:"confirm"`
	Cancel  Invocation `json:"cancel"`
	Carrier string     `json:"carrier,omitempty"`
}

// NewParticipant returns a Participant; an empty carrier selects the in-process ContextValueCarrier.
func NewParticipant(xid Xid, confirm, cancel Invocation, carrier string) *Participant {
	return &Participant{Xid: xid, Confirm: confirm, Cancel: cancel, Carrier: carrier}
}

// Commit invokes the confirm side of the branch.
func (p *Participant) Commit(ctx context.Context, t *Terminator) error {
	_, err := t.Invoke(ctx, TransactionContext{Xid: p.Xid, Status: StatusConfirming}, p.Confirm, p.Carrier)
	return err
}

// Rollback invokes the cancel side of the branch.
func (p *Participant) Rollback(ctx context.Context, t *Terminator) error {
	_, err := t.Invoke(ctx, TransactionContext{Xid: p.Xid, Status: StatusCancelling}, p.Cancel, p.Carrier)
	return err
}

func (p *Participant) clone() *Participant {
	c := *p
	c.Confirm.Args = append(json.RawMessage(nil), p.Confirm.Args...)
	c.Cancel.Args = append(json.RawMessage(nil), p.Cancel.Args...)
	return &c
}
