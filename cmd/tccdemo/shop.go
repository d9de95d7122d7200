package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/qbixus/tcc-go"
	"sort"
	"sync"
)

var (
	errOutOfStock      = errors.New("out of stock")
	errPaymentDeclined = errors.New("payment declined")
)

type order struct {
	ID     string `json:"id"`
	SKU    string `json:"sku"`
	Qty    int    `json:"qty"`
	Amount int64  `json:"amount"`
}

// inventory reserves stock in the try phase. Confirm keeps the reservation, cancel returns it.
type inventory struct {
	mu        sync.Mutex
	available map[string]int
	reserved  map[string]order
}

func (i *inventory) reserve(_ context.Context, o order) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.reserved[o.ID]; ok {
		return "reserved", nil
	}
	if i.available[o.SKU] < o.Qty {
		return "", fmt.Errorf("%w: %s", errOutOfStock, o.SKU)
	}
	i.available[o.SKU] -= o.Qty
	i.reserved[o.ID] = o
	return "reserved", nil
}

func (i *inventory) confirm(_ context.Context, o order) (any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.reserved, o.ID)
	return nil, nil
}

func (i *inventory) cancel(_ context.Context, o order) (any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r, ok := i.reserved[o.ID]; ok {
		i.available[r.SKU] += r.Qty
		delete(i.reserved, o.ID)
	}
	return nil, nil
}

// payment freezes the amount in the try phase.
type payment struct {
	mu      sync.Mutex
	balance int64
	frozen  map[string]int64
	decline bool
}

func (p *payment) pay(_ context.Context, o order) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decline {
		return "", errPaymentDeclined
	}
	if _, ok := p.frozen[o.ID]; ok {
		return "paid", nil
	}
	if p.balance < o.Amount {
		return "", fmt.Errorf("%w: balance %d", errPaymentDeclined, p.balance)
	}
	p.balance -= o.Amount
	p.frozen[o.ID] = o.Amount
	return "paid", nil
}

func (p *payment) confirm(_ context.Context, o order) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frozen, o.ID)
	return nil, nil
}

func (p *payment) cancel(_ context.Context, o order) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount, ok := p.frozen[o.ID]; ok {
		p.balance += amount
		delete(p.frozen, o.ID)
	}
	return nil, nil
}

// orders keeps the final state of every order.
type orders struct {
	mu    sync.Mutex
	state map[string]string
}

func (s *orders) set(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[id] = state
}

func (s *orders) get(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]
}

// shop places orders as root transactions spanning the inventory and payment branches. Branch calls go
// through the in-process context carrier, the way a remote call would go through a transport carrier.
type shop struct {
	inventory *inventory
	payment   *payment
	orders    *orders
	place     func(context.Context, order) (string, error)
}

type shopOptions struct {
	stock        map[string]int
	balance      int64
	decline      bool
	asyncConfirm bool
	asyncCancel  bool
}

func newShop(ic *tcc.Interceptor, registry *tcc.Registry, o shopOptions) *shop {
	s := &shop{
		inventory: &inventory{available: map[string]int{}, reserved: map[string]order{}},
		payment:   &payment{balance: o.balance, frozen: map[string]int64{}, decline: o.decline},
		orders:    &orders{state: map[string]string{}},
	}
	for sku, n := range o.stock {
		s.inventory.available[sku] = n
	}

	reserve := branch(ic, registry, "inventory", "Reserve", s.inventory.reserve, s.inventory.confirm, s.inventory.cancel)
	pay := branch(ic, registry, "payment", "Pay", s.payment.pay, s.payment.confirm, s.payment.cancel)

	registry.MustRegister("order", tcc.Methods{
		"ConfirmPlace": tcc.Method(func(_ context.Context, o order) (any, error) {
			s.orders.set(o.ID, "confirmed")
			return nil, nil
		}),
		"CancelPlace": tcc.Method(func(_ context.Context, o order) (any, error) {
			s.orders.set(o.ID, "cancelled")
			return nil, nil
		}),
	})
	s.place = tcc.Compensable(ic, tcc.CallSite{
		Target:  "order",
		Method:  "Place",
		Policy:  tcc.Policy{AsyncConfirm: o.asyncConfirm, AsyncCancel: o.asyncCancel},
		Confirm: tcc.Invocation{Target: "order", Method: "ConfirmPlace"},
		Cancel:  tcc.Invocation{Target: "order", Method: "CancelPlace"},
	}, func(ctx context.Context, o order) (string, error) {
		s.orders.set(o.ID, "trying")
		if _, err := reserve(ctx, o); err != nil {
			return "", err
		}
		if _, err := pay(ctx, o); err != nil {
			return "", err
		}
		return o.ID, nil
	})
	return s
}

// branch registers a provider service under target and returns the consumer stub calling its try method.
// The consumer enlists the try method itself as confirm and cancel; the provider recognises those
// deliveries by their transaction context.
func branch(
	ic *tcc.Interceptor,
	registry *tcc.Registry,
	target, method string,
	try func(context.Context, order) (string, error),
	confirm, cancel func(context.Context, order) (any, error),
) func(context.Context, order) (string, error) {
	provider := tcc.Compensable(ic, tcc.CallSite{
		Target:  target,
		Method:  method,
		Policy:  tcc.Policy{Propagation: tcc.PropagationMandatory},
		Confirm: tcc.Invocation{Target: target, Method: "Confirm" + method},
		Cancel:  tcc.Invocation{Target: target, Method: "Cancel" + method},
	}, try)
	registry.MustRegister(target, tcc.Methods{
		method:             tcc.Method(provider),
		"Confirm" + method: tcc.Method(confirm),
		"Cancel" + method:  tcc.Method(cancel),
	})
	return tcc.Compensable(ic, tcc.CallSite{
		Target:  target,
		Method:  method,
		Policy:  tcc.Policy{Propagation: tcc.PropagationMandatory},
		Confirm: tcc.Invocation{Target: target, Method: method},
		Cancel:  tcc.Invocation{Target: target, Method: method},
	}, provider)
}

// summary renders the shop state in a stable order.
func (s *shop) summary() string {
	s.inventory.mu.Lock()
	skus := make([]string, 0, len(s.inventory.available))
	for sku := range s.inventory.available {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	out := ""
	for _, sku := range skus {
		out += fmt.Sprintf("stock %s=%d reserved=%d\n", sku, s.inventory.available[sku], len(s.inventory.reserved))
	}
	s.inventory.mu.Unlock()

	s.payment.mu.Lock()
	out += fmt.Sprintf("balance=%d frozen=%d\n", s.payment.balance, len(s.payment.frozen))
	s.payment.mu.Unlock()
	return out
}
