package tcc

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/qbixus/tcc-go/internal"
	"sync"
)

var (
	ErrUnknownTarget = fmt.Errorf("#TCC_UNKNOWN_TARGET: %w", ErrSystem)
	ErrUnknownMethod = fmt.Errorf("#TCC_UNKNOWN_METHOD: %w", ErrSystem)
)

// Registry is an InstanceProvider backed by targets registered at startup.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

var _ InstanceProvider = &Registry{}

func NewRegistry() *Registry {
	return &Registry{targets: map[string]Target{}}
}

// Register adds target under name. A name can only be registered once.
func (r *Registry) Register(name string, target Target) error {
	internal.Assert(target != nil, "#args: target")
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[name]; exists {
		return fmt.Errorf("%w: target %q already registered", ErrIllegalState, name)
	}
	r.targets[name] = target
	return nil
}

// MustRegister is Register panicking on a duplicate name.
func (r *Registry) MustRegister(name string, target Target) {
	if err := r.Register(name, target); err != nil {
		panic(err)
	}
}

// Resolve implements [InstanceProvider.Resolve].
func (r *Registry) Resolve(name string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return target, nil
}

// MethodFunc is one invocable method of a Target.
type MethodFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Methods is a Target dispatching on the method name.
type Methods map[string]MethodFunc

var _ Target = Methods{}

func (m Methods) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return fn(ctx, args)
}

// Method adapts a typed function to a MethodFunc decoding its JSON arguments into Req.
func Method[Req, Resp any](fn func(context.Context, Req) (Resp, error)) MethodFunc {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var req Req
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("%w: decode arguments: %w", ErrSystem, err)
			}
		}
		return fn(ctx, req)
	}
}
