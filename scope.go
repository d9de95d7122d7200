package tcc

import (
	"context"
	"github.com/emirpasic/gods/stacks/arraystack"
	"github.com/qbixus/tcc-go/internal"
	"sync"
)

// WithTransactionScope возвращает производный по отношению к ctx контекст с новым, пустым стеком активных
// транзакций. Стек принадлежит одной логической цепочке вызовов: транзакции, начатые [Manager] в этом
// контексте, помещаются на его вершину.
//
// Методы Manager, начинающие или продолжающие транзакцию, сами создают стек, если в ctx его нет, поэтому
// WithTransactionScope нужна только для явного начала независимой цепочки вызовов.
func WithTransactionScope(ctx context.Context) context.Context {
	internal.Assert(ctx != nil, "#args: ctx")
	return context.WithValue(ctx, contextKey[scope]{}, newScope())
}

// CurrentTransaction возвращает транзакцию с вершины стека ctx или nil.
func CurrentTransaction(ctx context.Context) *Transaction {
	s := scopeFrom(ctx)
	if s == nil {
		return nil
	}
	return s.peek()
}

// ---

type scope struct {
	mu    sync.Mutex
	stack *arraystack.Stack
}

func newScope() *scope {
	return &scope{stack: arraystack.New()}
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(contextKey[scope]{}).(*scope)
	return s
}

func ensureScope(ctx context.Context) (context.Context, *scope) {
	if s := scopeFrom(ctx); s != nil {
		return ctx, s
	}
	s := newScope()
	return context.WithValue(ctx, contextKey[scope]{}, s), s
}

func (s *scope) push(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack.Push(tx)
}

func (s *scope) peek() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stack.Peek()
	if !ok {
		return nil
	}
	return v.(*Transaction)
}

// popIf removes tx from the top of the stack. Anything other than the very same record on top is a
// broken begin/cleanup pairing and leaves the stack untouched.
func (s *scope) popIf(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stack.Peek()
	if !ok {
		return nil
	}
	if top := v.(*Transaction); top != tx {
		return ErrIllegalCleanupOrder
	}
	s.stack.Pop()
	return nil
}

func (s *scope) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Size()
}
