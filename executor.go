package tcc

import (
	"context"
	"fmt"
	"github.com/qbixus/tcc-go/internal"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
	"sync"
)

// DefaultExecutorSize is the number of concurrent asynchronous fan-outs a Manager runs by default.
const DefaultExecutorSize = 64

// Executor - ограниченный пул для асинхронных подтверждений и отмен.
// Submit блокируется только при насыщении пула и отклоняет задачи после Close.
type Executor struct {
	sem      *semaphore.Weighted
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewExecutor(size int) *Executor {
	internal.Assert(size > 0, "#args: size", size)
	return &Executor{sem: semaphore.NewWeighted(int64(size))}
}

// Submit запускает fn в отдельной горутине, дожидаясь свободного места в пуле.
//
// Возвращает ErrExecutorClosed после Close и ErrExecutorRejected, если место в пуле не освободилось до
// отмены ctx.
// Контекст, передаваемый в fn, не связан с отменой ctx.
func (e *Executor) Submit(ctx context.Context, fn func(context.Context)) error {
	internal.Assert(fn != nil, "#args: fn")

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.wg.Done()
		return fmt.Errorf("%w: %w", ErrExecutorRejected, err)
	}
	e.inFlight.Inc()
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		defer e.inFlight.Dec()
		fn(context.WithoutCancel(ctx))
	}()
	return nil
}

// InFlight returns the number of running tasks.
func (e *Executor) InFlight() int64 {
	return e.inFlight.Load()
}

// Close отклоняет новые задачи и дожидается завершения уже запущенных. Повторный вызов безопасен.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
