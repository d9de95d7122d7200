package tcc_test

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-logr/logr/testr"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/repository/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type reserveRequest struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// shop wires an order service (root) calling an inventory service (provider) in process. The inventory
// client is a consumer call site whose confirm and cancel invocations re-enter the provider.
type shop struct {
	repo     *memrepo.Repository
	registry *tcc.Registry
	manager  *tcc.Manager
	ic       *tcc.Interceptor
	mu       sync.Mutex
	journal  []string
	placeErr error

	place   func(context.Context, reserveRequest) (string, error)
	reserve func(context.Context, reserveRequest) (string, error)
	provide func(context.Context, reserveRequest) (string, error)
}

func (s *shop) record(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, entry)
}

func (s *shop) entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.journal...)
}

func (s *shop) step(entry string) func(context.Context, reserveRequest) (any, error) {
	return func(context.Context, reserveRequest) (any, error) {
		s.record(entry)
		return nil, nil
	}
}

func newShop(t *testing.T, opts ...tcc.InterceptorOption) *shop {
	t.Helper()
	s := &shop{repo: memrepo.New()}
	registry := tcc.NewRegistry()
	s.registry = registry
	s.manager = tcc.NewManager(s.repo, tcc.NewTerminator(registry, nil), tcc.WithLogger(testr.New(t)))
	t.Cleanup(s.manager.Close)
	s.ic = tcc.NewInterceptor(s.manager, opts...)

	s.provide = tcc.Compensable(s.ic, tcc.CallSite{
		Target:  "inventory",
		Method:  "Reserve",
		Policy:  tcc.Policy{Propagation: tcc.PropagationMandatory},
		Confirm: tcc.Invocation{Target: "inventory", Method: "ConfirmReserve"},
		Cancel:  tcc.Invocation{Target: "inventory", Method: "CancelReserve"},
	}, func(ctx context.Context, req reserveRequest) (string, error) {
		s.record("inventory.Reserve")
		return "reserved", nil
	})
	s.reserve = tcc.Compensable(s.ic, tcc.CallSite{
		Target:  "inventory",
		Method:  "Reserve",
		Confirm: tcc.Invocation{Target: "inventory", Method: "Reserve"},
		Cancel:  tcc.Invocation{Target: "inventory", Method: "Reserve"},
	}, s.provide)
	s.place = tcc.Compensable(s.ic, tcc.CallSite{
		Target:  "order",
		Method:  "Place",
		Confirm: tcc.Invocation{Target: "order", Method: "ConfirmPlace"},
		Cancel:  tcc.Invocation{Target: "order", Method: "CancelPlace"},
	}, func(ctx context.Context, req reserveRequest) (string, error) {
		s.record("order.Place")
		if _, err := s.reserve(ctx, req); err != nil {
			return "", err
		}
		return "placed", s.placeErr
	})

	registry.MustRegister("inventory", tcc.Methods{
		"Reserve":        tcc.Method(s.provide),
		"ConfirmReserve": tcc.Method(s.step("inventory.ConfirmReserve")),
		"CancelReserve":  tcc.Method(s.step("inventory.CancelReserve")),
	})
	registry.MustRegister("order", tcc.Methods{
		"ConfirmPlace": tcc.Method(s.step("order.ConfirmPlace")),
		"CancelPlace":  tcc.Method(s.step("order.CancelPlace")),
	})
	return s
}

type timeoutError struct{}

func (timeoutError) Error() string { return "timeout" }

func TestClassify(t *testing.T) {
	inbound := &tcc.TransactionContext{Xid: tcc.NewXid(), Status: tcc.StatusTrying}
	cases := []struct {
		name        string
		active      bool
		inbound     *tcc.TransactionContext
		propagation tcc.Propagation
		role        tcc.Role
		err         error
	}{
		{"Без транзакции REQUIRED - ROOT", false, nil, tcc.PropagationRequired, tcc.RoleRoot, nil},
		{"Без транзакции SUPPORTS - ROOT", false, nil, tcc.PropagationSupports, tcc.RoleRoot, nil},
		{"Без транзакции MANDATORY - ошибка", false, nil, tcc.PropagationMandatory, tcc.RoleNormal, tcc.ErrIllegalPropagation},
		{"С входящим контекстом - PROVIDER", false, inbound, tcc.PropagationMandatory, tcc.RoleProvider, nil},
		{"С транзакцией и входящим контекстом - PROVIDER", true, inbound, tcc.PropagationRequired, tcc.RoleProvider, nil},
		{"С транзакцией без входящего контекста - NORMAL", true, nil, tcc.PropagationMandatory, tcc.RoleNormal, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// Act
			role, actErr := tcc.Classify(c.active, c.inbound, c.propagation)

			assert.ErrorIs(t, actErr, c.err)
			if c.err == nil {
				assert.NoError(t, actErr)
				assert.Equal(t, c.role, role)
			}
		})
	}
}

func TestIntercept_Root(t *testing.T) {
	t.Run("Подтверждает корень и удаленную ветвь", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)

		// Act
		result, actErr := s.place(t.Context(), reserveRequest{SKU: "apple", Qty: 2})

		require.NoError(t, actErr)
		assert_.Equal("placed", result)
		assert_.Equal([]string{"order.Place", "inventory.Reserve", "order.ConfirmPlace", "inventory.ConfirmReserve"}, s.entries())
		assert_.Equal(0, s.repo.Len())
	})

	t.Run("Отменяет участников и возвращает исходную ошибку", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		errOutOfStock := errors.New("out of stock")
		s.placeErr = errOutOfStock

		// Act
		_, actErr := s.place(t.Context(), reserveRequest{SKU: "apple", Qty: 2})

		assert_.Same(errOutOfStock, actErr)
		assert_.Equal([]string{"order.Place", "inventory.Reserve", "order.CancelPlace", "inventory.CancelReserve"}, s.entries())
		assert_.Equal(0, s.repo.Len())
	})

	t.Run("Не отменяет транзакцию при ошибке отложенной отмены в цепочке причин", func(t *testing.T) {
		assert_ := assert.New(t)
		errTransient := errors.New("transient")
		s := newShop(t, tcc.WithDelayCancelErrors(errTransient))
		s.placeErr = fmt.Errorf("gateway: %w", fmt.Errorf("rpc: %w", errTransient))

		// Act
		_, actErr := s.place(t.Context(), reserveRequest{SKU: "apple", Qty: 1})

		assert_.ErrorIs(actErr, errTransient)
		assert_.Equal([]string{"order.Place", "inventory.Reserve"}, s.entries())
		assert_.Equal(2, s.repo.Len())
	})

	t.Run("Сопоставляет отложенную отмену по типу ошибки", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t, tcc.WithDelayCancel(tcc.ErrorAs[timeoutError]()))
		s.placeErr = fmt.Errorf("rpc: %w", timeoutError{})

		// Act
		_, actErr := s.place(t.Context(), reserveRequest{SKU: "apple", Qty: 1})

		assert_.ErrorAs(actErr, new(timeoutError))
		assert_.NotContains(s.entries(), "order.CancelPlace")
	})

	t.Run("Отклоняет повторный корневой вызов с тем же ключом", func(t *testing.T) {
		assert_ := assert.New(t)
		errTransient := errors.New("transient")
		s := newShop(t, tcc.WithDelayCancelErrors(errTransient))
		s.placeErr = errTransient
		ctx := tcc.WithUniqueIdentity(t.Context(), "order-1")
		_, err := s.place(ctx, reserveRequest{SKU: "apple", Qty: 1})
		require.ErrorIs(t, err, errTransient)

		// Act
		_, actErr := s.place(ctx, reserveRequest{SKU: "apple", Qty: 1})

		assert_.ErrorIs(actErr, tcc.ErrDuplicateXid)
		assert_.Equal([]string{"order.Place", "inventory.Reserve"}, s.entries())
	})

	t.Run("Возвращает ErrConfirmFailed если подтверждение не удалось", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		place := tcc.Compensable(s.ic, tcc.CallSite{
			Target:  "order",
			Method:  "Place",
			Confirm: tcc.Invocation{Target: "billing", Method: "Charge"},
		}, func(ctx context.Context, req reserveRequest) (string, error) { return "placed", nil })

		// Act
		_, actErr := place(t.Context(), reserveRequest{})

		assert_.ErrorIs(actErr, tcc.ErrConfirmFailed)
		assert_.ErrorIs(actErr, tcc.ErrUnknownTarget)
		assert_.Equal(1, s.repo.Len())
	})

	t.Run("Участники корня получают идентификатор ветви", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		var root tcc.Xid
		var delivered []tcc.Xid
		s.registry.MustRegister("ledger", tcc.Methods{
			"Post": tcc.Method(func(ctx context.Context, _ reserveRequest) (any, error) {
				delivered = append(delivered, tcc.TransactionContextFrom(ctx).Xid)
				return nil, nil
			}),
		})
		open := tcc.Compensable(s.ic, tcc.CallSite{
			Target:  "ledger",
			Method:  "Open",
			Confirm: tcc.Invocation{Target: "ledger", Method: "Post"},
		}, func(ctx context.Context, _ reserveRequest) (string, error) {
			root = tcc.CurrentTransaction(ctx).Xid()
			return "opened", nil
		})

		// Act
		_, actErr := open(t.Context(), reserveRequest{})

		require.NoError(t, actErr)
		require.Len(t, delivered, 1)
		assert_.NotEqual(root, delivered[0])
		assert_.Equal(root.Global, delivered[0].Global)
	})

	t.Run("Вызов из метода подтверждения выполняется в собственной транзакции", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		var root, nested *tcc.Transaction
		send := tcc.Compensable(s.ic, tcc.CallSite{
			Target:  "notify",
			Method:  "Send",
			Confirm: tcc.Invocation{Target: "notify", Method: "ConfirmSend"},
		}, func(ctx context.Context, req reserveRequest) (string, error) {
			nested = tcc.CurrentTransaction(ctx)
			s.record("notify.Send")
			return "sent", nil
		})
		s.registry.MustRegister("notify", tcc.Methods{"ConfirmSend": tcc.Method(s.step("notify.ConfirmSend"))})
		s.registry.MustRegister("billing", tcc.Methods{
			"Settle": tcc.Method(func(ctx context.Context, req reserveRequest) (any, error) {
				s.record("billing.Settle")
				return send(ctx, req)
			}),
		})
		open := tcc.Compensable(s.ic, tcc.CallSite{
			Target:  "billing",
			Method:  "Open",
			Confirm: tcc.Invocation{Target: "billing", Method: "Settle"},
		}, func(ctx context.Context, _ reserveRequest) (string, error) {
			root = tcc.CurrentTransaction(ctx)
			s.record("billing.Open")
			return "opened", nil
		})

		// Act
		result, actErr := open(t.Context(), reserveRequest{})

		require.NoError(t, actErr)
		assert_.Equal("opened", result)
		assert_.Equal([]string{"billing.Open", "billing.Settle", "notify.Send", "notify.ConfirmSend"}, s.entries())
		require.NotNil(t, nested)
		assert_.Equal(tcc.TypeRoot, nested.Type())
		assert_.NotEqual(root.Xid().Global, nested.Xid().Global)
		assert_.Equal(0, s.repo.Len())
	})
}

func TestIntercept_Provider(t *testing.T) {
	t.Run("Подтверждение отсутствующей ветви возвращает нулевое значение без вызова метода", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		ctx := tcc.WithTransactionContext(t.Context(), tcc.TransactionContext{Xid: tcc.NewXid(), Status: tcc.StatusConfirming})

		// Act
		result, actErr := s.provide(ctx, reserveRequest{SKU: "apple"})

		assert_.NoError(actErr)
		assert_.Equal("", result)
		assert_.Empty(s.entries())
	})

	t.Run("Отмена отсутствующей ветви не является ошибкой", func(t *testing.T) {
		s := newShop(t)
		ctx := tcc.WithTransactionContext(t.Context(), tcc.TransactionContext{Xid: tcc.NewXid(), Status: tcc.StatusCancelling})

		// Act
		result, actErr := tcc.Intercept(ctx, s.ic, tcc.CallSite{Target: "inventory", Method: "Count"},
			func(context.Context) (int, error) { return 42, nil })

		assert.NoError(t, actErr)
		assert.Equal(t, 0, result)
	})

	t.Run("Пробный вызов создает ветвь, а отмена ее завершает", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		xid := tcc.NewXid().NewBranch()
		trying := tcc.WithTransactionContext(t.Context(), tcc.TransactionContext{Xid: xid, Status: tcc.StatusTrying})

		result, err := s.provide(trying, reserveRequest{SKU: "apple"})
		require.NoError(t, err)
		require.Equal(t, "reserved", result)
		branch, err := s.repo.FindByXid(t.Context(), xid)
		require.NoError(t, err)
		assert_.Equal(tcc.TypeBranch, branch.Type())
		assert_.Len(branch.Participants(), 1)
		assert_.NotEqual(xid, branch.Participants()[0].Xid)
		assert_.Equal(xid.Global, branch.Participants()[0].Xid.Global)
		cancelling := tcc.WithTransactionContext(t.Context(), tcc.TransactionContext{Xid: xid, Status: tcc.StatusCancelling})

		// Act
		_, actErr := s.provide(cancelling, reserveRequest{SKU: "apple"})

		assert_.NoError(actErr)
		assert_.Equal([]string{"inventory.Reserve", "inventory.CancelReserve"}, s.entries())
		assert_.Equal(0, s.repo.Len())
	})

	t.Run("Вложенные вызовы не видят входящий контекст", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		var nested *tcc.TransactionContext
		var current *tcc.Transaction
		ctx := tcc.WithTransactionContext(t.Context(), tcc.TransactionContext{Xid: tcc.NewXid(), Status: tcc.StatusTrying})

		// Act
		_, actErr := tcc.Intercept(ctx, s.ic, tcc.CallSite{Target: "inventory", Method: "Peek"},
			func(ctx context.Context) (int, error) {
				nested = tcc.TransactionContextFrom(ctx)
				current = tcc.CurrentTransaction(ctx)
				return 0, nil
			})

		assert_.NoError(actErr)
		assert_.Nil(nested)
		assert_.NotNil(current)
	})
}

func TestIntercept_Mandatory(t *testing.T) {
	t.Run("Отклоняет вызов без транзакции до любых побочных эффектов", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)

		// Act
		_, actErr := s.provide(t.Context(), reserveRequest{SKU: "apple"})

		assert_.ErrorIs(actErr, tcc.ErrIllegalPropagation)
		assert_.Empty(s.entries())
		assert_.Equal(0, s.repo.Len())
	})
}

func TestIntercept_Normal(t *testing.T) {
	t.Run("Выполняет вызов в текущей транзакции без новой записи", func(t *testing.T) {
		assert_ := assert.New(t)
		s := newShop(t)
		var inner, outer *tcc.Transaction
		root := tcc.Compensable(s.ic, tcc.CallSite{Target: "order", Method: "Quote"},
			func(ctx context.Context, _ struct{}) (int, error) {
				outer = tcc.CurrentTransaction(ctx)
				return tcc.Intercept(ctx, s.ic, tcc.CallSite{Target: "pricing", Method: "Lookup"},
					func(ctx context.Context) (int, error) {
						inner = tcc.CurrentTransaction(ctx)
						return 7, nil
					})
			})

		// Act
		result, actErr := root(t.Context(), struct{}{})

		assert_.NoError(actErr)
		assert_.Equal(7, result)
		assert_.NotNil(outer)
		assert_.Same(outer, inner)
		assert_.Empty(outer.Participants())
		assert_.Equal(0, s.repo.Len())
	})
}

func TestRootCause(t *testing.T) {
	t.Run("Возвращает самую глубокую причину", func(t *testing.T) {
		cause := errors.New("cause")

		// Act
		actual := tcc.RootCause(fmt.Errorf("a: %w", fmt.Errorf("b: %w", cause)))

		assert.Same(t, cause, actual)
	})

	t.Run("Для nil возвращает nil", func(t *testing.T) {
		assert.Nil(t, tcc.RootCause(nil))
	})
}
