package tcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/go-logr/logr"
	"github.com/qbixus/tcc-go/internal"
)

// Propagation определяет, как транзакция распространяется на перехваченный вызов.
type Propagation int

const (
	// PropagationRequired начинает корневую транзакцию, если ее нет.
	PropagationRequired Propagation = iota
	// PropagationSupports участвует в существующей транзакции, а без нее тоже начинает корневую.
	PropagationSupports
	// PropagationMandatory требует существующую транзакцию или входящий контекст.
	PropagationMandatory
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

// ErrorMatcher selects errors, typically the delay-cancel errors of a Policy.
type ErrorMatcher func(error) bool

// ErrorIs matches errors that are target or wrap it.
func ErrorIs(target error) ErrorMatcher {
	internal.Assert(target != nil, "#args: target")
	return func(err error) bool { return errors.Is(err, target) }
}

// ErrorAs matches errors of type E or wrapping one.
func ErrorAs[E error]() ErrorMatcher {
	return func(err error) bool {
		var e E
		return errors.As(err, &e)
	}
}

// Policy - объявленная политика перехваченного вызова.
type Policy struct {
	Propagation  Propagation
	AsyncConfirm bool
	AsyncCancel  bool
	// DelayCancel перечисляет ошибки этапа Try, после которых корневая транзакция не отменяется сразу.
	// Такая транзакция остается в состоянии StatusTrying до вмешательства драйвера восстановления.
	DelayCancel []ErrorMatcher
}

// CallSite описывает перехваченный бизнес-метод.
//
// Confirm и Cancel - вызовы, которыми транзакция завершает участника, присоединенного этим вызовом. Для
// корневого вызова и поставщика это локальные методы подтверждения и отмены; для вызова удаленной ветви
// изнутри активной транзакции (потребитель) - сам удаленный метод, который поставщик при повторной доставке
// распознает по входящему контексту. Если оба вызова пусты, участник не присоединяется.
type CallSite struct {
	Target  string
	Method  string
	Policy  Policy
	Carrier string
	Confirm Invocation
	Cancel  Invocation
}

func (s CallSite) String() string {
	return s.Target + "." + s.Method
}

// Role is how an intercepted call takes part in a transaction.
type Role int

const (
	RoleNormal Role = iota
	RoleRoot
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "NORMAL"
	case RoleRoot:
		return "ROOT"
	case RoleProvider:
		return "PROVIDER"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Classify returns the role of a call given whether a transaction is active, the inbound transaction
// context and the declared propagation. Classify fails with ErrIllegalPropagation for a mandatory call
// with neither.
func Classify(active bool, inbound *TransactionContext, propagation Propagation) (Role, error) {
	switch {
	case inbound != nil:
		return RoleProvider, nil
	case active:
		return RoleNormal, nil
	case propagation == PropagationMandatory:
		return RoleNormal, ErrIllegalPropagation
	default:
		return RoleRoot, nil
	}
}

// Interceptor - оркестратор перехваченных вызовов: определяет роль вызова и начинает, продолжает и завершает
// транзакции через [Manager].
type Interceptor struct {
	manager     *Manager
	delayCancel []ErrorMatcher
	logger      logr.Logger
}

// InterceptorOption настраивает [Interceptor].
type InterceptorOption func(*Interceptor)

// WithDelayCancel adds delay-cancel matchers applied to every call site in addition to its own.
func WithDelayCancel(matchers ...ErrorMatcher) InterceptorOption {
	return func(ic *Interceptor) { ic.delayCancel = append(ic.delayCancel, matchers...) }
}

// WithDelayCancelErrors is WithDelayCancel with an ErrorIs matcher per error.
func WithDelayCancelErrors(errs ...error) InterceptorOption {
	return func(ic *Interceptor) {
		for _, err := range errs {
			ic.delayCancel = append(ic.delayCancel, ErrorIs(err))
		}
	}
}

func WithInterceptorLogger(logger logr.Logger) InterceptorOption {
	return func(ic *Interceptor) { ic.logger = logger }
}

func NewInterceptor(m *Manager, opts ...InterceptorOption) *Interceptor {
	internal.Assert(m != nil, "#args: m")
	ic := &Interceptor{manager: m, logger: m.logger}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

func (ic *Interceptor) Manager() *Manager {
	return ic.manager
}

// WithUniqueIdentity returns a context whose next root call derives its transaction id from key, so a
// repeated root call for the same key is rejected as a duplicate.
func WithUniqueIdentity(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, contextKey[uniqueIdentity]{}, uniqueIdentity(key))
}

// UniqueIdentityFrom returns the key set by WithUniqueIdentity, or "".
func UniqueIdentityFrom(ctx context.Context) string {
	key, _ := ctx.Value(contextKey[uniqueIdentity]{}).(uniqueIdentity)
	return string(key)
}

type uniqueIdentity string

// Intercept выполняет proceed в роли, определенной для site (см. [Classify]).
//
//   - ROOT: начинает корневую транзакцию, выполняет proceed как этап Try и подтверждает транзакцию, либо
//     отменяет ее при ошибке, если ошибка не из списка отложенной отмены. Ошибка proceed возвращается без
//     изменений.
//   - PROVIDER, StatusTrying: создает запись ветви и выполняет proceed, не завершая ветвь.
//   - PROVIDER, StatusConfirming и StatusCancelling: подтверждает или отменяет ветвь, не выполняя proceed, и
//     возвращает нулевое значение T. Отсутствие записи ветви означает, что она уже завершена.
//   - NORMAL: выполняет proceed в текущей транзакции.
//
// Транзакция, помещенная в стек, всегда снимается с него перед возвратом.
func Intercept[T any](ctx context.Context, ic *Interceptor, site CallSite, proceed func(context.Context) (T, error)) (T, error) {
	var zero T
	carrier, err := ic.manager.terminator.Carrier(site.Carrier)
	if err != nil {
		return zero, err
	}
	inbound, err := carrier.Get(ctx, &Invocation{Target: site.Target, Method: site.Method})
	if err != nil {
		return zero, fmt.Errorf("%w: read transaction context of %v: %w", ErrSystem, site, err)
	}

	role, err := Classify(ic.manager.IsActive(ctx), inbound, site.Policy.Propagation)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", err, site)
	}
	ic.logger.V(2).Info("tcc.intercept", "site", site.String(), "role", role.String())

	switch role {
	case RoleRoot:
		return interceptRoot(ctx, ic, site, proceed)
	case RoleProvider:
		if d, ok := carrier.(Detacher); ok {
			ctx = d.Detach(ctx)
		}
		return interceptProvider(ctx, ic, site, *inbound, proceed)
	default:
		return interceptNormal(ctx, ic, site, carrier, proceed)
	}
}

func interceptRoot[T any](ctx context.Context, ic *Interceptor, site CallSite, proceed func(context.Context) (T, error)) (result T, err error) {
	key := UniqueIdentityFrom(ctx)
	if key != "" {
		ctx = context.WithValue(ctx, contextKey[uniqueIdentity]{}, uniqueIdentity(""))
	}
	ctx, tx, err := ic.manager.Begin(ctx, key)
	if err != nil {
		return result, err
	}
	defer func() {
		if cerr := ic.manager.Cleanup(ctx, tx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	err = ic.enlist(ctx, site, tx.Xid().NewBranch())
	if err == nil {
		result, err = proceed(ctx)
	}
	if err != nil {
		if ic.isDelayCancel(site, err) {
			ic.logger.Info("tcc.root.cancel_delayed", "site", site.String(), "xid", tx.Xid().String(), "cause", err.Error())
			return result, err
		}
		if rerr := ic.manager.Rollback(ctx, site.Policy.AsyncCancel); rerr != nil {
			ic.logger.Error(rerr, "tcc.root.rollback_failed", "site", site.String(), "xid", tx.Xid().String())
		}
		return result, err
	}

	if err := ic.manager.Commit(ctx, site.Policy.AsyncConfirm); err != nil {
		return result, err
	}
	return result, nil
}

func interceptProvider[T any](ctx context.Context, ic *Interceptor, site CallSite, inbound TransactionContext, proceed func(context.Context) (T, error)) (result T, err error) {
	var tx *Transaction
	switch inbound.Status {
	case StatusTrying:
		ctx, tx, err = ic.manager.PropagateNewBegin(ctx, inbound)
	default:
		ctx, tx, err = ic.manager.PropagateExistBegin(ctx, inbound)
		if errors.Is(err, ErrNoExistingTransaction) {
			ic.logger.V(1).Info("tcc.provider.already_completed", "site", site.String(), "xid", inbound.Xid.String(), "status", inbound.Status.String())
			return result, nil
		}
	}
	if err != nil {
		return result, err
	}
	defer func() {
		if cerr := ic.manager.Cleanup(ctx, tx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	switch inbound.Status {
	case StatusTrying:
		if err := ic.enlist(ctx, site, tx.Xid().NewBranch()); err != nil {
			return result, err
		}
		return proceed(ctx)
	case StatusConfirming:
		return result, ic.manager.Commit(ctx, site.Policy.AsyncConfirm)
	default:
		return result, ic.manager.Rollback(ctx, site.Policy.AsyncCancel)
	}
}

// interceptNormal passes the call through. A call site declaring a confirm or cancel invocation is a
// consumer of a remote branch: the branch is enlisted in the active transaction and the outgoing call
// carries its trying context.
func interceptNormal[T any](ctx context.Context, ic *Interceptor, site CallSite, carrier ContextCarrier, proceed func(context.Context) (T, error)) (T, error) {
	var zero T
	if site.Confirm.IsNoop() && site.Cancel.IsNoop() {
		return proceed(ctx)
	}
	root := ic.manager.CurrentTransaction(ctx)
	if root == nil {
		return proceed(ctx)
	}

	branch := root.Xid().NewBranch()
	if err := ic.enlist(ctx, site, branch); err != nil {
		return zero, err
	}
	call := Invocation{Target: site.Target, Method: site.Method}
	ctx, err := carrier.Set(ctx, TransactionContext{Xid: branch, Status: StatusTrying}, &call)
	if err != nil {
		return zero, fmt.Errorf("%w: attach transaction context to %v: %w", ErrSystem, site, err)
	}
	return proceed(ctx)
}

// enlist registers the site as a participant of the current record under xid, a branch of that record.
func (ic *Interceptor) enlist(ctx context.Context, site CallSite, xid Xid) error {
	if site.Confirm.IsNoop() && site.Cancel.IsNoop() {
		return nil
	}
	return ic.manager.EnlistParticipant(ctx, NewParticipant(xid, site.Confirm, site.Cancel, site.Carrier))
}

// isDelayCancel matches err and its deepest cause, which is often hidden under transport wrappers.
func (ic *Interceptor) isDelayCancel(site CallSite, err error) bool {
	cause := RootCause(err)
	for _, matchers := range [][]ErrorMatcher{site.Policy.DelayCancel, ic.delayCancel} {
		for _, match := range matchers {
			if match(err) || match(cause) {
				return true
			}
		}
	}
	return false
}

// RootCause returns the innermost error of the single-error Unwrap chain of err.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// Compensable оборачивает fn перехватчиком ic для site. Пустые аргументы вызовов Confirm и Cancel заполняются
// JSON представлением запроса, поэтому методы подтверждения и отмены получают те же аргументы, что и Try.
func Compensable[Req, Resp any](ic *Interceptor, site CallSite, fn func(context.Context, Req) (Resp, error)) func(context.Context, Req) (Resp, error) {
	internal.Assert(ic != nil, "#args: ic")
	internal.Assert(fn != nil, "#args: fn")
	return func(ctx context.Context, req Req) (Resp, error) {
		s := site
		if err := bindArgs(&s, req); err != nil {
			var zero Resp
			return zero, err
		}
		return Intercept(ctx, ic, s, func(ctx context.Context) (Resp, error) {
			return fn(ctx, req)
		})
	}
}

func bindArgs(site *CallSite, req any) error {
	if (site.Confirm.IsNoop() || site.Confirm.Args != nil) && (site.Cancel.IsNoop() || site.Cancel.Args != nil) {
		return nil
	}
	args, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode %v arguments: %w", ErrSystem, site, err)
	}
	if !site.Confirm.IsNoop() && site.Confirm.Args == nil {
		site.Confirm.Args = args
	}
	if !site.Cancel.IsNoop() && site.Cancel.Args == nil {
		site.Cancel.Args = args
	}
	return nil
}
