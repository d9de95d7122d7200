package tcc

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-logr/logr"
	"github.com/qbixus/tcc-go/internal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"time"
)

// Manager - координатор TCC транзакций.
//
// Manager создает, продолжает и завершает транзакции в стеке активных транзакций, привязанном к контексту
// (см. [WithTransactionScope]), сохраняет каждое изменение записи транзакции в [Repository] и рассылает
// подтверждения и отмены участникам через [Terminator]. Запись удаляется из хранилища только после того, как
// все участники успешно подтверждены или отменены; иначе она остается для повторной обработки драйвером
// восстановления.
//
// Может использоваться конкурентно из разных цепочек вызовов.
type Manager struct {
	repo         Repository
	terminator   *Terminator
	executor     *Executor
	ownsExecutor bool
	logger       logr.Logger
	metrics      *managerMetrics
	tracer       trace.Tracer
}

// ManagerOption настраивает [Manager].
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger         logr.Logger
	executor       *Executor
	executorSize   int
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithLogger sets the logger of a Manager. Defaults to logr.Discard().
func WithLogger(logger logr.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithExecutor runs asynchronous fan-outs on executor. The caller keeps ownership: Manager.Close does not
// close it.
func WithExecutor(executor *Executor) ManagerOption {
	internal.Assert(executor != nil, "#args: executor")
	return func(o *managerOptions) { o.executor = executor }
}

// WithExecutorSize sets the size of the executor a Manager creates for itself. Defaults to
// DefaultExecutorSize.
func WithExecutorSize(size int) ManagerOption {
	internal.Assert(size > 0, "#args: size", size)
	return func(o *managerOptions) { o.executorSize = size }
}

// WithMeterProvider sets the provider of the Manager's instruments. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) ManagerOption {
	internal.Assert(mp != nil, "#args: mp")
	return func(o *managerOptions) { o.meterProvider = mp }
}

// WithTracerProvider sets the provider of the fan-out spans. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) ManagerOption {
	internal.Assert(tp != nil, "#args: tp")
	return func(o *managerOptions) { o.tracerProvider = tp }
}

// NewManager возвращает координатор, сохраняющий транзакции в repo и завершающий участников через terminator.
func NewManager(repo Repository, terminator *Terminator, opts ...ManagerOption) *Manager {
	internal.Assert(repo != nil, "#args: repo")
	internal.Assert(terminator != nil, "#args: terminator")

	options := managerOptions{logger: logr.Discard(), executorSize: DefaultExecutorSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.meterProvider == nil {
		options.meterProvider = otel.GetMeterProvider()
	}
	if options.tracerProvider == nil {
		options.tracerProvider = otel.GetTracerProvider()
	}

	m := &Manager{
		repo:       repo,
		terminator: terminator,
		executor:   options.executor,
		logger:     options.logger.WithName("tcc"),
		tracer:     options.tracerProvider.Tracer(instrumentationName),
	}
	if m.executor == nil {
		m.executor = NewExecutor(options.executorSize)
		m.ownsExecutor = true
	}
	m.metrics = newManagerMetrics(options.meterProvider, m.logger)
	return m
}

// Begin начинает корневую транзакцию и помещает ее на вершину стека активных транзакций.
// Если uniqueIdentity не пуст, идентификатор транзакции выводится из него, и повторный Begin с тем же ключом
// завершается ошибкой ErrDuplicateXid.
//
// Возвращает контекст, содержащий стек, и начатую транзакцию. Ошибки хранилища оборачивают ErrPersistence.
func (m *Manager) Begin(ctx context.Context, uniqueIdentity string) (context.Context, *Transaction, error) {
	xid := NewXid()
	if uniqueIdentity != "" {
		xid = NewXidFromKey(uniqueIdentity)
	}
	return m.begin(ctx, NewTransaction(xid, TypeRoot))
}

// PropagateNewBegin создает запись ветви с идентификатором из входящего контекста tc в состоянии
// StatusTrying и помещает ее на вершину стека.
func (m *Manager) PropagateNewBegin(ctx context.Context, tc TransactionContext) (context.Context, *Transaction, error) {
	return m.begin(ctx, NewTransaction(tc.Xid, TypeBranch))
}

func (m *Manager) begin(ctx context.Context, tx *Transaction) (context.Context, *Transaction, error) {
	if err := m.repo.Create(ctx, tx); err != nil {
		return ctx, nil, persistenceError("create", tx.Xid(), err)
	}
	ctx, s := ensureScope(ctx)
	s.push(tx)
	m.metrics.recordBegin(ctx, tx.Type(), tx.Status())
	m.logger.V(1).Info("tcc.begin", "xid", tx.Xid().String(), "type", tx.Type().String())
	return ctx, tx, nil
}

// PropagateExistBegin находит запись по идентификатору из tc, переводит ее в состояние из tc и помещает на
// вершину стека.
//
// Возвращает ErrNoExistingTransaction если записи нет: ветвь уже завершена или не создавалась, и повторная
// доставка подтверждения или отмены должна считаться успешной.
func (m *Manager) PropagateExistBegin(ctx context.Context, tc TransactionContext) (context.Context, *Transaction, error) {
	tx, err := m.repo.FindByXid(ctx, tc.Xid)
	if errors.Is(err, ErrTransactionNotFound) {
		return ctx, nil, fmt.Errorf("%w: %v", ErrNoExistingTransaction, tc.Xid)
	}
	if err != nil {
		return ctx, nil, persistenceError("find", tc.Xid, err)
	}
	if tx == nil {
		return ctx, nil, fmt.Errorf("%w: %v", ErrNoExistingTransaction, tc.Xid)
	}
	if err := tx.ChangeStatus(tc.Status); err != nil {
		return ctx, nil, err
	}
	ctx, s := ensureScope(ctx)
	s.push(tx)
	m.metrics.recordBegin(ctx, tx.Type(), tc.Status)
	m.logger.V(1).Info("tcc.propagate", "xid", tc.Xid.String(), "status", tc.Status.String())
	return ctx, tx, nil
}

// Commit переводит активную транзакцию в StatusConfirming, сохраняет изменение и подтверждает всех участников в
// порядке их присоединения. После успешного подтверждения запись удаляется.
//
// При async = true подтверждение выполняется в пуле [Executor], и Commit возвращает управление сразу после
// постановки задачи. Ошибка асинхронного подтверждения только журналируется: запись остается в хранилище для
// драйвера восстановления.
//
// Возвращает ErrNoActiveTransaction если активной транзакции нет и ErrConfirmFailed если подтверждение не
// удалось или задачу не удалось поставить в пул.
func (m *Manager) Commit(ctx context.Context, async bool) error {
	return m.complete(ctx, StatusConfirming, async)
}

// Rollback симметричен [Manager.Commit]: StatusCancelling, отмена участников, ErrCancelFailed.
func (m *Manager) Rollback(ctx context.Context, async bool) error {
	return m.complete(ctx, StatusCancelling, async)
}

func (m *Manager) complete(ctx context.Context, status Status, async bool) error {
	tx := CurrentTransaction(ctx)
	if tx == nil {
		return ErrNoActiveTransaction
	}
	if err := tx.ChangeStatus(status); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, tx); err != nil {
		return persistenceError("update", tx.Xid(), err)
	}

	if !async {
		return m.fanOut(WithTransactionScope(ctx), tx, status, false)
	}
	err := m.executor.Submit(ctx, func(ctx context.Context) {
		_ = m.fanOut(WithTransactionScope(ctx), tx, status, true)
	})
	if err != nil {
		m.metrics.recordFanoutFailure(ctx, status, true, "rejected")
		m.logger.Error(err, "tcc.fanout.rejected", "xid", tx.Xid().String(), "status", status.String())
		return fmt.Errorf("%w: %v: %w", completionError(status), tx.Xid(), err)
	}
	return nil
}

// fanOut runs in a scope of its own: in-process participants push their branch records there, never onto
// the stack of the caller.
func (m *Manager) fanOut(ctx context.Context, tx *Transaction, status Status, async bool) error {
	xid := tx.Xid()
	ctx, span := m.tracer.Start(ctx, "tcc.fanout", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("tcc.xid", xid.String()),
		attribute.String("tcc.status", status.String()),
		attribute.String("tcc.mode", fanoutMode(async)),
		attribute.Int("tcc.participants", len(tx.Participants())),
	)

	begin := time.Now()
	fail := func(reason string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		m.metrics.recordFanout(ctx, status, async, time.Since(begin), "failed")
		m.metrics.recordFanoutFailure(ctx, status, async, reason)
		m.logger.Error(err, "tcc.fanout.failed", "xid", xid.String(), "status", status.String(), "async", async, "reason", reason)
		return fmt.Errorf("%w: %w", completionError(status), err)
	}

	var err error
	if status == StatusConfirming {
		err = tx.Commit(ctx, m.terminator)
	} else {
		err = tx.Rollback(ctx, m.terminator)
	}
	if err != nil {
		return fail("participant", err)
	}
	if err := m.repo.Delete(ctx, tx); err != nil {
		return fail("delete", persistenceError("delete", xid, err))
	}

	span.SetStatus(codes.Ok, "")
	m.metrics.recordFanout(ctx, status, async, time.Since(begin), "ok")
	m.metrics.recordCompleted(ctx, status)
	m.logger.V(1).Info("tcc.fanout.completed", "xid", xid.String(), "status", status.String(), "async", async)
	return nil
}

// EnlistParticipant присоединяет p к активной транзакции и сохраняет изменение.
//
// Возвращает ErrNoActiveTransaction если активной транзакции нет и ErrIllegalState если транзакция уже не в
// состоянии StatusTrying.
func (m *Manager) EnlistParticipant(ctx context.Context, p *Participant) error {
	internal.Assert(p != nil, "#args: p")
	tx := CurrentTransaction(ctx)
	if tx == nil {
		return ErrNoActiveTransaction
	}
	if err := tx.EnlistParticipant(p); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, tx); err != nil {
		return persistenceError("update", tx.Xid(), err)
	}
	m.logger.V(1).Info("tcc.enlist", "xid", tx.Xid().String(), "participant", p.Xid.String(), "confirm", p.Confirm.String(), "cancel", p.Cancel.String())
	return nil
}

// Cleanup снимает tx с вершины стека активных транзакций. tx должна быть той же записью (не равной по
// значению), что находится на вершине.
//
// Возвращает ErrIllegalCleanupOrder, не изменяя стек, если на вершине другая транзакция. Для tx == nil и
// пустого стека ничего не делает.
func (m *Manager) Cleanup(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return nil
	}
	s := scopeFrom(ctx)
	if s == nil {
		return nil
	}
	if err := s.popIf(tx); err != nil {
		m.logger.Error(err, "tcc.cleanup.out_of_order", "xid", tx.Xid().String())
		return fmt.Errorf("%w: %v", err, tx.Xid())
	}
	return nil
}

// CurrentTransaction returns the active transaction of ctx, or nil.
func (m *Manager) CurrentTransaction(ctx context.Context) *Transaction {
	return CurrentTransaction(ctx)
}

// IsActive reports whether ctx has an active transaction.
func (m *Manager) IsActive(ctx context.Context) bool {
	return CurrentTransaction(ctx) != nil
}

// Close отклоняет новые асинхронные завершения и дожидается уже запущенных. Пул, переданный через
// WithExecutor, не закрывается.
func (m *Manager) Close() {
	if m.ownsExecutor {
		m.executor.Close()
	}
}

// ---

func completionError(status Status) error {
	if status == StatusCancelling {
		return ErrCancelFailed
	}
	return ErrConfirmFailed
}

func persistenceError(op string, xid Xid, err error) error {
	if errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%s %v: %w", op, xid, err)
	}
	return fmt.Errorf("%w: %s %v: %w", ErrPersistence, op, xid, err)
}
