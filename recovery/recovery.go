// Package recovery finishes transactions whose second phase was interrupted.
//
// A record outlives its transaction only when confirm or cancel failed, the process died midway, or the try
// phase ended with a delay-cancel error. [Recovery] periodically scans the repository for records nobody has
// touched for a while and drives them to completion: confirming records are confirmed again, cancelling
// records and stale root records still trying are cancelled. Every attempt bumps the record's retry count
// and goes through the optimistic version check, so a live path and the recovery driver never both
// complete one record.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/internal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"time"
)

const (
	DefaultMaxRetryCount   = 30
	DefaultRecoverDuration = 120 * time.Second
	DefaultCronInterval    = time.Minute
	DefaultScanAttempts    = 3
	DefaultScanDelay       = 100 * time.Millisecond
)

const (
	outcomeConfirmed = "confirmed"
	outcomeCancelled = "cancelled"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Recovery - драйвер восстановления незавершенных транзакций.
type Recovery struct {
	repo            tcc.Repository
	terminator      *tcc.Terminator
	maxRetryCount   int
	recoverDuration time.Duration
	cronInterval    time.Duration
	scanAttempts    uint
	scanDelay       time.Duration
	logger          logr.Logger
	now             func() time.Time
	meterProvider   metric.MeterProvider
	processed       metric.Int64Counter

	scanned   atomic.Int64
	confirmed atomic.Int64
	cancelled atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// Stats counts what the driver did since it was created.
type Stats struct {
	Scanned   int64
	Confirmed int64
	Cancelled int64
	Skipped   int64
	Failed    int64
}

// Option настраивает [Recovery].
type Option func(*Recovery)

// WithMaxRetryCount sets how many times a record is retried before the driver gives up on it.
func WithMaxRetryCount(n int) Option {
	internal.Assert(n > 0, "#args: n", n)
	return func(r *Recovery) { r.maxRetryCount = n }
}

// WithRecoverDuration sets how long a record stays untouched before the driver picks it up.
func WithRecoverDuration(d time.Duration) Option {
	internal.Assert(d > 0, "#args: d", d)
	return func(r *Recovery) { r.recoverDuration = d }
}

// WithCronInterval sets the period of Run.
func WithCronInterval(d time.Duration) Option {
	internal.Assert(d > 0, "#args: d", d)
	return func(r *Recovery) { r.cronInterval = d }
}

// WithScanRetry sets the attempts and the initial backoff delay of the repository scan.
func WithScanRetry(attempts uint, delay time.Duration) Option {
	internal.Assert(attempts > 0 && delay > 0, "#args: attempts, delay", attempts, delay)
	return func(r *Recovery) { r.scanAttempts, r.scanDelay = attempts, delay }
}

func WithLogger(logger logr.Logger) Option {
	return func(r *Recovery) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	internal.Assert(now != nil, "#args: now")
	return func(r *Recovery) { r.now = now }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	internal.Assert(mp != nil, "#args: mp")
	return func(r *Recovery) { r.meterProvider = mp }
}

// New создает драйвер восстановления записей repo. Участники подтверждаются и отменяются через terminator.
func New(repo tcc.Repository, terminator *tcc.Terminator, opts ...Option) *Recovery {
	internal.Assert(repo != nil, "#args: repo")
	internal.Assert(terminator != nil, "#args: terminator")
	r := &Recovery{
		repo:            repo,
		terminator:      terminator,
		maxRetryCount:   DefaultMaxRetryCount,
		recoverDuration: DefaultRecoverDuration,
		cronInterval:    DefaultCronInterval,
		scanAttempts:    DefaultScanAttempts,
		scanDelay:       DefaultScanDelay,
		logger:          logr.Discard(),
		now:             time.Now,
		meterProvider:   otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("recovery")

	var err error
	r.processed, err = r.meterProvider.Meter("github.com/qbixus/tcc-go/recovery").Int64Counter(
		"tcc.recovery.processed",
		metric.WithDescription("Transaction records handled by the recovery driver, by outcome"),
	)
	if err != nil {
		r.logger.Error(err, "tcc.recovery.metric_init_failed", "metric", "tcc.recovery.processed")
	}
	return r
}

// Run вызывает RecoverOnce каждые CronInterval, пока ctx не отменен. Ошибки прохода журналируются.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cronInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RecoverOnce(ctx); err != nil {
				r.logger.Error(err, "tcc.recovery.pass_failed")
			}
		}
	}
}

// RecoverOnce выполняет один проход: находит записи, не изменявшиеся дольше RecoverDuration, и завершает их.
//
// Записи, превысившие MaxRetryCount, пропускаются. Ветви моложе RecoverDuration * MaxRetryCount тоже
// пропускаются: их завершает корневая транзакция. Запись, которую параллельно изменил другой процесс
// (ErrStaleVersion), пропускается до следующего прохода. Ошибки отдельных записей объединяются в одну.
func (r *Recovery) RecoverOnce(ctx context.Context) error {
	now := r.now()
	var txs []*tcc.Transaction
	err := retry.Do(
		func() error {
			var err error
			txs, err = r.repo.FindAllUnmodifiedSince(ctx, now.Add(-r.recoverDuration))
			return err
		},
		retry.OnRetry(func(n uint, err error) {
			r.logger.Error(err, "tcc.recovery.scan_retry", "attempt", n+1)
		}),
		retry.Attempts(r.scanAttempts),
		retry.Delay(r.scanDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	r.scanned.Add(int64(len(txs)))

	var result *multierror.Error
	for _, tx := range txs {
		outcome, err := r.handle(ctx, tx, now)
		r.count(ctx, outcome)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Recovery) handle(ctx context.Context, tx *tcc.Transaction, now time.Time) (string, error) {
	xid := tx.Xid()
	if tx.RetriedCount() > r.maxRetryCount {
		r.logger.Info("tcc.recovery.retry_limit", "xid", xid.String(), "status", tx.Status().String(), "retried", tx.RetriedCount())
		return outcomeSkipped, nil
	}
	if tx.Type() == tcc.TypeBranch && tx.CreateTime().Add(r.recoverDuration*time.Duration(r.maxRetryCount)).After(now) {
		return outcomeSkipped, nil
	}

	switch {
	case tx.Status() == tcc.StatusConfirming:
		return r.complete(ctx, tx, tcc.StatusConfirming)
	case tx.Status() == tcc.StatusCancelling, tx.Type() == tcc.TypeRoot:
		return r.complete(ctx, tx, tcc.StatusCancelling)
	default:
		return outcomeSkipped, nil
	}
}

func (r *Recovery) complete(ctx context.Context, tx *tcc.Transaction, status tcc.Status) (string, error) {
	xid := tx.Xid()
	if err := tx.ChangeStatus(status); err != nil {
		return outcomeFailed, err
	}
	tx.AddRetriedCount()
	if err := r.repo.Update(ctx, tx); err != nil {
		if errors.Is(err, tcc.ErrStaleVersion) {
			r.logger.V(1).Info("tcc.recovery.concurrent_update", "xid", xid.String())
			return outcomeSkipped, nil
		}
		return outcomeFailed, err
	}

	ctx = tcc.WithTransactionScope(ctx)
	var err error
	outcome := outcomeConfirmed
	if status == tcc.StatusConfirming {
		err = tx.Commit(ctx, r.terminator)
	} else {
		outcome = outcomeCancelled
		err = tx.Rollback(ctx, r.terminator)
	}
	if err == nil {
		err = r.repo.Delete(ctx, tx)
	}
	if err != nil {
		r.logger.Error(err, "tcc.recovery.failed", "xid", xid.String(), "status", status.String(), "retried", tx.RetriedCount())
		return outcomeFailed, fmt.Errorf("%w: %v: %w", completionError(status), xid, err)
	}
	r.logger.Info("tcc.recovery.completed", "xid", xid.String(), "status", status.String(), "retried", tx.RetriedCount())
	return outcome, nil
}

func completionError(status tcc.Status) error {
	if status == tcc.StatusConfirming {
		return tcc.ErrConfirmFailed
	}
	return tcc.ErrCancelFailed
}

func (r *Recovery) count(ctx context.Context, outcome string) {
	switch outcome {
	case outcomeConfirmed:
		r.confirmed.Inc()
	case outcomeCancelled:
		r.cancelled.Inc()
	case outcomeSkipped:
		r.skipped.Inc()
	default:
		r.failed.Inc()
	}
	if r.processed != nil {
		r.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("tcc.outcome", outcome)))
	}
}

func (r *Recovery) Stats() Stats {
	return Stats{
		Scanned:   r.scanned.Load(),
		Confirmed: r.confirmed.Load(),
		Cancelled: r.cancelled.Load(),
		Skipped:   r.skipped.Load(),
		Failed:    r.failed.Load(),
	}
}
