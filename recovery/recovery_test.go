package recovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/go-logr/logr/testr"
	"github.com/hashicorp/go-multierror"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/mocks"
	"github.com/qbixus/tcc-go/recovery"
	"github.com/qbixus/tcc-go/repository/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"
	"sync"
	"testing"
	"testing/synctest"
	"time"
)

// stock records the confirm and cancel calls it receives and fails the ones listed in fail.
type stock struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (s *stock) method(name string) tcc.MethodFunc {
	return func(context.Context, json.RawMessage) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, name)
		return nil, s.fail[name]
	}
}

func (s *stock) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stock) terminator() *tcc.Terminator {
	registry := tcc.NewRegistry()
	registry.MustRegister("stock", tcc.Methods{
		"Confirm": s.method("stock.Confirm"),
		"Cancel":  s.method("stock.Cancel"),
	})
	return tcc.NewTerminator(registry, nil)
}

func newRecord(t *testing.T, typ tcc.Type, status tcc.Status) *tcc.Transaction {
	t.Helper()
	xid := tcc.NewXid()
	if typ == tcc.TypeBranch {
		xid = xid.NewBranch()
	}
	tx := tcc.NewTransaction(xid, typ)
	require.NoError(t, tx.EnlistParticipant(tcc.NewParticipant(xid.NewBranch(),
		tcc.Invocation{Target: "stock", Method: "Confirm"},
		tcc.Invocation{Target: "stock", Method: "Cancel"},
		"")))
	require.NoError(t, tx.ChangeStatus(status))
	return tx
}

func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

func TestRecovery_RecoverOnce(t *testing.T) {
	cases := []struct {
		name      string
		typ       tcc.Type
		status    tcc.Status
		age       time.Duration
		calls     []string
		remaining int
		stats     recovery.Stats
	}{
		{"Подтверждает зависшее подтверждение", tcc.TypeRoot, tcc.StatusConfirming, 2 * time.Hour,
			[]string{"stock.Confirm"}, 0, recovery.Stats{Scanned: 1, Confirmed: 1}},
		{"Отменяет зависшую отмену", tcc.TypeRoot, tcc.StatusCancelling, 2 * time.Hour,
			[]string{"stock.Cancel"}, 0, recovery.Stats{Scanned: 1, Cancelled: 1}},
		{"Отменяет корневую транзакцию, застрявшую в Try", tcc.TypeRoot, tcc.StatusTrying, 2 * time.Hour,
			[]string{"stock.Cancel"}, 0, recovery.Stats{Scanned: 1, Cancelled: 1}},
		{"Не трогает недавно измененные записи", tcc.TypeRoot, tcc.StatusConfirming, time.Minute,
			nil, 1, recovery.Stats{}},
		{"Пропускает ветвь в Try", tcc.TypeBranch, tcc.StatusTrying, 2 * time.Hour,
			nil, 1, recovery.Stats{Scanned: 1, Skipped: 1}},
		{"Пропускает молодую ветвь, которую завершит корень", tcc.TypeBranch, tcc.StatusConfirming, 10 * time.Minute,
			nil, 1, recovery.Stats{Scanned: 1, Skipped: 1}},
		{"Подтверждает старую ветвь", tcc.TypeBranch, tcc.StatusConfirming, 2 * time.Hour,
			[]string{"stock.Confirm"}, 0, recovery.Stats{Scanned: 1, Confirmed: 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert_ := assert.New(t)
			s := &stock{}
			repo := memrepo.New()
			require.NoError(t, repo.Create(t.Context(), newRecord(t, c.typ, c.status)))
			target := recovery.New(repo, s.terminator(), recovery.WithClock(later(c.age)), recovery.WithLogger(testr.New(t)))

			// Act
			actErr := target.RecoverOnce(t.Context())

			assert_.NoError(actErr)
			assert_.Equal(c.calls, s.list())
			assert_.Equal(c.remaining, repo.Len())
			assert_.Equal(c.stats, target.Stats())
		})
	}

	t.Run("Пропускает записи, исчерпавшие попытки", func(t *testing.T) {
		assert_ := assert.New(t)
		s := &stock{}
		repo := memrepo.New()
		tx := newRecord(t, tcc.TypeRoot, tcc.StatusConfirming)
		tx.ResetRetriedCount(recovery.DefaultMaxRetryCount + 1)
		require.NoError(t, repo.Create(t.Context(), tx))
		target := recovery.New(repo, s.terminator(), recovery.WithClock(later(2*time.Hour)))

		// Act
		actErr := target.RecoverOnce(t.Context())

		assert_.NoError(actErr)
		assert_.Empty(s.list())
		assert_.Equal(1, repo.Len())
	})

	t.Run("Оставляет запись с увеличенным счетчиком попыток при ошибке участника", func(t *testing.T) {
		assert_ := assert.New(t)
		errDown := errors.New("stock is down")
		s := &stock{fail: map[string]error{"stock.Cancel": errDown}}
		repo := memrepo.New()
		tx := newRecord(t, tcc.TypeRoot, tcc.StatusTrying)
		require.NoError(t, repo.Create(t.Context(), tx))
		target := recovery.New(repo, s.terminator(), recovery.WithClock(later(2*time.Hour)))

		// Act
		actErr := target.RecoverOnce(t.Context())

		assert_.ErrorIs(actErr, tcc.ErrCancelFailed)
		assert_.ErrorIs(actErr, errDown)
		found, err := repo.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(tcc.StatusCancelling, found.Status())
		assert_.Equal(1, found.RetriedCount())
		assert_.Equal(int64(1), target.Stats().Failed)
	})

	t.Run("Объединяет ошибки всех записей прохода", func(t *testing.T) {
		s := &stock{fail: map[string]error{"stock.Confirm": errors.New("down"), "stock.Cancel": errors.New("down")}}
		repo := memrepo.New()
		require.NoError(t, repo.Create(t.Context(), newRecord(t, tcc.TypeRoot, tcc.StatusConfirming)))
		require.NoError(t, repo.Create(t.Context(), newRecord(t, tcc.TypeRoot, tcc.StatusCancelling)))
		target := recovery.New(repo, s.terminator(), recovery.WithClock(later(2*time.Hour)))

		// Act
		actErr := target.RecoverOnce(t.Context())

		var merr *multierror.Error
		require.ErrorAs(t, actErr, &merr)
		assert.Len(t, merr.Errors, 2)
		assert.ElementsMatch(t, []string{"stock.Confirm", "stock.Cancel"}, s.list())
	})

	t.Run("Пропускает запись, измененную другим процессом", func(t *testing.T) {
		assert_ := assert.New(t)
		s := &stock{}
		repo := mocks.NewMockRepository(gomock.NewController(t))
		tx := newRecord(t, tcc.TypeRoot, tcc.StatusConfirming)
		repo.EXPECT().FindAllUnmodifiedSince(gomock.Any(), gomock.Any()).Return([]*tcc.Transaction{tx}, nil)
		repo.EXPECT().Update(gomock.Any(), tx).Return(tcc.ErrStaleVersion)
		target := recovery.New(repo, s.terminator())

		// Act
		actErr := target.RecoverOnce(t.Context())

		assert_.NoError(actErr)
		assert_.Empty(s.list())
		assert_.Equal(int64(1), target.Stats().Skipped)
	})

	t.Run("Повторяет неудачное сканирование", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			s := &stock{}
			repo := mocks.NewMockRepository(gomock.NewController(t))
			gomock.InOrder(
				repo.EXPECT().FindAllUnmodifiedSince(gomock.Any(), gomock.Any()).Return(nil, tcc.ErrPersistence),
				repo.EXPECT().FindAllUnmodifiedSince(gomock.Any(), gomock.Any()).Return(nil, nil),
			)
			target := recovery.New(repo, s.terminator(), recovery.WithScanRetry(3, time.Second))

			// Act
			actErr := target.RecoverOnce(t.Context())

			assert.NoError(t, actErr)
		})
	})

	t.Run("Возвращает ошибку сканирования после всех попыток", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			s := &stock{}
			repo := mocks.NewMockRepository(gomock.NewController(t))
			repo.EXPECT().FindAllUnmodifiedSince(gomock.Any(), gomock.Any()).Return(nil, tcc.ErrPersistence).Times(2)
			target := recovery.New(repo, s.terminator(), recovery.WithScanRetry(2, time.Second))

			// Act
			actErr := target.RecoverOnce(t.Context())

			assert.ErrorIs(t, actErr, tcc.ErrPersistence)
		})
	})

	t.Run("Записывает метрики по исходу", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		repo := memrepo.New()
		require.NoError(t, repo.Create(t.Context(), newRecord(t, tcc.TypeRoot, tcc.StatusConfirming)))
		require.NoError(t, repo.Create(t.Context(), newRecord(t, tcc.TypeBranch, tcc.StatusTrying)))
		target := recovery.New(repo, (&stock{}).terminator(),
			recovery.WithClock(later(2*time.Hour)),
			recovery.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

		// Act
		require.NoError(t, target.RecoverOnce(t.Context()))

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(t.Context(), &rm))
		outcomes := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || m.Name != "tcc.recovery.processed" {
					continue
				}
				for _, dp := range sum.DataPoints {
					outcome, _ := dp.Attributes.Value("tcc.outcome")
					outcomes[outcome.AsString()] += dp.Value
				}
			}
		}
		assert.Equal(t, map[string]int64{"confirmed": 1, "skipped": 1}, outcomes)
	})
}

func TestRecovery_Run(t *testing.T) {
	t.Run("Восстанавливает записи по таймеру до отмены контекста", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			assert_ := assert.New(t)
			s := &stock{}
			repo := memrepo.New()
			require.NoError(t, repo.Create(t.Context(), newRecord(t, tcc.TypeRoot, tcc.StatusConfirming)))
			target := recovery.New(repo, s.terminator(),
				recovery.WithCronInterval(time.Minute),
				recovery.WithRecoverDuration(30*time.Second))
			ctx, cancel := context.WithCancel(t.Context())
			done := make(chan error)

			// Act
			go func() { done <- target.Run(ctx) }()
			time.Sleep(30 * time.Second)
			synctest.Wait()
			before := s.list()
			time.Sleep(time.Minute)
			synctest.Wait()

			assert_.Empty(before)
			assert_.Equal([]string{"stock.Confirm"}, s.list())
			assert_.Equal(0, repo.Len())
			cancel()
			assert_.ErrorIs(<-done, context.Canceled)
		})
	})
}
