// Package repositorytest checks that a tcc.Repository honours the repository contract.
package repositorytest

import (
	"github.com/go-faker/faker/v4"
	"github.com/qbixus/tcc-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// Run runs the conformance suite against repositories returned by newRepo. Every subtest gets a fresh
// repository.
func Run(t *testing.T, newRepo func(t *testing.T) tcc.Repository) {
	t.Run("Create сохраняет запись", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		tx := newTransaction(t)

		// Act
		actErr := target.Create(t.Context(), tx)

		require.NoError(t, actErr)
		found, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(tx.Xid(), found.Xid())
		assert_.Equal(tcc.StatusTrying, found.Status())
		assert_.Equal(tcc.TypeRoot, found.Type())
		assert_.Equal(int64(1), found.Version())
		assert_.Equal(tx.Participants(), found.Participants())
		v, ok := found.Attachment("origin")
		assert_.True(ok)
		assert_.Equal("repositorytest", v)
	})

	t.Run("Create отклоняет повторный Xid", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		key := faker.UUIDHyphenated()
		require.NoError(t, target.Create(t.Context(), tcc.NewTransaction(tcc.NewXidFromKey(key), tcc.TypeRoot)))

		// Act
		actErr := target.Create(t.Context(), tcc.NewTransaction(tcc.NewXidFromKey(key), tcc.TypeRoot))

		assert_.ErrorIs(actErr, tcc.ErrDuplicateXid)
		assert_.ErrorIs(actErr, tcc.ErrPersistence)
	})

	t.Run("Update увеличивает версию", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		tx := newTransaction(t)
		require.NoError(t, target.Create(t.Context(), tx))
		require.NoError(t, tx.ChangeStatus(tcc.StatusConfirming))

		// Act
		actErr := target.Update(t.Context(), tx)

		require.NoError(t, actErr)
		assert_.Equal(int64(2), tx.Version())
		found, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(int64(2), found.Version())
		assert_.Equal(tcc.StatusConfirming, found.Status())
	})

	t.Run("Update отклоняет устаревшую версию и не меняет запись", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		tx := newTransaction(t)
		require.NoError(t, target.Create(t.Context(), tx))
		winner, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		loser, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		require.NoError(t, winner.ChangeStatus(tcc.StatusConfirming))
		require.NoError(t, target.Update(t.Context(), winner))
		require.NoError(t, loser.ChangeStatus(tcc.StatusCancelling))

		// Act
		actErr := target.Update(t.Context(), loser)

		assert_.ErrorIs(actErr, tcc.ErrStaleVersion)
		assert_.Equal(int64(1), loser.Version())
		found, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(winner.Version(), found.Version())
		assert_.Equal(tcc.StatusConfirming, found.Status())
	})

	t.Run("Update отсутствующей записи возвращает ErrTransactionNotFound", func(t *testing.T) {
		target := newRepo(t)

		// Act
		actErr := target.Update(t.Context(), newTransaction(t))

		assert.ErrorIs(t, actErr, tcc.ErrTransactionNotFound)
	})

	t.Run("Из двух конкурентных Update с одной версией успешен ровно один", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		tx := newTransaction(t)
		require.NoError(t, target.Create(t.Context(), tx))
		copies := make([]*tcc.Transaction, 2)
		for i := range copies {
			c, err := target.FindByXid(t.Context(), tx.Xid())
			require.NoError(t, err)
			c.AddRetriedCount()
			copies[i] = c
		}

		// Act
		var wg sync.WaitGroup
		errs := make([]error, len(copies))
		start := make(chan struct{})
		for i, c := range copies {
			wg.Go(func() {
				<-start
				errs[i] = target.Update(t.Context(), c)
			})
		}
		close(start)
		wg.Wait()

		succeeded, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case assert_.ErrorIs(err, tcc.ErrStaleVersion):
				stale++
			}
		}
		assert_.Equal(1, succeeded)
		assert_.Equal(1, stale)
		found, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(int64(2), found.Version())
	})

	t.Run("Delete удаляет запись", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		tx := newTransaction(t)
		require.NoError(t, target.Create(t.Context(), tx))

		// Act
		actErr := target.Delete(t.Context(), tx)

		assert_.NoError(actErr)
		_, err := target.FindByXid(t.Context(), tx.Xid())
		assert_.ErrorIs(err, tcc.ErrTransactionNotFound)
	})

	t.Run("Delete отсутствующей записи не является ошибкой", func(t *testing.T) {
		target := newRepo(t)

		// Act
		actErr := target.Delete(t.Context(), newTransaction(t))

		assert.NoError(t, actErr)
	})

	t.Run("FindByXid отсутствующей записи возвращает ErrTransactionNotFound", func(t *testing.T) {
		target := newRepo(t)

		// Act
		_, actErr := target.FindByXid(t.Context(), tcc.NewXid())

		assert.ErrorIs(t, actErr, tcc.ErrTransactionNotFound)
	})

	t.Run("FindAllUnmodifiedSince возвращает только давно не изменявшиеся записи", func(t *testing.T) {
		assert_ := assert.New(t)
		target := newRepo(t)
		before := time.Now().Add(-time.Hour)
		first, second := newTransaction(t), newTransaction(t)
		require.NoError(t, target.Create(t.Context(), first))
		require.NoError(t, target.Create(t.Context(), second))

		// Act
		none, errNone := target.FindAllUnmodifiedSince(t.Context(), before)
		all, errAll := target.FindAllUnmodifiedSince(t.Context(), time.Now().Add(time.Hour))

		require.NoError(t, errNone)
		require.NoError(t, errAll)
		assert_.Empty(none)
		xids := []tcc.Xid{}
		for _, tx := range all {
			xids = append(xids, tx.Xid())
		}
		assert_.ElementsMatch([]tcc.Xid{first.Xid(), second.Xid()}, xids)
	})

	t.Run("FindAllUnmodifiedSince возвращает записи от старых к новым", func(t *testing.T) {
		target := newRepo(t)
		now := time.Now()
		var expected []tcc.Xid
		for _, age := range []time.Duration{2 * time.Hour, 5 * time.Hour, time.Hour, 3 * time.Hour} {
			tx := newTransaction(t)
			tx.ResetVersion(1, now.Add(-age))
			require.NoError(t, target.Create(t.Context(), tx))
			expected = append(expected, tx.Xid())
		}
		expected = []tcc.Xid{expected[1], expected[3], expected[0], expected[2]}

		// Act
		found, actErr := target.FindAllUnmodifiedSince(t.Context(), now)

		require.NoError(t, actErr)
		actual := make([]tcc.Xid, 0, len(found))
		for _, tx := range found {
			actual = append(actual, tx.Xid())
		}
		assert.Equal(t, expected, actual)
	})
}

func newTransaction(t *testing.T) *tcc.Transaction {
	t.Helper()
	tx := tcc.NewTransaction(tcc.NewXid(), tcc.TypeRoot)
	confirm, err := tcc.NewInvocation(faker.Word(), "Confirm", map[string]string{"id": faker.UUIDHyphenated()})
	require.NoError(t, err)
	cancel, err := tcc.NewInvocation(confirm.Target, "Cancel", nil)
	require.NoError(t, err)
	require.NoError(t, tx.EnlistParticipant(tcc.NewParticipant(tx.Xid().NewBranch(), confirm, cancel, "")))
	tx.SetAttachment("origin", "repositorytest")
	return tx
}
