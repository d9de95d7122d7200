package memrepo

import (
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/repository/repositorytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestRepository(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) tcc.Repository {
		return New(WithShards(4))
	})
}

func TestRepository_Update(t *testing.T) {
	t.Run("Отмечает запись временем своих часов", func(t *testing.T) {
		assert_ := assert.New(t)
		at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		target := New(WithClock(func() time.Time { return at }))
		tx := tcc.NewTransaction(tcc.NewXid(), tcc.TypeBranch)
		require.NoError(t, target.Create(t.Context(), tx))

		// Act
		actErr := target.Update(t.Context(), tx)

		assert_.NoError(actErr)
		assert_.Equal(at, tx.LastUpdateTime())
		found, err := target.FindAllUnmodifiedSince(t.Context(), at.Add(time.Second))
		require.NoError(t, err)
		assert_.Len(found, 1)
	})

	t.Run("Не разделяет состояние с вызывающим", func(t *testing.T) {
		assert_ := assert.New(t)
		target := New()
		tx := tcc.NewTransaction(tcc.NewXid(), tcc.TypeRoot)
		require.NoError(t, target.Create(t.Context(), tx))

		// Act
		require.NoError(t, tx.ChangeStatus(tcc.StatusCancelling))

		found, err := target.FindByXid(t.Context(), tx.Xid())
		require.NoError(t, err)
		assert_.Equal(tcc.StatusTrying, found.Status())
		assert_.Equal(1, target.Len())
	})
}
