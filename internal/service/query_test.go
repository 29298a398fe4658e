package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/mocks"
	"github.com/phrazzld/canvas-api/internal/service"
	"github.com/phrazzld/canvas-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := mocks.NewTaskStore()
	svc := service.NewQueryService(tasks, nil)

	owner := uuid.New()
	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 25; i++ {
		task := queuedTask(t, owner)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		task.UpdatedAt = task.CreatedAt
		tasks.Put(task)
		ids = append(ids, task.ID)
	}
	other := queuedTask(t, uuid.New())
	tasks.Put(other)

	t.Run("get own task", func(t *testing.T) {
		got, err := svc.GetTask(ctx, owner, ids[0])
		require.NoError(t, err)
		assert.Equal(t, ids[0], got.ID)
	})

	t.Run("get someone else's task", func(t *testing.T) {
		_, err := svc.GetTask(ctx, owner, other.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("get missing task", func(t *testing.T) {
		_, err := svc.GetTask(ctx, owner, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		page, err := svc.ListTasks(ctx, owner, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 25, page.Total)
		require.Len(t, page.Items, 10)
		assert.Equal(t, ids[24], page.Items[0].ID)

		last, err := svc.ListTasks(ctx, owner, 3, 10)
		require.NoError(t, err)
		require.Len(t, last.Items, 5)
		assert.Equal(t, ids[0], last.Items[4].ID)
	})

	t.Run("list clamps paging", func(t *testing.T) {
		page, err := svc.ListTasks(ctx, owner, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, service.DefaultPageSize, page.PageSize)

		page, err = svc.ListTasks(ctx, owner, 1, 1000)
		require.NoError(t, err)
		assert.Equal(t, service.MaxPageSize, page.PageSize)
		assert.Len(t, page.Items, 25)
	})
}
