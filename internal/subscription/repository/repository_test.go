package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/smallbiznis/rebill/internal/subscription/domain"
)

func newTestRepo(t *testing.T) (domain.Repository, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Subscription{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return Provide(db), node
}

func newTestSub(node *snowflake.Node) *domain.Subscription {
	return &domain.Subscription{
		ID:              node.Generate(),
		PurchasedEntity: "plan:pro",
		Title:           "Pro plan",
		Quantity:        1,
		UnitPrice:       3000,
		Currency:        "USD",
		State:           domain.StatePending,
		StartsAt:        time.Date(2019, 2, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpdate_StampsUpdatedAt(t *testing.T) {
	repo, node := newTestRepo(t)
	sub := newTestSub(node)
	require.NoError(t, repo.Create(context.Background(), sub))

	created, err := repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)

	sub.State = domain.StateActive
	require.NoError(t, repo.Update(context.Background(), sub))

	stored, err := repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State)
	assert.False(t, stored.UpdatedAt.Before(created.UpdatedAt))
	assert.False(t, stored.UpdatedAt.IsZero())
}

func TestFindByIDForUpdate_FallsBackToPoolWithoutTx(t *testing.T) {
	repo, node := newTestRepo(t)
	sub := newTestSub(node)
	require.NoError(t, repo.Create(context.Background(), sub))

	got, err := repo.FindByIDForUpdate(context.Background(), nil, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	_, err = repo.FindByIDForUpdate(context.Background(), nil, node.Generate())
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}
