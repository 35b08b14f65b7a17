package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/veriline/veriline/internal/clock"
	quotadomain "github.com/veriline/veriline/internal/quota/domain"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&quotadomain.MonthlyUsage{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)),
	}).(*Service)
	return svc, conn
}

func TestMonthKey(t *testing.T) {
	assert.Equal(t, "2026-03", quotadomain.MonthKey(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
	// Local times normalize to UTC before bucketing.
	loc := time.FixedZone("UTC+5", 5*3600)
	assert.Equal(t, "2026-03", quotadomain.MonthKey(time.Date(2026, 4, 1, 3, 0, 0, 0, loc)))
}

func TestCurrentReturnsZeroBucketWhenAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(201)
	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	usage, err := svc.Current(ctx, userID, at)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.QuotaUsed)
	assert.Equal(t, int64(0), usage.OverageUsed)
	assert.Equal(t, "2026-03", usage.MonthKey)
}

func TestAddTxInsertsThenIncrements(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(202)
	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.AddTx(ctx, tx, userID, at, 250, 0)
	}))
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.AddTx(ctx, tx, userID, at, 100, 45)
	}))

	usage, err := svc.Current(ctx, userID, at)
	require.NoError(t, err)
	assert.Equal(t, int64(350), usage.QuotaUsed)
	assert.Equal(t, int64(45), usage.OverageUsed)
}

func TestAddTxZeroDeltasIsNoOp(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(203)
	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.AddTx(ctx, tx, userID, at, 0, 0)
	}))

	var count int64
	require.NoError(t, conn.Model(&quotadomain.MonthlyUsage{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestUsageBucketsAreMonthScoped(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(204)
	march := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	april := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.AddTx(ctx, tx, userID, march, 500, 0)
	}))

	usage, err := svc.Current(ctx, userID, april)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.QuotaUsed)
}
