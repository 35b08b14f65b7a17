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

	billingdomain "github.com/veriline/veriline/internal/billing/domain"
	"github.com/veriline/veriline/internal/clock"
	"github.com/veriline/veriline/pkg/db/pagination"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&billingdomain.Account{},
		&billingdomain.Transaction{},
	))
	return conn
}

func newTestService(t *testing.T, conn *gorm.DB) (*Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clk,
	}).(*Service)
	return svc, clk
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(101)

	account, err := svc.EnsureAccount(ctx, userID, "free", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, account.BonusUnits)

	// A repeat call must not reset the row.
	require.NoError(t, svc.Credit(ctx, userID, 500, billingdomain.ReasonTopup))
	account, err = svc.EnsureAccount(ctx, userID, "free", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.Credits)
}

func TestDebitInsufficientBalance(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(102)

	_, err := svc.EnsureAccount(ctx, userID, "starter", 0)
	require.NoError(t, err)
	require.NoError(t, svc.Credit(ctx, userID, 249, billingdomain.ReasonTopup))

	err = svc.Debit(ctx, userID, 250, billingdomain.ReasonVerificationCharge)
	assert.ErrorIs(t, err, billingdomain.ErrInsufficientBalance)

	// The failed debit left no trace.
	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(249), account.Credits)
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(103)

	_, err := svc.EnsureAccount(ctx, userID, "starter", 0)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Debit(ctx, userID, 0, billingdomain.ReasonAdjustment), billingdomain.ErrInvalidAmount)
	assert.ErrorIs(t, svc.Debit(ctx, userID, -5, billingdomain.ReasonAdjustment), billingdomain.ErrInvalidAmount)
}

func TestTransactionSumMatchesBalance(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(104)

	_, err := svc.EnsureAccount(ctx, userID, "starter", 0)
	require.NoError(t, err)

	require.NoError(t, svc.Credit(ctx, userID, 10_000, billingdomain.ReasonTopup))
	require.NoError(t, svc.Debit(ctx, userID, 250, billingdomain.ReasonVerificationCharge))
	require.NoError(t, svc.Debit(ctx, userID, 325, billingdomain.ReasonVerificationCharge))
	require.NoError(t, svc.Credit(ctx, userID, 325, billingdomain.ReasonVerificationRefund))

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)

	sum, err := svc.TransactionSum(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, account.Credits, sum)
	assert.Equal(t, int64(9750), sum)
}

func TestSpendBonusUnit(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(105)

	_, err := svc.EnsureAccount(ctx, userID, "free", 1)
	require.NoError(t, err)

	verificationID := snowflake.ID(9001)
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.SpendBonusUnitTx(ctx, tx, userID, &verificationID)
	}))

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, account.BonusUnits)

	// Exhausted.
	err = conn.Transaction(func(tx *gorm.DB) error {
		return svc.SpendBonusUnitTx(ctx, tx, userID, &verificationID)
	})
	assert.ErrorIs(t, err, billingdomain.ErrNoBonusUnits)
}

func TestRefundRestoresExactlyOneResource(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(106)

	_, err := svc.EnsureAccount(ctx, userID, "free", 5)
	require.NoError(t, err)
	require.NoError(t, svc.Credit(ctx, userID, 1000, billingdomain.ReasonTopup))

	// Monetary refund touches credits only.
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.RefundTx(ctx, tx, billingdomain.RefundRequest{
			UserID: userID, VerificationID: snowflake.ID(1), Cost: 250,
		})
	}))
	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), account.Credits)
	assert.Equal(t, 5, account.BonusUnits)

	// Bonus refund touches bonus units only.
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.RefundTx(ctx, tx, billingdomain.RefundRequest{
			UserID: userID, VerificationID: snowflake.ID(2), Cost: 0,
		})
	}))
	account, err = svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), account.Credits)
	assert.Equal(t, 6, account.BonusUnits)
}

func TestListTransactionsPaginates(t *testing.T) {
	conn := openTestDB(t)
	svc, _ := newTestService(t, conn)
	ctx := context.Background()
	userID := snowflake.ID(107)

	_, err := svc.EnsureAccount(ctx, userID, "starter", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Credit(ctx, userID, 100, billingdomain.ReasonTopup))
	}

	rows, info, err := svc.ListTransactions(ctx, userID, pagination.Pagination{PageSize: 3})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	require.NotNil(t, info)
	require.True(t, info.HasMore)

	rows, info, err = svc.ListTransactions(ctx, userID, pagination.Pagination{
		PageSize: 3, PageToken: info.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.False(t, info.HasMore)
}
