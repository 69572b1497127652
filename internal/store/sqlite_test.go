package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
)

func openJournal(t *testing.T, runID string) *SQLiteJournal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), runID)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleOrder(key string, status core.OrderStatus) *core.Order {
	return &core.Order{
		IdempotencyKey: key,
		OrderID:        "ord-" + key,
		Market:         "KRW-BTC",
		Side:           core.SideBuy,
		Type:           core.TypeMarket,
		Funds:          decimal.NewFromInt(10_000),
		Qty:            decimal.Zero,
		Price:          decimal.Zero,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestJournalOrderLifecycle(t *testing.T) {
	j := openJournal(t, "run-1")

	order := sampleOrder("key-1", core.StatusSubmitted)
	require.NoError(t, j.RecordOrder(order))

	pending, err := j.UnterminatedOrders("run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "key-1", pending[0].IdempotencyKey)
	assert.Equal(t, core.SideBuy, pending[0].Side)
	assert.True(t, pending[0].Funds.Equal(decimal.NewFromInt(10_000)))

	// Upsert to terminal removes it from the pending set.
	order.Status = core.StatusFilled
	require.NoError(t, j.RecordOrder(order))

	pending, err = j.UnterminatedOrders("run-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJournalUpsertKeepsOneRow(t *testing.T) {
	j := openJournal(t, "run-1")

	order := sampleOrder("key-1", core.StatusSubmitted)
	require.NoError(t, j.RecordOrder(order))
	order.Status = core.StatusAccepted
	require.NoError(t, j.RecordOrder(order))

	pending, err := j.UnterminatedOrders("run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.StatusAccepted, pending[0].Status)
}

func TestJournalFills(t *testing.T) {
	j := openJournal(t, "run-1")

	require.NoError(t, j.RecordFill(&core.Fill{
		OrderID: "ord-1",
		Market:  "KRW-BTC",
		Side:    core.SideBuy,
		Price:   decimal.NewFromInt(100),
		Qty:     decimal.NewFromFloat(0.5),
		Fee:     decimal.NewFromInt(5),
		TS:      time.Now().UTC(),
	}))
}

func TestJournalRunsAndLastRunID(t *testing.T) {
	j := openJournal(t, "run-2")

	require.NoError(t, j.RecordRun(core.Run{
		RunID:     "run-1",
		Mode:      core.ModeLive,
		StartedAt: time.Now().Add(-time.Hour).UTC(),
	}))
	require.NoError(t, j.RecordRun(core.Run{
		RunID:     "run-2",
		Mode:      core.ModeLive,
		StartedAt: time.Now().UTC(),
	}))

	last, err := j.LastRunID()
	require.NoError(t, err)
	assert.Equal(t, "run-1", last, "own run excluded")
}

func TestJournalLastRunIDEmpty(t *testing.T) {
	j := openJournal(t, "run-1")
	last, err := j.LastRunID()
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestJournalCrossRunIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path, "run-1")
	require.NoError(t, err)
	require.NoError(t, j1.RecordOrder(sampleOrder("key-1", core.StatusAccepted)))
	require.NoError(t, j1.Close())

	j2, err := Open(path, "run-2")
	require.NoError(t, err)
	defer j2.Close()

	pending, err := j2.UnterminatedOrders("run-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "previous run's in-flight order visible for reconcile")

	pending, err = j2.UnterminatedOrders("run-2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
