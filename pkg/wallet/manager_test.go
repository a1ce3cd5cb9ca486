package wallet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
)

func testManager(t *testing.T, defs []config.WalletDef) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	cfg := &config.Config{
		Wallets:                   defs,
		WMDBPath:                  dbPath,
		IntentTTL:                 time.Minute,
		ReservationReaperInterval: time.Hour,
	}
	m, err := Open(context.Background(), cfg, zerolog.Nop(), clock.Fixed{At: time.Now()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testKeypairBase58 is a syntactically valid 64-byte base58-encoded keypair
// (not tied to any real chain account) used so wallet construction can
// exercise real key parsing without a live keystore.
const testKeypairBase58 = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"

func walletDef(t *testing.T, id, class string, maxPos float64, maxConcurrent int) config.WalletDef {
	t.Helper()
	t.Setenv("TEST_KEY_"+id, testKeypairBase58)
	return config.WalletDef{
		WalletID:     id,
		Class:        class,
		KeySourceRef: "env:TEST_KEY_" + id,
		Allocations:  map[string]float64{"momentum": 100},
		Limits: config.WalletLimitsDef{
			DailyLossCap:           1000,
			MaxPosition:            maxPos,
			MaxConcurrentPositions: maxConcurrent,
			MaxExposurePct:         80,
			DailyTradeCap:          50,
		},
	}
}

func TestSelectPicksLowestUtilizationWallet(t *testing.T) {
	defs := []config.WalletDef{
		walletDef(t, "wallet-b", "HFT", 1000, 5),
		walletDef(t, "wallet-a", "HFT", 1000, 5),
	}
	m := testManager(t, defs)

	tokA, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)
	_ = tokA

	sel, err := m.Select(SelectionCriteria{Strategy: "momentum", RequiredCapacity: 10, RiskTolerance: 0.9})
	require.NoError(t, err)
	require.Equal(t, "wallet-b", sel.WalletID)
}

func TestSelectFiltersByClassForRiskTolerance(t *testing.T) {
	defs := []config.WalletDef{
		walletDef(t, "wallet-cons", "Conservative", 1000, 5),
		walletDef(t, "wallet-hft", "HFT", 1000, 5),
	}
	m := testManager(t, defs)

	sel, err := m.Select(SelectionCriteria{Strategy: "momentum", RequiredCapacity: 10, RiskTolerance: 0.1})
	require.NoError(t, err)
	require.Equal(t, "wallet-cons", sel.WalletID)

	sel, err = m.Select(SelectionCriteria{Strategy: "momentum", RequiredCapacity: 10, RiskTolerance: 0.9})
	require.NoError(t, err)
	require.Equal(t, "wallet-hft", sel.WalletID)
}

func TestSelectReturnsNoneAvailableWhenNothingMatches(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 5)})
	_, err := m.Select(SelectionCriteria{Strategy: "mean_reversion", RequiredCapacity: 10, RiskTolerance: 0.9})
	require.ErrorIs(t, err, ErrNoWalletAvailable)
}

func TestReserveCommitReleaseLifecycle(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 5)})

	tok, err := m.Reserve("wallet-a", "SOL/USDC", 200)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Token)

	err = m.Commit(tok.Token, "pos-1", 100, 95, 110)
	require.NoError(t, err)

	_, err = m.takeReservation(tok.Token)
	require.ErrorIs(t, err, ErrUnknownReservation)

	err = m.ClosePosition("wallet-a", "pos-1", -10)
	require.NoError(t, err)
}

func TestClosePositionPausesWalletOnceDailyLossCapReached(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 5)})

	tok, err := m.Reserve("wallet-a", "SOL/USDC", 200)
	require.NoError(t, err)
	require.NoError(t, m.Commit(tok.Token, "pos-1", 100, 95, 110))
	require.NoError(t, m.ClosePosition("wallet-a", "pos-1", -1000))

	_, err = m.Reserve("wallet-a", "SOL/USDC", 100)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRecordExecutionOutcomeFeedsSelectTieBreak(t *testing.T) {
	m := testManager(t, []config.WalletDef{
		walletDef(t, "wallet-a", "HFT", 1000, 5),
		walletDef(t, "wallet-b", "HFT", 1000, 5),
	})

	require.NoError(t, m.RecordExecutionOutcome("wallet-a", 5_000, 500*time.Millisecond, true))
	require.NoError(t, m.RecordExecutionOutcome("wallet-b", 150_000, 20_000*time.Millisecond, false))

	w, err := m.Select(SelectionCriteria{Strategy: "momentum", RequiredCapacity: 10, RiskTolerance: 0.9})
	require.NoError(t, err)
	require.Equal(t, "wallet-a", w.WalletID)
}

func TestReserveRejectsBeyondMaxConcurrentPositions(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 1)})

	_, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)

	_, err = m.Reserve("wallet-a", "SOL/USDC", 100)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestReleaseReturnsCapacity(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 1)})

	tok, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)
	require.NoError(t, m.Release(tok.Token))

	tok2, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)
	require.NotEmpty(t, tok2.Token)
}

func TestEmergencyStopAllBlocksReservationsAndReactivateRestores(t *testing.T) {
	m := testManager(t, []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 5)})

	m.EmergencyStopAll()
	_, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.ErrorIs(t, err, ErrLimitExceeded)

	require.NoError(t, m.Reactivate("wallet-a"))
	_, err = m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)
}

func TestReapLeakedReservationsReleasesStaleTokens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	clk := &stepClock{now: time.Now()}
	cfg := &config.Config{
		Wallets:                   []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 1)},
		WMDBPath:                  dbPath,
		IntentTTL:                 time.Minute,
		ReservationReaperInterval: time.Hour,
	}
	m, err := Open(context.Background(), cfg, zerolog.Nop(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)

	clk.now = clk.now.Add(2 * time.Minute)
	m.reapLeakedReservations()

	tok2, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)
	require.NotEmpty(t, tok2.Token)
}

func TestSnapshotAggregatesAcrossActiveWallets(t *testing.T) {
	defs := []config.WalletDef{
		walletDef(t, "wallet-a", "HFT", 1000, 5),
		walletDef(t, "wallet-b", "HFT", 500, 5),
	}
	m := testManager(t, defs)

	_, err := m.Reserve("wallet-a", "SOL/USDC", 100)
	require.NoError(t, err)

	de, ra, limits := m.Snapshot(context.Background(), "SOL/USDC")
	require.Equal(t, 1, de.OpenPositions)
	require.Equal(t, 100.0, ra.WalletExposure)
	require.Equal(t, 1500.0, limits.MaxPosition)
}

func TestReloadPicksUpAnotherProcessesReservations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	defs := []config.WalletDef{walletDef(t, "wallet-a", "HFT", 1000, 5)}
	cfg := &config.Config{
		Wallets:                   defs,
		WMDBPath:                  dbPath,
		IntentTTL:                 time.Minute,
		ReservationReaperInterval: time.Hour,
	}

	writer, err := Open(context.Background(), cfg, zerolog.Nop(), clock.Fixed{At: time.Now()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	reader, err := Open(context.Background(), cfg, zerolog.Nop(), clock.Fixed{At: time.Now()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	_, err = writer.Reserve("wallet-a", "SOL/USDC", 250)
	require.NoError(t, err)

	de, _, _ := reader.Snapshot(context.Background(), "SOL/USDC")
	require.Equal(t, 0, de.OpenPositions, "reader has not reloaded yet")

	require.NoError(t, reader.Reload())

	de, _, _ = reader.Snapshot(context.Background(), "SOL/USDC")
	require.Equal(t, 1, de.OpenPositions)
}

// stepClock is a manually-advanceable clock.Clock for reaper tests.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }
