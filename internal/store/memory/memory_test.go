package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengrove/marketd/internal/domain"
)

func TestExecute_RollsBackOnError(t *testing.T) {
	st := New()
	addr := common.HexToAddress("0x01")
	boom := errors.New("boom")

	err := st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		if err := s.Escrow.Create(ctx, domain.EscrowAccount{Address: addr, Balance: 100}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The failed unit left nothing behind.
	err = st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		_, err := s.Escrow.Get(ctx, addr)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdate_StaleVersionConflicts(t *testing.T) {
	st := New()
	addr := common.HexToAddress("0x01")

	require.NoError(t, st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Escrow.Create(ctx, domain.EscrowAccount{Address: addr, Balance: 100})
	}))

	var stale domain.EscrowAccount
	require.NoError(t, st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		var err error
		stale, err = s.Escrow.Get(ctx, addr)
		return err
	}))

	// First writer wins.
	require.NoError(t, st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		acct := stale
		acct.Balance = 200
		return s.Escrow.Update(ctx, acct)
	}))

	// Second writer carries the stale version and loses.
	err := st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		acct := stale
		acct.Balance = 300
		return s.Escrow.Update(ctx, acct)
	})
	assert.ErrorIs(t, err, domain.ErrRecordConflict)

	require.NoError(t, st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		acct, err := s.Escrow.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), acct.Balance)
		return nil
	}))
}

func TestTradeStore_ClosedVersusNeverExisted(t *testing.T) {
	st := New()
	addr := common.HexToAddress("0xaa")

	err := st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		_, err := s.Trades.Get(ctx, addr)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrTradeStateNotInitialized)

	require.NoError(t, st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		if err := s.Trades.Open(ctx, domain.TradeRecord{Address: addr, Side: domain.SideSeller}); err != nil {
			return err
		}
		return s.Trades.Close(ctx, addr)
	}))

	err = st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		_, err := s.Trades.Get(ctx, addr)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrEmptyTradeState)

	// Reopening identical terms clears the tombstone.
	require.NoError(t, st.Execute(context.Background(), func(ctx context.Context, s domain.Stores) error {
		return s.Trades.Open(ctx, domain.TradeRecord{Address: addr, Side: domain.SideSeller})
	}))
	require.NoError(t, st.View(context.Background(), func(ctx context.Context, s domain.Stores) error {
		_, err := s.Trades.Get(ctx, addr)
		return err
	}))
}
