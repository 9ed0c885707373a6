package orderbook_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/ledger/ledgertest"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
)

func resting(side program.Side, price, seq uint64) orderbook.RestingOrder {
	return orderbook.RestingOrder{
		Address: solana.NewWallet().PublicKey(),
		Order:   &program.Order{Side: side, Price: price, Seq: seq, Status: program.OrderOpen},
	}
}

func TestSelectMakerPricePriorityThenSequence(t *testing.T) {
	orders := []orderbook.RestingOrder{
		resting(program.SideAsk, 105, 3),
		resting(program.SideAsk, 100, 1),
		resting(program.SideAsk, 100, 2),
	}
	maker, err := orderbook.SelectMaker(orders, program.SideBid)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), maker.Order.Price)
	assert.Equal(t, uint64(1), maker.Order.Seq)
}

func TestSelectMakerHighestBidForSeller(t *testing.T) {
	orders := []orderbook.RestingOrder{
		resting(program.SideBid, 90, 1),
		resting(program.SideBid, 95, 4),
		resting(program.SideBid, 95, 2),
		resting(program.SideAsk, 120, 0),
	}
	maker, err := orderbook.SelectMaker(orders, program.SideAsk)
	require.NoError(t, err)
	assert.Equal(t, uint64(95), maker.Order.Price)
	assert.Equal(t, uint64(2), maker.Order.Seq)
}

func TestSelectMakerIgnoresSameSideAndClosed(t *testing.T) {
	filled := resting(program.SideAsk, 10, 0)
	filled.Order.Status = program.OrderFilled
	orders := []orderbook.RestingOrder{filled, resting(program.SideBid, 100, 1)}

	_, err := orderbook.SelectMaker(orders, program.SideBid)
	assert.ErrorIs(t, err, orderbook.ErrNoEligibleMaker)

	_, err = orderbook.SelectMaker(nil, program.SideAsk)
	assert.ErrorIs(t, err, orderbook.ErrNoEligibleMaker)
}

func TestCrosses(t *testing.T) {
	ask := &program.Order{Side: program.SideAsk, Price: 50}
	assert.True(t, orderbook.Crosses(program.SideBid, 50, ask))
	assert.True(t, orderbook.Crosses(program.SideBid, 51, ask))
	assert.False(t, orderbook.Crosses(program.SideBid, 49, ask))
	assert.False(t, orderbook.Crosses(program.SideAsk, 40, ask))

	bid := &program.Order{Side: program.SideBid, Price: 50}
	assert.True(t, orderbook.Crosses(program.SideAsk, 45, bid))
	assert.False(t, orderbook.Crosses(program.SideAsk, 55, bid))
}

func TestRestingOrdersReadsOpenOrdersOfMarket(t *testing.T) {
	world := ledgertest.NewWorld()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := orderbook.NewBook(ledger.New(world.Ledger, ledger.Config{}, logger), world.Programs.Orderbook, logger)

	maker := solana.NewWallet().PublicKey()
	first := world.RestOrder(maker, program.SideAsk, 50, 10)
	second := world.RestOrder(maker, program.SideBid, 40, 3)

	orders, err := book.RestingOrders(context.Background(), world.MarketState)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	byAddress := map[solana.PublicKey]*program.Order{}
	for _, o := range orders {
		byAddress[o.Address] = o.Order
	}
	assert.Equal(t, uint64(0), byAddress[first].Seq)
	assert.Equal(t, uint64(1), byAddress[second].Seq)

	market, err := book.Market(context.Background(), world.MarketState)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), market.OrderSeq)
}
