// Package orderbook reads resting orders for a market and picks the maker
// a taker is matched against.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/program"
)

var ErrNoEligibleMaker = errors.New("no eligible maker")

// orderMarketOffset is the byte offset of Order.Market.
const orderMarketOffset = 8

type RestingOrder struct {
	Address solana.PublicKey
	Order   *program.Order
}

type Reader interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters ...rpc.RPCFilter) (rpc.GetProgramAccountsResult, error)
}

type Book struct {
	ledger    Reader
	programID solana.PublicKey
	logger    *slog.Logger
}

func NewBook(reader Reader, orderbookProgram solana.PublicKey, logger *slog.Logger) *Book {
	return &Book{ledger: reader, programID: orderbookProgram, logger: logger}
}

func (b *Book) Market(ctx context.Context, marketState solana.PublicKey) (*program.MarketState, error) {
	data, err := b.ledger.AccountData(ctx, marketState)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", marketState, err)
	}
	state, err := program.DecodeMarketState(data)
	if err != nil {
		return nil, fmt.Errorf("decode market %s: %w", marketState, err)
	}
	return state, nil
}

// RestingOrders returns the open orders of one market. Accounts that fail
// to parse are logged and skipped.
func (b *Book) RestingOrders(ctx context.Context, marketState solana.PublicKey) ([]RestingOrder, error) {
	accounts, err := b.ledger.ProgramAccounts(ctx, b.programID,
		ledger.MemcmpFilter(0, program.OrderDiscriminator[:]),
		ledger.MemcmpFilter(orderMarketOffset, marketState.Bytes()),
	)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts orders: %w", err)
	}

	out := make([]RestingOrder, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		order, err := program.DecodeOrder(item.Account.Data.GetBinary())
		if err != nil {
			b.logger.Warn("failed to parse order account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		if !order.IsOpen() {
			continue
		}
		out = append(out, RestingOrder{Address: item.Pubkey, Order: order})
	}
	return out, nil
}

// SelectMaker picks the resting order a taker on takerSide trades against:
// the cheapest ask for a bid taker, the highest bid for an ask taker, ties
// going to the lowest sequence number.
func SelectMaker(orders []RestingOrder, takerSide program.Side) (RestingOrder, error) {
	want := takerSide.Opposite()
	candidates := make([]RestingOrder, 0, len(orders))
	for _, o := range orders {
		if o.Order != nil && o.Order.Side == want && o.Order.IsOpen() {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return RestingOrder{}, fmt.Errorf("%w: no open %s orders", ErrNoEligibleMaker, want)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Order, candidates[j].Order
		if a.Price != b.Price {
			if want == program.SideAsk {
				return a.Price < b.Price
			}
			return a.Price > b.Price
		}
		return a.Seq < b.Seq
	})
	return candidates[0], nil
}

// Crosses reports whether a taker at takerPrice can trade with maker.
func Crosses(takerSide program.Side, takerPrice uint64, maker *program.Order) bool {
	if maker == nil || maker.Side == takerSide {
		return false
	}
	if takerSide == program.SideBid {
		return takerPrice >= maker.Price
	}
	return takerPrice <= maker.Price
}
