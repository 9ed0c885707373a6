package main

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/coldbell/confidex/backend/internal/bundle"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/trader"
)

var (
	marketFlag = &cli.StringFlag{
		Name:     "market",
		Usage:    "market state account",
		Required: true,
	}
	baseCollateralFlag = &cli.StringFlag{
		Name:     "base-collateral",
		Usage:    "collateral mint wrapped by the base confidential mint",
		Required: true,
	}
	quoteCollateralFlag = &cli.StringFlag{
		Name:     "quote-collateral",
		Usage:    "collateral mint wrapped by the quote confidential mint",
		Required: true,
	}
	sideFlag = &cli.StringFlag{
		Name:     "side",
		Usage:    "bid or ask",
		Required: true,
	}
	sizeFlag = &cli.Uint64Flag{
		Name:     "size",
		Usage:    "order size in base units",
		Required: true,
	}
	priceFlag = &cli.Uint64Flag{
		Name:     "price",
		Usage:    "limit price in quote units per base unit",
		Required: true,
	}
	wrapFlag = &cli.Uint64Flag{
		Name:  "wrap",
		Usage: "collateral to wrap into the committed side before placing",
	}
	unwrapFlag = &cli.BoolFlag{
		Name:  "unwrap",
		Usage: "unwrap the proceeds back to collateral after the match",
	}
	mintFlag = &cli.StringFlag{
		Name:     "mint",
		Usage:    "confidential mint",
		Required: true,
	}
)

type tradeOutput struct {
	BundleID       string   `json:"bundleId"`
	Order          string   `json:"order"`
	Maker          string   `json:"maker"`
	Base           uint64   `json:"base"`
	Quote          uint64   `json:"quote"`
	Price          uint64   `json:"price"`
	PreSignatures  []string `json:"preSignatures"`
	PlaceSignature string   `json:"placeSignature"`
	MatchSignature string   `json:"matchSignature,omitempty"`
	PostSignatures []string `json:"postSignatures"`
}

var commandTrade = &cli.Command{
	Name:  "trade",
	Usage: "place a taker order and settle it against the best resting maker",
	Flags: []cli.Flag{
		marketFlag,
		baseCollateralFlag,
		quoteCollateralFlag,
		sideFlag,
		sizeFlag,
		priceFlag,
		wrapFlag,
		unwrapFlag,
	},
	Action: func(c *cli.Context) error {
		market, err := pubkeyFlag(c, marketFlag.Name)
		if err != nil {
			return err
		}
		baseCollateral, err := pubkeyFlag(c, baseCollateralFlag.Name)
		if err != nil {
			return err
		}
		quoteCollateral, err := pubkeyFlag(c, quoteCollateralFlag.Name)
		if err != nil {
			return err
		}
		side, err := program.ParseSide(c.String(sideFlag.Name))
		if err != nil {
			return err
		}
		req := trader.TradeRequest{
			Market: bundle.Market{
				State:           market,
				BaseCollateral:  baseCollateral,
				QuoteCollateral: quoteCollateral,
			},
			Side:           side,
			Size:           c.Uint64(sizeFlag.Name),
			Price:          c.Uint64(priceFlag.Name),
			WrapAmount:     c.Uint64(wrapFlag.Name),
			UnwrapProceeds: c.Bool(unwrapFlag.Name),
		}

		return withTrader(c, func(ctx context.Context, t *trader.Trader) error {
			res, err := t.Trade(ctx, req)
			if err != nil {
				return err
			}
			out := tradeOutput{
				BundleID:       res.Settlement.ID,
				Order:          res.Order.String(),
				Maker:          res.Maker.String(),
				Base:           res.Fill.Base,
				Quote:          res.Fill.Quote,
				Price:          res.Fill.Price,
				PreSignatures:  signatureStrings(res.Settlement.PreSignatures),
				PlaceSignature: res.Settlement.PlaceSignature.String(),
				PostSignatures: signatureStrings(res.Settlement.PostSignatures),
			}
			if res.Settlement.MatchSignature != (solana.Signature{}) {
				out.MatchSignature = res.Settlement.MatchSignature.String()
			}
			return printOutput(c, out, func() {
				fmt.Printf("Bundle:  %s\n", out.BundleID)
				fmt.Printf("Order:   %s\n", out.Order)
				fmt.Printf("Maker:   %s\n", out.Maker)
				fmt.Printf("Filled:  %d base for %d quote at %d\n", out.Base, out.Quote, out.Price)
				fmt.Printf("Match:   %s\n", out.MatchSignature)
			})
		})
	},
}

type balanceOutput struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	Display  string `json:"display"`
	Decimals uint8  `json:"decimals"`
}

var commandBalance = &cli.Command{
	Name:  "balance",
	Usage: "decrypt the owner's balance of a confidential mint",
	Flags: []cli.Flag{mintFlag},
	Action: func(c *cli.Context) error {
		mint, err := pubkeyFlag(c, mintFlag.Name)
		if err != nil {
			return err
		}
		return withTrader(c, func(ctx context.Context, t *trader.Trader) error {
			balance, err := t.Balance(ctx, mint)
			if err != nil {
				return err
			}
			out := balanceOutput{
				Account:  balance.Account.String(),
				Amount:   balance.Amount.ToBig().String(),
				Display:  balance.Display(),
				Decimals: balance.Decimals,
			}
			return printOutput(c, out, func() {
				fmt.Printf("Account: %s\n", out.Account)
				fmt.Printf("Balance: %s\n", out.Display)
			})
		})
	},
}

func signatureStrings(sigs []solana.Signature) []string {
	out := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, sig.String())
	}
	return out
}
