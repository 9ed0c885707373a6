package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/coldbell/confidex/backend/internal/notes"
	"github.com/coldbell/confidex/backend/internal/trader"
)

var (
	collateralFlag = &cli.StringFlag{
		Name:     "collateral",
		Usage:    "collateral mint to deposit",
		Required: true,
	}
	amountFlag = &cli.Uint64Flag{
		Name:     "amount",
		Usage:    "amount in collateral base units",
		Required: true,
	}
	noteFlag = &cli.StringFlag{
		Name:     "note",
		Usage:    "note id",
		Required: true,
	}
	recipientFlag = &cli.StringFlag{
		Name:  "recipient",
		Usage: "withdrawal recipient (defaults to the owner)",
	}
)

type noteOutput struct {
	ID         string    `json:"id"`
	Mint       string    `json:"mint"`
	Vault      string    `json:"vault"`
	Amount     uint64    `json:"amount"`
	Commitment string    `json:"commitment"`
	CreationTx string    `json:"creationTx,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newNoteOutput(n *notes.Note) noteOutput {
	return noteOutput{
		ID:         n.ID,
		Mint:       n.Mint.String(),
		Vault:      n.Vault.String(),
		Amount:     n.Amount,
		Commitment: n.Commitment,
		CreationTx: n.CreationTx,
		CreatedAt:  n.CreatedAt,
	}
}

var commandShield = &cli.Command{
	Name:  "shield",
	Usage: "deposit collateral into the shielded pool behind a new note",
	Flags: []cli.Flag{collateralFlag, mintFlag, amountFlag},
	Action: func(c *cli.Context) error {
		collateral, err := pubkeyFlag(c, collateralFlag.Name)
		if err != nil {
			return err
		}
		mint, err := pubkeyFlag(c, mintFlag.Name)
		if err != nil {
			return err
		}
		amount := c.Uint64(amountFlag.Name)
		if amount == 0 {
			return fmt.Errorf("--%s must be positive", amountFlag.Name)
		}
		return withTrader(c, func(ctx context.Context, t *trader.Trader) error {
			note, err := t.Shield(ctx, collateral, mint, amount)
			if err != nil {
				return err
			}
			out := newNoteOutput(note)
			return printOutput(c, out, func() {
				fmt.Printf("Note:       %s\n", out.ID)
				fmt.Printf("Amount:     %d\n", out.Amount)
				fmt.Printf("Commitment: %s\n", out.Commitment)
				fmt.Printf("Deposit:    %s\n", out.CreationTx)
			})
		})
	},
}

type withdrawOutput struct {
	Note      string `json:"note"`
	Recipient string `json:"recipient"`
	Signature string `json:"signature"`
}

var commandWithdraw = &cli.Command{
	Name:  "withdraw",
	Usage: "spend a note and unwrap its amount to a recipient",
	Flags: []cli.Flag{noteFlag, recipientFlag},
	Action: func(c *cli.Context) error {
		noteID := c.String(noteFlag.Name)
		var recipient solana.PublicKey
		if c.String(recipientFlag.Name) != "" {
			pk, err := pubkeyFlag(c, recipientFlag.Name)
			if err != nil {
				return err
			}
			recipient = pk
		}
		return withTrader(c, func(ctx context.Context, t *trader.Trader) error {
			if recipient.IsZero() {
				recipient = t.Owner()
			}
			sig, err := t.Withdraw(ctx, noteID, recipient)
			if err != nil {
				return err
			}
			out := withdrawOutput{Note: noteID, Recipient: recipient.String(), Signature: sig.String()}
			return printOutput(c, out, func() {
				fmt.Printf("Withdrew note %s to %s\n", out.Note, out.Recipient)
				fmt.Printf("Signature: %s\n", out.Signature)
			})
		})
	},
}

var commandNotes = &cli.Command{
	Name:  "notes",
	Usage: "list the owner's unspent notes",
	Action: func(c *cli.Context) error {
		return withTrader(c, func(_ context.Context, t *trader.Trader) error {
			active, err := t.ActiveNotes()
			if err != nil {
				return err
			}
			out := make([]noteOutput, 0, len(active))
			for _, n := range active {
				out = append(out, newNoteOutput(n))
			}
			return printOutput(c, out, func() {
				if len(out) == 0 {
					fmt.Println("No active notes")
					return
				}
				for _, n := range out {
					fmt.Printf("%s  %d  %s  %s\n", n.ID, n.Amount, n.Mint, n.CreatedAt.Format(time.RFC3339))
				}
			})
		})
	},
}
