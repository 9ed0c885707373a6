package bundle

import (
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/orderbook"
)

var ErrAlreadyStamped = errors.New("plan already stamped")

type StepKind string

const (
	StepWrap   StepKind = "wrap"
	StepPlace  StepKind = "place"
	StepMatch  StepKind = "match"
	StepUnwrap StepKind = "unwrap"
	StepAllow  StepKind = "allow"

	StepShield   StepKind = "shield"
	StepUnshield StepKind = "unshield"
)

// Step is the instruction list of one transaction. CoSigners are required
// signers other than the fee payer that the trader does not hold.
type Step struct {
	Kind         StepKind
	Instructions []solana.Instruction
	CoSigners    []solana.PublicKey
}

type Fill struct {
	Base  uint64
	Quote uint64
	Price uint64
}

// Plan is a built but unstamped bundle.
type Plan struct {
	Pre   []Step
	Place Step
	Match Step
	Post  []Step

	Order         solana.PublicKey
	Maker         orderbook.RestingOrder
	Fill          Fill
	OwnerBase     solana.PublicKey
	OwnerQuote    solana.PublicKey
	WrappedHandle confidential.Handle

	stamped bool
}

// Transactions is a stamped plan in submission order.
type Transactions struct {
	Pre   []*solana.Transaction
	Place *solana.Transaction
	Match *solana.Transaction
	Post  []*solana.Transaction
}

// All lists the transactions in submission order.
func (t *Transactions) All() []*solana.Transaction {
	out := make([]*solana.Transaction, 0, len(t.Pre)+len(t.Post)+2)
	out = append(out, t.Pre...)
	out = append(out, t.Place, t.Match)
	return append(out, t.Post...)
}

// Stamp sets fee payer and recent blockhash on every step. It may be
// called once, right before signing.
func (p *Plan) Stamp(blockhash solana.Hash, feePayer solana.PublicKey) (*Transactions, error) {
	if p.stamped {
		return nil, ErrAlreadyStamped
	}
	build := func(step Step) (*solana.Transaction, error) {
		return StampStep(step, blockhash, feePayer)
	}

	out := &Transactions{}
	for _, step := range p.Pre {
		tx, err := build(step)
		if err != nil {
			return nil, err
		}
		out.Pre = append(out.Pre, tx)
	}
	var err error
	if out.Place, err = build(p.Place); err != nil {
		return nil, err
	}
	if out.Match, err = build(p.Match); err != nil {
		return nil, err
	}
	for _, step := range p.Post {
		tx, err := build(step)
		if err != nil {
			return nil, err
		}
		out.Post = append(out.Post, tx)
	}
	p.stamped = true
	return out, nil
}
