// Package relay submits a trade bundle one transaction at a time, waiting
// for each to confirm before sending the next.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/coldbell/confidex/backend/internal/ledger"
)

var (
	ErrAuthorityMismatch = errors.New("match transaction does not require the matching authority")
	ErrInvalidBundle     = errors.New("invalid bundle")
)

var bundleNamespace = uuid.MustParse("6f6b3c2e-8a41-4c55-9d7e-2f1d8e4b0a93")

// Bundle is a stamped, possibly partially signed, trade. Match is optional.
type Bundle struct {
	Pre   []*solana.Transaction
	Place *solana.Transaction
	Match *solana.Transaction
	Post  []*solana.Transaction
}

type Result struct {
	ID             string
	PreSignatures  []solana.Signature
	PlaceSignature solana.Signature
	MatchSignature solana.Signature
	PostSignatures []solana.Signature
}

// Settler runs a bundle to completion. *Relayer settles in process,
// *Client through a relay server.
type Settler interface {
	Settle(ctx context.Context, b *Bundle) (*Result, error)
}

// CompletedStep is a step that landed before a failure.
type CompletedStep struct {
	Step      string `json:"step"`
	Signature string `json:"signature"`
}

// BundleError reports where a bundle stopped and what had already landed.
type BundleError struct {
	BundleID       string
	Step           string
	Completed      []CompletedStep
	Logs           []string
	SignatureDebug *ledger.SignatureDebug
	Err            error
}

func (e *BundleError) Error() string {
	return fmt.Sprintf("bundle %s failed at %s: %v", e.BundleID, e.Step, e.Err)
}

func (e *BundleError) Unwrap() error {
	return e.Err
}

type Sender interface {
	Send(ctx context.Context, tx *solana.Transaction) (ledger.Submission, error)
	WaitForConfirmation(ctx context.Context, sig solana.Signature) error
}

type Config struct {
	// Authority is the matching authority key. The relay co-signs with it
	// and requires it on every match transaction.
	Authority   solana.PrivateKey
	StepTimeout time.Duration
}

type Relayer struct {
	ledger      Sender
	authority   solana.PrivateKey
	store       Store
	stepTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewRelayer(l Sender, store Store, cfg Config, logger *slog.Logger) (*Relayer, error) {
	if len(cfg.Authority) == 0 {
		return nil, errors.New("relay: matching authority key is required")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Relayer{
		ledger:      l,
		authority:   cfg.Authority,
		store:       store,
		stepTimeout: cfg.StepTimeout,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (r *Relayer) Authority() solana.PublicKey {
	return r.authority.PublicKey()
}

func (r *Relayer) Record(ctx context.Context, id string) (*Record, error) {
	return r.store.Get(ctx, id)
}

// BundleID is derived from the transaction messages, so resubmitting the
// same bundle maps to the same record whatever signatures it carries.
func BundleID(b *Bundle) (string, error) {
	var data []byte
	for _, tx := range b.transactions() {
		msg, err := tx.tx.Message.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("serialize %s message: %w", tx.step, err)
		}
		data = append(data, msg...)
	}
	return uuid.NewSHA1(bundleNamespace, data).String(), nil
}

type stepTx struct {
	step  string
	state State
	tx    *solana.Transaction
}

func (b *Bundle) transactions() []stepTx {
	out := make([]stepTx, 0, len(b.Pre)+len(b.Post)+2)
	for i, tx := range b.Pre {
		out = append(out, stepTx{step: fmt.Sprintf("pre[%d]", i), state: StatePreSent, tx: tx})
	}
	out = append(out, stepTx{step: "place", state: StatePlaced, tx: b.Place})
	if b.Match != nil {
		out = append(out, stepTx{step: "match", state: StateMatched, tx: b.Match})
	}
	for i, tx := range b.Post {
		out = append(out, stepTx{step: fmt.Sprintf("post[%d]", i), state: StatePostSent, tx: tx})
	}
	return out
}

// Settle drives Built -> PreSent -> Placed -> Matched -> PostSent -> Done.
// Nothing is sent unless every transaction is fully signed after the
// authority co-signs. Cancelling ctx stops the bundle before the next step;
// a step already submitted runs to confirmation.
func (r *Relayer) Settle(ctx context.Context, b *Bundle) (*Result, error) {
	if b == nil || b.Place == nil {
		return nil, fmt.Errorf("%w: place transaction is required", ErrInvalidBundle)
	}
	for _, item := range b.transactions() {
		if item.tx == nil {
			return nil, fmt.Errorf("%w: %s transaction is nil", ErrInvalidBundle, item.step)
		}
	}

	id, err := BundleID(b)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(id, b); err != nil {
		return nil, err
	}

	record, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrBundleNotFound) {
		now := r.now().UTC()
		record = &Record{ID: id, State: StateBuilt, CreatedAt: now, UpdatedAt: now}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", id, err)
	}
	if record.State == StateDone {
		r.logger.Info("bundle already settled", "bundle_id", id)
		return resultFromRecord(record)
	}
	record.FailedStep = ""
	record.Error = ""

	var completed []CompletedStep
	for _, item := range b.transactions() {
		if sig := recordedSignature(record, item.step); sig != "" {
			completed = append(completed, CompletedStep{Step: item.step, Signature: sig})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, r.fail(record, &BundleError{BundleID: id, Step: item.step, Completed: completed, Err: err})
		}

		sig, err := r.runStep(ctx, item)
		if err != nil {
			debug, _ := ledger.DebugSignatures(item.tx)
			return nil, r.fail(record, &BundleError{
				BundleID:       id,
				Step:           item.step,
				Completed:      completed,
				Logs:           ledger.Logs(err),
				SignatureDebug: debug,
				Err:            err,
			})
		}

		setSignature(record, item.step, sig.String())
		record.State = item.state
		r.save(record)
		completed = append(completed, CompletedStep{Step: item.step, Signature: sig.String()})
		r.logger.Info("bundle step confirmed", "bundle_id", id, "step", item.step, "signature", sig)
	}

	record.State = StateDone
	r.save(record)
	return resultFromRecord(record)
}

// authorize co-signs every transaction that needs the matching authority,
// then verifies all signatures. It sends nothing.
func (r *Relayer) authorize(id string, b *Bundle) error {
	authority := r.authority.PublicKey()
	if b.Match != nil && !ledger.RequiresSigner(b.Match, authority) {
		debug, _ := ledger.DebugSignatures(b.Match)
		return &BundleError{BundleID: id, Step: "match", SignatureDebug: debug, Err: ErrAuthorityMismatch}
	}

	for _, item := range b.transactions() {
		if ledger.RequiresSigner(item.tx, authority) && !ledger.IsSignedBy(item.tx, authority) {
			if err := ledger.PartialSign(item.tx, r.authority); err != nil {
				return &BundleError{BundleID: id, Step: item.step, Err: err}
			}
		}
		debug, err := ledger.DebugSignatures(item.tx)
		if err != nil {
			return &BundleError{BundleID: id, Step: item.step, Err: err}
		}
		if !debug.Complete() {
			return &BundleError{
				BundleID:       id,
				Step:           item.step,
				SignatureDebug: debug,
				Err:            fmt.Errorf("%d missing and %d invalid signatures", len(debug.Missing), len(debug.Invalid)),
			}
		}
	}
	return nil
}

// runStep sends and confirms one transaction. The caller's cancellation
// does not interrupt it; the step timeout does.
func (r *Relayer) runStep(ctx context.Context, item stepTx) (solana.Signature, error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stepTimeout)
	defer cancel()

	sub, err := r.ledger.Send(stepCtx, item.tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if sub.Duplicate {
		r.logger.Info("bundle step already processed", "step", item.step, "signature", sub.Signature)
	}
	if err := r.ledger.WaitForConfirmation(stepCtx, sub.Signature); err != nil {
		return solana.Signature{}, fmt.Errorf("confirm %s: %w", sub.Signature, err)
	}
	return sub.Signature, nil
}

func (r *Relayer) fail(record *Record, bundleErr *BundleError) error {
	record.State = StateFailed
	record.FailedStep = bundleErr.Step
	record.Error = bundleErr.Err.Error()
	r.save(record)
	r.logger.Warn("bundle failed",
		"bundle_id", record.ID,
		"step", bundleErr.Step,
		"completed", len(bundleErr.Completed),
		"err", bundleErr.Err,
	)
	return bundleErr
}

func (r *Relayer) save(record *Record) {
	record.UpdatedAt = r.now().UTC()
	if err := r.store.Put(context.Background(), record); err != nil {
		r.logger.Error("failed to persist bundle record", "bundle_id", record.ID, "err", err)
	}
}

func recordedSignature(record *Record, step string) string {
	var index int
	switch {
	case step == "place":
		return record.PlaceSignature
	case step == "match":
		return record.MatchSignature
	case scanIndex(step, "pre[%d]", &index):
		if index < len(record.PreSignatures) {
			return record.PreSignatures[index]
		}
	case scanIndex(step, "post[%d]", &index):
		if index < len(record.PostSignatures) {
			return record.PostSignatures[index]
		}
	}
	return ""
}

func setSignature(record *Record, step, sig string) {
	var index int
	switch {
	case step == "place":
		record.PlaceSignature = sig
	case step == "match":
		record.MatchSignature = sig
	case scanIndex(step, "pre[%d]", &index):
		record.PreSignatures = setAt(record.PreSignatures, index, sig)
	case scanIndex(step, "post[%d]", &index):
		record.PostSignatures = setAt(record.PostSignatures, index, sig)
	}
}

func scanIndex(step, format string, index *int) bool {
	n, err := fmt.Sscanf(step, format, index)
	return err == nil && n == 1
}

func setAt(list []string, index int, value string) []string {
	for len(list) <= index {
		list = append(list, "")
	}
	list[index] = value
	return list
}

func resultFromRecord(record *Record) (*Result, error) {
	out := &Result{ID: record.ID}
	parse := func(raw string) (solana.Signature, error) {
		if raw == "" {
			return solana.Signature{}, nil
		}
		return solana.SignatureFromBase58(raw)
	}
	var err error
	for _, raw := range record.PreSignatures {
		sig, err := parse(raw)
		if err != nil {
			return nil, err
		}
		out.PreSignatures = append(out.PreSignatures, sig)
	}
	if out.PlaceSignature, err = parse(record.PlaceSignature); err != nil {
		return nil, err
	}
	if out.MatchSignature, err = parse(record.MatchSignature); err != nil {
		return nil, err
	}
	for _, raw := range record.PostSignatures {
		sig, err := parse(raw)
		if err != nil {
			return nil, err
		}
		out.PostSignatures = append(out.PostSignatures, sig)
	}
	return out, nil
}
