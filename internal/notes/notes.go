// Package notes keeps the client's shielded commitment notes and prepares
// the inputs an external prover needs to spend them.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/coldbell/confidex/backend/internal/kvstore"
)

var (
	ErrNoteNotFound  = errors.New("note not found")
	ErrNoteSpent     = errors.New("note already spent")
	ErrNotCommitted  = errors.New("note creation transaction not attached")
	ErrNoteCommitted = errors.New("note creation transaction already attached")
	ErrInvalidAmount = errors.New("note amount must be positive")
)

const storePrefix = "notes/"

// Private holds the note's secret scalars as decimal strings.
type Private struct {
	OwnerField      string `json:"owner"`
	MintField       string `json:"mint"`
	Blinding        string `json:"blinding"`
	NullifierSecret string `json:"nullifier_secret"`
}

type Note struct {
	ID         string           `json:"id"`
	Owner      solana.PublicKey `json:"owner"`
	Mint       solana.PublicKey `json:"mint"`
	Vault      solana.PublicKey `json:"vault"`
	Amount     uint64           `json:"amount"`
	Commitment string           `json:"commitment"`
	LeafIndex  *uint64          `json:"leafIndex,omitempty"`
	CreationTx string           `json:"creationTx,omitempty"`
	Spent      bool             `json:"spent"`
	SpentTx    string           `json:"spentTx,omitempty"`
	Private    Private          `json:"private"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// LogValue leaves out the private payload.
func (n *Note) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", n.ID),
		slog.String("owner", n.Owner.String()),
		slog.String("mint", n.Mint.String()),
		slog.Uint64("amount", n.Amount),
		slog.String("commitment", n.Commitment),
		slog.Bool("spent", n.Spent),
	)
}

func (n *Note) commitment() (*big.Int, error) {
	return parseField("commitment", n.Commitment)
}

// CommitmentBytes is the commitment as passed to the shield instruction.
func (n *Note) CommitmentBytes() ([32]byte, error) {
	c, err := n.commitment()
	if err != nil {
		return [32]byte{}, err
	}
	return FieldBytes(c), nil
}

// Ledger persists notes in a kvstore. It assumes one active session per
// owner and does no cross-process locking.
type Ledger struct {
	store  kvstore.Store
	tree   TreeOracle
	logger *slog.Logger
	rand   io.Reader
	now    func() time.Time
}

func NewLedger(store kvstore.Store, tree TreeOracle, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		tree:   tree,
		logger: logger,
		now:    time.Now,
	}
}

// CreateNote derives a fresh commitment and persists the note as active.
// The caller attaches the creation signature once the deposit lands.
func (l *Ledger) CreateNote(owner, mint, vault solana.PublicKey, amount uint64) (*Note, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	ownerField, err := KeyField(owner)
	if err != nil {
		return nil, fmt.Errorf("owner field: %w", err)
	}
	mintField, err := KeyField(mint)
	if err != nil {
		return nil, fmt.Errorf("mint field: %w", err)
	}
	blinding, err := randomField(l.rand)
	if err != nil {
		return nil, err
	}
	secret, err := randomField(l.rand)
	if err != nil {
		return nil, err
	}
	commitment, err := NoteHash(ownerField, mintField, new(big.Int).SetUint64(amount), blinding)
	if err != nil {
		return nil, err
	}

	note := &Note{
		ID:         uuid.NewString(),
		Owner:      owner,
		Mint:       mint,
		Vault:      vault,
		Amount:     amount,
		Commitment: commitment.String(),
		Private: Private{
			OwnerField:      ownerField.String(),
			MintField:       mintField.String(),
			Blinding:        blinding.String(),
			NullifierSecret: secret.String(),
		},
		CreatedAt: l.now().UTC(),
	}
	if err := l.put(note); err != nil {
		return nil, err
	}
	l.logger.Info("note created", "note", note)
	return note, nil
}

// AttachCreationTx records the confirmed deposit. When the tree oracle is
// maintained locally the commitment is appended to it.
func (l *Ledger) AttachCreationTx(ctx context.Context, id string, sig solana.Signature) (*Note, error) {
	note, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if note.CreationTx != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoteCommitted, note.CreationTx)
	}
	if appender, ok := l.tree.(TreeAppender); ok {
		leaf, err := note.commitment()
		if err != nil {
			return nil, err
		}
		index, err := appender.Append(ctx, leaf)
		if err != nil {
			return nil, fmt.Errorf("append commitment: %w", err)
		}
		note.LeafIndex = &index
	}
	note.CreationTx = sig.String()
	if err := l.put(note); err != nil {
		return nil, err
	}
	l.logger.Info("note committed", "note_id", id, "signature", sig)
	return note, nil
}

// Discard removes a note whose creation transaction never landed.
func (l *Ledger) Discard(id string) error {
	note, err := l.Get(id)
	if err != nil {
		return err
	}
	if note.CreationTx != "" {
		return fmt.Errorf("%w: %s", ErrNoteCommitted, note.CreationTx)
	}
	if err := l.store.Delete(noteKey(id)); err != nil {
		return fmt.Errorf("delete note %s: %w", id, err)
	}
	l.logger.Info("note discarded", "note_id", id)
	return nil
}

// Spend assembles prover inputs for the note. It never changes the note;
// calling it again before MarkSpent yields the same nullifier.
func (l *Ledger) Spend(ctx context.Context, id string, recipient solana.PublicKey) (*ProofInputs, error) {
	note, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if note.Spent {
		return nil, fmt.Errorf("%w: %s", ErrNoteSpent, id)
	}
	if note.CreationTx == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotCommitted, id)
	}

	commitment, err := note.commitment()
	if err != nil {
		return nil, err
	}
	secret, err := parseField("nullifier secret", note.Private.NullifierSecret)
	if err != nil {
		return nil, err
	}
	nullifier, err := Nullifier(commitment, secret)
	if err != nil {
		return nil, fmt.Errorf("derive nullifier: %w", err)
	}
	recipientField, err := KeyField(recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient field: %w", err)
	}

	root, err := l.tree.GetRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("tree root: %w", err)
	}
	path, err := l.tree.GetProofPath(ctx, commitment)
	if err != nil {
		return nil, fmt.Errorf("proof path for note %s: %w", id, err)
	}

	inputs := &ProofInputs{
		Root:            root.String(),
		Nullifier:       nullifier.String(),
		Recipient:       recipientField.String(),
		Amount:          note.Amount,
		Mint:            note.Private.MintField,
		Commitment:      note.Commitment,
		Leaf:            note.Commitment,
		Index:           path.Index,
		Owner:           note.Private.OwnerField,
		Blinding:        note.Private.Blinding,
		NullifierSecret: note.Private.NullifierSecret,
	}
	for i, sibling := range path.Siblings {
		inputs.Siblings[i] = sibling.String()
	}
	l.logger.Debug("note spend prepared", "note_id", id, "inputs", inputs)
	return inputs, nil
}

// MarkSpent is called once the consuming transaction has confirmed.
func (l *Ledger) MarkSpent(id string, sig solana.Signature) error {
	note, err := l.Get(id)
	if err != nil {
		return err
	}
	if note.Spent {
		return fmt.Errorf("%w: %s", ErrNoteSpent, id)
	}
	note.Spent = true
	note.SpentTx = sig.String()
	if err := l.put(note); err != nil {
		return err
	}
	l.logger.Info("note spent", "note_id", id, "signature", sig)
	return nil
}

func (l *Ledger) Get(id string) (*Note, error) {
	raw, err := l.store.Get(noteKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load note %s: %w", id, err)
	}
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("decode note %s: %w", id, err)
	}
	return &note, nil
}

// ListActive returns the owner's unspent, committed notes oldest first.
func (l *Ledger) ListActive(owner solana.PublicKey) ([]*Note, error) {
	entries, err := l.store.List([]byte(storePrefix))
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	var out []*Note
	for _, entry := range entries {
		var note Note
		if err := json.Unmarshal(entry.Value, &note); err != nil {
			l.logger.Warn("skipping unreadable note", "key", string(entry.Key), "err", err)
			continue
		}
		if note.Spent || note.CreationTx == "" || !note.Owner.Equals(owner) {
			continue
		}
		out = append(out, &note)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (l *Ledger) put(note *Note) error {
	raw, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode note %s: %w", note.ID, err)
	}
	if err := l.store.Put(noteKey(note.ID), raw); err != nil {
		return fmt.Errorf("save note %s: %w", note.ID, err)
	}
	return nil
}

func noteKey(id string) []byte {
	return []byte(storePrefix + id)
}
