// Package ledgertest is an in-memory ledger implementing ledger.Client with
// pluggable program processors.
package ledgertest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/coldbell/confidex/backend/internal/ledger"
)

type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

func (a *Account) clone() *Account {
	return &Account{Owner: a.Owner, Lamports: a.Lamports, Data: bytes.Clone(a.Data)}
}

type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []*solana.AccountMeta
	Data      []byte
}

// Account returns the i-th account key or the zero key.
func (ix Instruction) Account(i int) solana.PublicKey {
	if i < 0 || i >= len(ix.Accounts) {
		return solana.PublicKey{}
	}
	return ix.Accounts[i].PublicKey
}

func (ix Instruction) Signed(i int) bool {
	return i >= 0 && i < len(ix.Accounts) && ix.Accounts[i].IsSigner
}

// Env is the working state of one transaction.
type Env struct {
	ledger   *Ledger
	accounts map[solana.PublicKey]*Account
	logs     []string
}

func (e *Env) Get(pk solana.PublicKey) (*Account, bool) {
	acc, ok := e.accounts[pk]
	return acc, ok
}

func (e *Env) Set(pk solana.PublicKey, acc *Account) {
	e.accounts[pk] = acc
}

func (e *Env) Logf(format string, args ...any) {
	e.logs = append(e.logs, "Program log: "+fmt.Sprintf(format, args...))
}

// Fail records a program error name in the log and returns it.
func (e *Env) Fail(code string, format string, args ...any) error {
	e.logs = append(e.logs, "Program log: Error: "+code+": "+fmt.Sprintf(format, args...))
	return errors.New(code)
}

func (e *Env) Ledger() *Ledger {
	return e.ledger
}

type Processor func(env *Env, ix Instruction) error

type Ledger struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey]*Account
	processors map[solana.PublicKey]Processor
	statuses   map[solana.Signature]*rpc.SignatureStatusesResult
	landed     []solana.Signature
	blockhash  solana.Hash
	slot       uint64

	// SendHook runs before each submission; a non-nil error is returned
	// from SendRawTransactionWithOpts without executing the transaction.
	// It runs with the ledger locked and must not call back into it.
	SendHook func(tx *solana.Transaction) error
}

var _ ledger.Client = (*Ledger)(nil)

func New() *Ledger {
	l := &Ledger{
		accounts:   make(map[solana.PublicKey]*Account),
		processors: make(map[solana.PublicKey]Processor),
		statuses:   make(map[solana.Signature]*rpc.SignatureStatusesResult),
		blockhash:  solana.Hash(sha256.Sum256([]byte("genesis"))),
	}
	noop := func(*Env, Instruction) error { return nil }
	l.processors[solana.SystemProgramID] = noop
	l.processors[solana.TokenProgramID] = noop
	l.processors[solana.ComputeBudget] = noop
	l.processors[solana.SPLAssociatedTokenAccountProgramID] = createAssociatedTokenAccount
	return l
}

func (l *Ledger) Register(programID solana.PublicKey, p Processor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processors[programID] = p
}

func (l *Ledger) SetAccount(pk solana.PublicKey, acc Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[pk] = acc.clone()
}

func (l *Ledger) AccountData(pk solana.PublicKey) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pk]
	if !ok {
		return nil, false
	}
	return bytes.Clone(acc.Data), true
}

// Landed lists signatures of executed transactions in order.
func (l *Ledger) Landed() []solana.Signature {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]solana.Signature(nil), l.landed...)
}

func (l *Ledger) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            l.blockhash,
			LastValidBlockHeight: l.slot + 150,
		},
	}, nil
}

func (l *Ledger) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: toRPCAccount(acc)}, nil
}

func (l *Ledger) GetProgramAccountsWithOpts(_ context.Context, programID solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out rpc.GetProgramAccountsResult
	for pk, acc := range l.accounts {
		if !acc.Owner.Equals(programID) {
			continue
		}
		if opts != nil && !matchesFilters(acc.Data, opts.Filters) {
			continue
		}
		out = append(out, &rpc.KeyedAccount{Pubkey: pk, Account: toRPCAccount(acc)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Pubkey[:], out[j].Pubkey[:]) < 0
	})
	return out, nil
}

func matchesFilters(data []byte, filters []rpc.RPCFilter) bool {
	for _, f := range filters {
		if f.DataSize != 0 && uint64(len(data)) != f.DataSize {
			return false
		}
		if f.Memcmp != nil {
			offset := int(f.Memcmp.Offset)
			want := []byte(f.Memcmp.Bytes)
			if len(data) < offset+len(want) || !bytes.Equal(data[offset:offset+len(want)], want) {
				return false
			}
		}
	}
	return true
}

func (l *Ledger) SendRawTransactionWithOpts(_ context.Context, raw []byte, _ rpc.TransactionOpts) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32602, Message: "failed to deserialize transaction: " + err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.SendHook != nil {
		if err := l.SendHook(tx); err != nil {
			return solana.Signature{}, err
		}
	}

	sig := tx.Signatures[0]
	if _, ok := l.statuses[sig]; ok {
		return solana.Signature{}, &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: This transaction has already been processed",
			Data:    map[string]any{"err": "AlreadyProcessed", "logs": []any{}},
		}
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}

	env, err := l.execute(tx)
	if err != nil {
		logs := make([]any, 0, len(env.logs))
		for _, line := range env.logs {
			logs = append(logs, line)
		}
		return solana.Signature{}, &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: Error processing Instruction: " + err.Error(),
			Data:    map[string]any{"err": err.Error(), "logs": logs},
		}
	}

	l.accounts = env.accounts
	l.slot++
	l.blockhash = solana.Hash(sha256.Sum256(l.blockhash[:]))
	l.statuses[sig] = &rpc.SignatureStatusesResult{Slot: l.slot, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	l.landed = append(l.landed, sig)
	return sig, nil
}

func (l *Ledger) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		out.Value[i] = l.statuses[sig]
	}
	return out, nil
}

func (l *Ledger) SimulateTransactionWithOpts(_ context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	env, err := l.execute(tx)
	result := &rpc.SimulateTransactionResult{Logs: env.logs}
	if err != nil {
		result.Err = err.Error()
		return &rpc.SimulateTransactionResponse{Value: result}, nil
	}
	if opts != nil && opts.Accounts != nil {
		for _, pk := range opts.Accounts.Addresses {
			acc, ok := env.accounts[pk]
			if !ok {
				result.Accounts = append(result.Accounts, nil)
				continue
			}
			result.Accounts = append(result.Accounts, toRPCAccount(acc))
		}
	}
	return &rpc.SimulateTransactionResponse{Value: result}, nil
}

// execute runs every instruction against a copy of the state. Callers hold mu.
func (l *Ledger) execute(tx *solana.Transaction) (*Env, error) {
	env := &Env{ledger: l, accounts: make(map[solana.PublicKey]*Account, len(l.accounts))}
	for pk, acc := range l.accounts {
		env.accounts[pk] = acc.clone()
	}

	keys := tx.Message.AccountKeys
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	for i, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) {
			return env, fmt.Errorf("instruction %d: invalid program index", i)
		}
		programID := keys[ci.ProgramIDIndex]
		processor, ok := l.processors[programID]
		if !ok {
			return env, fmt.Errorf("instruction %d: unknown program %s", i, programID)
		}

		metas := make([]*solana.AccountMeta, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			if int(idx) >= len(keys) {
				return env, fmt.Errorf("instruction %d: invalid account index", i)
			}
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  keys[idx],
				IsSigner:   int(idx) < numSigners,
				IsWritable: true,
			})
		}

		env.logs = append(env.logs, fmt.Sprintf("Program %s invoke [1]", programID))
		if err := processor(env, Instruction{ProgramID: programID, Accounts: metas, Data: []byte(ci.Data)}); err != nil {
			env.logs = append(env.logs, fmt.Sprintf("Program %s failed: %v", programID, err))
			return env, fmt.Errorf("instruction %d: %w", i, err)
		}
		env.logs = append(env.logs, fmt.Sprintf("Program %s success", programID))
	}
	return env, nil
}

func createAssociatedTokenAccount(env *Env, ix Instruction) error {
	ata := ix.Account(1)
	if _, exists := env.Get(ata); exists {
		return env.Fail("AccountAlreadyInUse", "associated token account %s exists", ata)
	}
	env.Set(ata, &Account{Owner: solana.TokenProgramID, Data: make([]byte, 165)})
	return nil
}

func toRPCAccount(acc *Account) *rpc.Account {
	return &rpc.Account{
		Lamports: acc.Lamports,
		Owner:    acc.Owner,
		Data:     rpc.DataBytesOrJSONFromBytes(bytes.Clone(acc.Data)),
	}
}
