package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/program"
)

const ciphertextTag = 0xc7

// Encrypter produces tagged plaintext "ciphertexts" with a unique nonce, so
// two encryptions of the same amount never share bytes.
type Encrypter struct {
	mu    sync.Mutex
	nonce uint64
}

func (e *Encrypter) Encrypt(_ context.Context, value *uint256.Int, _ confidential.BitWidth) ([]byte, error) {
	if !value.IsUint64() {
		return nil, fmt.Errorf("test encrypter only handles u64 values")
	}
	e.mu.Lock()
	e.nonce++
	nonce := e.nonce
	e.mu.Unlock()

	out := make([]byte, 1+16+8)
	out[0] = ciphertextTag
	binary.LittleEndian.PutUint64(out[1:9], value.Uint64())
	binary.LittleEndian.PutUint64(out[17:], nonce)
	return out, nil
}

func DecryptCiphertext(data []byte) (uint64, error) {
	if len(data) != 25 || data[0] != ciphertextTag {
		return 0, fmt.Errorf("malformed ciphertext (%d bytes)", len(data))
	}
	return binary.LittleEndian.Uint64(data[1:9]), nil
}

func deriveHandle(prev confidential.Handle, input []byte, label string) confidential.Handle {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(prev[:])
	h.Write(input)
	var out confidential.Handle
	copy(out[:], h.Sum(nil))
	return out
}

// Asset is one side of the market: a collateral mint wrapped into a
// confidential mint through a vault.
type Asset struct {
	CollateralMint   solana.PublicKey
	ConfidentialMint solana.PublicKey
	Vault            solana.PublicKey
	WrapAuthority    solana.PublicKey
	Custody          solana.PublicKey
	ShieldedPool     solana.PublicKey
	Decimals         uint8
}

// World is a ledger with the orderbook, confidential token, allowance and
// wrap programs installed and one market created.
type World struct {
	Ledger            *Ledger
	Programs          program.ProgramIDs
	Encrypter         *Encrypter
	Admin             solana.PrivateKey
	MatchingAuthority solana.PrivateKey
	Base              Asset
	Quote             Asset
	MarketState       solana.PublicKey
	VaultAuthority    solana.PublicKey
	BaseVault         solana.PublicKey
	QuoteVault        solana.PublicKey

	mu     sync.Mutex
	values map[confidential.Handle]uint64
}

func NewWorld() *World {
	w := &World{
		Ledger: New(),
		Programs: program.ProgramIDs{
			Orderbook:         solana.NewWallet().PublicKey(),
			ConfidentialToken: solana.NewWallet().PublicKey(),
			Lightning:         solana.NewWallet().PublicKey(),
			Wrap:              solana.NewWallet().PublicKey(),
		},
		Encrypter:         &Encrypter{},
		Admin:             solana.NewWallet().PrivateKey,
		MatchingAuthority: solana.NewWallet().PrivateKey,
		values:            make(map[confidential.Handle]uint64),
	}

	w.Ledger.Register(w.Programs.ConfidentialToken, w.confidentialTokenProgram)
	w.Ledger.Register(w.Programs.Lightning, w.lightningProgram)
	w.Ledger.Register(w.Programs.Wrap, w.wrapProgram)
	w.Ledger.Register(w.Programs.Orderbook, w.orderbookProgram)

	w.Base = w.newAsset(solana.SolMint, 9)
	w.Quote = w.newAsset(solana.NewWallet().PublicKey(), 6)

	w.MarketState = dex.MustDeriveMarketStatePDA(w.Programs.Orderbook, w.Base.ConfidentialMint, w.Quote.ConfidentialMint)
	w.VaultAuthority = dex.MustDeriveVaultAuthorityPDA(w.Programs.Orderbook, w.MarketState)
	w.BaseVault = w.Fund(w.VaultAuthority, w.Base, 0, false)
	w.QuoteVault = w.Fund(w.VaultAuthority, w.Quote, 0, false)

	w.mustSet(w.MarketState, w.Programs.Orderbook, program.MarketStateDiscriminator, &program.MarketState{
		Admin:             w.Admin.PublicKey(),
		MatchingAuthority: w.MatchingAuthority.PublicKey(),
		VaultAuthority:    w.VaultAuthority,
		BaseVault:         w.BaseVault,
		QuoteVault:        w.QuoteVault,
		BaseMint:          w.Base.ConfidentialMint,
		QuoteMint:         w.Quote.ConfidentialMint,
	})
	return w
}

func (w *World) newAsset(collateral solana.PublicKey, decimals uint8) Asset {
	confidentialMint := solana.NewWallet().PublicKey()
	vault, _, _ := dex.DeriveVaultPDA(w.Programs.Wrap, collateral, confidentialMint)
	authority, _, _ := dex.DeriveWrapAuthorityPDA(w.Programs.Wrap, vault)
	pool, _, _ := dex.DeriveShieldedPoolPDA(w.Programs.Wrap, collateral, confidentialMint)
	a := Asset{
		CollateralMint:   collateral,
		ConfidentialMint: confidentialMint,
		Vault:            vault,
		WrapAuthority:    authority,
		Custody:          solana.NewWallet().PublicKey(),
		ShieldedPool:     pool,
		Decimals:         decimals,
	}

	w.Ledger.SetAccount(collateral, Account{Owner: solana.TokenProgramID, Data: make([]byte, 82)})
	w.Ledger.SetAccount(a.Custody, Account{Owner: solana.TokenProgramID, Data: make([]byte, 165)})
	w.mustSet(confidentialMint, w.Programs.ConfidentialToken, program.ConfidentialMintDiscriminator, &program.ConfidentialMint{
		MintAuthority: authority,
		Decimals:      decimals,
		IsInitialized: true,
	})
	w.mustSet(vault, w.Programs.Wrap, program.VaultDiscriminator, &program.Vault{
		CollateralMint:   collateral,
		ConfidentialMint: confidentialMint,
		Custody:          a.Custody,
		Authority:        authority,
		Initialized:      true,
	})
	w.mustSet(pool, w.Programs.Wrap, program.ShieldedPoolDiscriminator, &program.ShieldedPool{Vault: vault})
	return a
}

// SetMintAuthority overrides the confidential mint's authority.
func (w *World) SetMintAuthority(a Asset, authority solana.PublicKey) {
	w.mustSet(a.ConfidentialMint, w.Programs.ConfidentialToken, program.ConfidentialMintDiscriminator, &program.ConfidentialMint{
		MintAuthority: authority,
		Decimals:      a.Decimals,
		IsInitialized: true,
	})
}

// Fund creates a confidential account holding amount. When allow is set the
// owner gets a decryption allowance for the initial handle.
func (w *World) Fund(owner solana.PublicKey, a Asset, amount uint64, allow bool) solana.PublicKey {
	pk := solana.NewWallet().PublicKey()
	handle := deriveHandle(confidential.Handle{}, pk.Bytes(), "fund")
	w.setValue(handle, amount)
	w.mustSet(pk, w.Programs.ConfidentialToken, program.ConfidentialAccountDiscriminator, &program.ConfidentialAccount{
		Mint:          a.ConfidentialMint,
		Owner:         owner,
		Handle:        handle,
		IsInitialized: true,
	})
	if allow {
		w.Allow(handle, owner)
	}
	return pk
}

func (w *World) Allow(handle confidential.Handle, grantee solana.PublicKey) {
	pda, _, _ := dex.DeriveAllowancePDA(w.Programs.Lightning, handle, grantee)
	w.mustSet(pda, w.Programs.Lightning, program.AllowanceDiscriminator, &program.Allowance{
		Handle:  handle,
		Grantee: grantee,
		Allowed: true,
	})
}

// CollateralAccount creates the owner's associated token account for mint.
func (w *World) CollateralAccount(owner, mint solana.PublicKey) solana.PublicKey {
	ata, _, _ := solana.FindAssociatedTokenAddress(owner, mint)
	w.Ledger.SetAccount(ata, Account{Owner: solana.TokenProgramID, Data: make([]byte, 165)})
	return ata
}

// RestOrder writes an open order directly, escrowing into the market vault
// as place_order would.
func (w *World) RestOrder(owner solana.PublicKey, side program.Side, price, size uint64) solana.PublicKey {
	state := w.Market()
	orderPK, bump, _ := dex.DeriveOrderPDA(w.Programs.Orderbook, w.MarketState, owner, state.OrderSeq)

	escrow := size
	vault := w.BaseVault
	if side == program.SideBid {
		escrow = size * price
		vault = w.QuoteVault
	}
	w.addToAccount(vault, escrow)

	remaining := deriveHandle(confidential.Handle{}, orderPK.Bytes(), "remaining")
	w.setValue(remaining, size)
	sizeHandle := deriveHandle(confidential.Handle{}, orderPK.Bytes(), "size")
	w.setValue(sizeHandle, size)
	escrowHandle := deriveHandle(confidential.Handle{}, orderPK.Bytes(), "escrow")
	w.setValue(escrowHandle, escrow)

	w.mustSet(orderPK, w.Programs.Orderbook, program.OrderDiscriminator, &program.Order{
		Market:          w.MarketState,
		Owner:           owner,
		Side:            side,
		Price:           price,
		Seq:             state.OrderSeq,
		SizeHandle:      sizeHandle,
		RemainingHandle: remaining,
		EscrowHandle:    escrowHandle,
		Status:          program.OrderOpen,
		Bump:            bump,
	})
	state.OrderSeq++
	w.mustSet(w.MarketState, w.Programs.Orderbook, program.MarketStateDiscriminator, state)
	return orderPK
}

func (w *World) addToAccount(pk solana.PublicKey, amount uint64) {
	acct := w.ConfidentialAccount(pk)
	next := deriveHandle(acct.Handle, uint256.NewInt(amount).Bytes(), "seed")
	w.setValue(next, w.valueOf(acct.Handle)+amount)
	acct.Handle = next
	w.mustSet(pk, w.Programs.ConfidentialToken, program.ConfidentialAccountDiscriminator, acct)
}

func (w *World) Market() *program.MarketState {
	data, _ := w.Ledger.AccountData(w.MarketState)
	state, err := program.DecodeMarketState(data)
	if err != nil {
		panic(err)
	}
	return state
}

func (w *World) Order(pk solana.PublicKey) *program.Order {
	data, ok := w.Ledger.AccountData(pk)
	if !ok {
		return nil
	}
	order, err := program.DecodeOrder(data)
	if err != nil {
		panic(err)
	}
	return order
}

func (w *World) ConfidentialAccount(pk solana.PublicKey) *program.ConfidentialAccount {
	data, ok := w.Ledger.AccountData(pk)
	if !ok {
		return nil
	}
	acct, err := program.DecodeConfidentialAccount(data)
	if err != nil {
		panic(err)
	}
	return acct
}

// Balance returns the plaintext behind an account's current handle.
func (w *World) Balance(pk solana.PublicKey) uint64 {
	acct := w.ConfidentialAccount(pk)
	if acct == nil {
		return 0
	}
	return w.valueOf(acct.Handle)
}

// ShieldedPool returns the pool account for an asset.
func (w *World) ShieldedPool(a Asset) *program.ShieldedPool {
	data, _ := w.Ledger.AccountData(a.ShieldedPool)
	pool, err := program.DecodeShieldedPool(data)
	if err != nil {
		panic(err)
	}
	return pool
}

// Reveal plays the decryption service: it answers only when an allowance
// for (handle, requester) exists.
func (w *World) Reveal(_ context.Context, handle confidential.Handle, signer confidential.MessageSigner) (*uint256.Int, error) {
	pda, _, err := dex.DeriveAllowancePDA(w.Programs.Lightning, handle, signer.PublicKey())
	if err != nil {
		return nil, err
	}
	data, ok := w.Ledger.AccountData(pda)
	if !ok {
		return nil, fmt.Errorf("%w: no allowance for %s", confidential.ErrNotAllowed, signer.PublicKey())
	}
	allowance, err := program.DecodeAllowance(data)
	if err != nil || !allowance.Allowed {
		return nil, fmt.Errorf("%w: allowance revoked", confidential.ErrNotAllowed)
	}
	return uint256.NewInt(w.valueOf(handle)), nil
}

func (w *World) valueOf(h confidential.Handle) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.values[h]
}

func (w *World) setValue(h confidential.Handle, v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[h] = v
}

func (w *World) mustSet(pk, owner solana.PublicKey, disc [8]byte, account any) {
	data, err := program.EncodeAccount(disc, account)
	if err != nil {
		panic(err)
	}
	w.Ledger.SetAccount(pk, Account{Owner: owner, Data: data})
}
