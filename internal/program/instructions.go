package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
)

type InitializeAccountAccounts struct {
	Account solana.PublicKey
	Mint    solana.PublicKey
	Owner   solana.PublicKey
	Payer   solana.PublicKey
}

// NewInitializeAccountInstruction creates a confidential account at a
// freshly generated address, so Account must sign.
func NewInitializeAccountInstruction(programID solana.PublicKey, a InitializeAccountAccounts) (solana.Instruction, error) {
	data, err := encodeInstruction(initializeAccountDisc, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Account, true, true),
		solana.NewAccountMeta(a.Mint, false, false),
		solana.NewAccountMeta(a.Owner, false, false),
		solana.NewAccountMeta(a.Payer, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

type AllowArgs struct {
	Handle  confidential.Handle
	Allowed bool
}

type AllowAccounts struct {
	Allowance solana.PublicKey
	Payer     solana.PublicKey
	Grantee   solana.PublicKey
}

func NewAllowInstruction(programID solana.PublicKey, a AllowAccounts, args AllowArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(allowDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Allowance, true, false),
		solana.NewAccountMeta(a.Payer, true, true),
		solana.NewAccountMeta(a.Grantee, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// AmountArgs carries a plaintext collateral amount plus the encrypted
// confidential amount it mirrors.
type AmountArgs struct {
	Amount     uint64
	Ciphertext []byte
	InputType  uint8
}

func NewAmountArgs(amount uint64, ct confidential.Ciphertext) AmountArgs {
	return AmountArgs{Amount: amount, Ciphertext: ct.Data, InputType: ct.InputType()}
}

type WrapAccounts struct {
	Vault               solana.PublicKey
	WrapAuthority       solana.PublicKey
	CollateralMint      solana.PublicKey
	ConfidentialMint    solana.PublicKey
	Custody             solana.PublicKey
	UserCollateral      solana.PublicKey
	UserConfidential    solana.PublicKey
	Owner               solana.PublicKey
	ConfidentialProgram solana.PublicKey
	LightningProgram    solana.PublicKey
	// Remaining is appended after the fixed accounts; the wrap program
	// grants allowances for (allowance PDA, grantee) pairs found here.
	Remaining solana.AccountMetaSlice
}

func NewWrapInstruction(programID solana.PublicKey, a WrapAccounts, args AmountArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(wrapDisc, &args)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Vault, false, false),
		solana.NewAccountMeta(a.WrapAuthority, false, false),
		solana.NewAccountMeta(a.CollateralMint, false, false),
		solana.NewAccountMeta(a.ConfidentialMint, true, false),
		solana.NewAccountMeta(a.Custody, true, false),
		solana.NewAccountMeta(a.UserCollateral, true, false),
		solana.NewAccountMeta(a.UserConfidential, true, false),
		solana.NewAccountMeta(a.Owner, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.ConfidentialProgram, false, false),
		solana.NewAccountMeta(a.LightningProgram, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	accounts = append(accounts, a.Remaining...)
	return solana.NewInstruction(programID, accounts, data), nil
}

type UnwrapAccounts struct {
	Vault               solana.PublicKey
	WrapAuthority       solana.PublicKey
	CollateralMint      solana.PublicKey
	ConfidentialMint    solana.PublicKey
	Custody             solana.PublicKey
	UserCollateral      solana.PublicKey
	UserConfidential    solana.PublicKey
	Owner               solana.PublicKey
	ConfidentialProgram solana.PublicKey
}

func NewUnwrapInstruction(programID solana.PublicKey, a UnwrapAccounts, args AmountArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(unwrapDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Vault, false, false),
		solana.NewAccountMeta(a.WrapAuthority, false, false),
		solana.NewAccountMeta(a.CollateralMint, false, false),
		solana.NewAccountMeta(a.ConfidentialMint, true, false),
		solana.NewAccountMeta(a.Custody, true, false),
		solana.NewAccountMeta(a.UserCollateral, true, false),
		solana.NewAccountMeta(a.UserConfidential, true, false),
		solana.NewAccountMeta(a.Owner, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.ConfidentialProgram, false, false),
	}, data), nil
}

type ShieldArgs struct {
	Amount     uint64
	Commitment [32]byte
}

type ShieldAccounts struct {
	Vault          solana.PublicKey
	ShieldedPool   solana.PublicKey
	CollateralMint solana.PublicKey
	Custody        solana.PublicKey
	UserCollateral solana.PublicKey
	Owner          solana.PublicKey
}

func NewShieldInstruction(programID solana.PublicKey, a ShieldAccounts, args ShieldArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(shieldDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Vault, false, false),
		solana.NewAccountMeta(a.ShieldedPool, true, false),
		solana.NewAccountMeta(a.CollateralMint, false, false),
		solana.NewAccountMeta(a.Custody, true, false),
		solana.NewAccountMeta(a.UserCollateral, true, false),
		solana.NewAccountMeta(a.Owner, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

type UnshieldArgs struct {
	Proof     []byte
	Root      [32]byte
	Nullifier [32]byte
	Recipient solana.PublicKey
	Amount    uint64
}

type UnshieldAccounts struct {
	Vault               solana.PublicKey
	WrapAuthority       solana.PublicKey
	ShieldedPool        solana.PublicKey
	NullifierRecord     solana.PublicKey
	Custody             solana.PublicKey
	RecipientCollateral solana.PublicKey
	Payer               solana.PublicKey
}

func NewUnshieldInstruction(programID solana.PublicKey, a UnshieldAccounts, args UnshieldArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(unshieldDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Vault, false, false),
		solana.NewAccountMeta(a.WrapAuthority, false, false),
		solana.NewAccountMeta(a.ShieldedPool, true, false),
		solana.NewAccountMeta(a.NullifierRecord, true, false),
		solana.NewAccountMeta(a.Custody, true, false),
		solana.NewAccountMeta(a.RecipientCollateral, true, false),
		solana.NewAccountMeta(a.Payer, true, true),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

type PlaceOrderArgs struct {
	Side      Side
	Price     uint64
	Size      []byte
	Escrow    []byte
	InputType uint8
}

type PlaceOrderAccounts struct {
	MarketState         solana.PublicKey
	Order               solana.PublicKey
	Owner               solana.PublicKey
	OwnerSource         solana.PublicKey
	Vault               solana.PublicKey
	VaultAuthority      solana.PublicKey
	ConfidentialProgram solana.PublicKey
	// UserDeposit is the owner's per-market deposit record.
	UserDeposit solana.PublicKey
}

func NewPlaceOrderInstruction(programID solana.PublicKey, a PlaceOrderAccounts, args PlaceOrderArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(placeOrderDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.MarketState, true, false),
		solana.NewAccountMeta(a.Order, true, false),
		solana.NewAccountMeta(a.Owner, true, true),
		solana.NewAccountMeta(a.OwnerSource, true, false),
		solana.NewAccountMeta(a.Vault, true, false),
		solana.NewAccountMeta(a.VaultAuthority, false, false),
		solana.NewAccountMeta(a.ConfidentialProgram, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(a.UserDeposit, true, false),
	}, data), nil
}

type MatchOrdersArgs struct {
	BaseAmount  []byte
	QuoteAmount []byte
	InputType   uint8
}

type MatchOrdersAccounts struct {
	MarketState         solana.PublicKey
	MatchingAuthority   solana.PublicKey
	TakerOrder          solana.PublicKey
	MakerOrder          solana.PublicKey
	VaultAuthority      solana.PublicKey
	BaseVault           solana.PublicKey
	QuoteVault          solana.PublicKey
	BidOwnerBase        solana.PublicKey
	AskOwnerQuote       solana.PublicKey
	ConfidentialProgram solana.PublicKey
}

func NewMatchOrdersInstruction(programID solana.PublicKey, a MatchOrdersAccounts, args MatchOrdersArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(matchOrdersDisc, &args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(a.MarketState, true, false),
		solana.NewAccountMeta(a.MatchingAuthority, false, true),
		solana.NewAccountMeta(a.TakerOrder, true, false),
		solana.NewAccountMeta(a.MakerOrder, true, false),
		solana.NewAccountMeta(a.VaultAuthority, false, false),
		solana.NewAccountMeta(a.BaseVault, true, false),
		solana.NewAccountMeta(a.QuoteVault, true, false),
		solana.NewAccountMeta(a.BidOwnerBase, true, false),
		solana.NewAccountMeta(a.AskOwnerQuote, true, false),
		solana.NewAccountMeta(a.ConfidentialProgram, false, false),
	}, data), nil
}

// DecodeArgs parses instruction data written by one of the builders above.
func DecodeArgs(data []byte, out any) error {
	if len(data) < 8 {
		return fmt.Errorf("instruction data too short (%d bytes)", len(data))
	}
	return bin.NewBorshDecoder(data[8:]).Decode(out)
}

func encodeInstruction(disc [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode instruction args: %w", err)
		}
	}
	return buf.Bytes(), nil
}
