package program

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
)

var ErrInvalidAccount = errors.New("invalid account data")

// Byte offsets inside a ConfidentialAccount, used for memcmp filters.
const (
	ConfidentialAccountMintOffset  = 8
	ConfidentialAccountOwnerOffset = 8 + 32
	ConfidentialAccountSize        = 8 + 32 + 32 + confidential.HandleSize + 1
)

type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bid", "buy":
		return SideBid, nil
	case "ask", "sell":
		return SideAsk, nil
	default:
		return 0, fmt.Errorf("invalid side %q (expected bid|ask)", raw)
	}
}

type OrderStatus uint8

const (
	OrderOpen OrderStatus = iota
	OrderFilled
	OrderClosed
)

type ConfidentialAccount struct {
	Mint          solana.PublicKey
	Owner         solana.PublicKey
	Handle        confidential.Handle
	IsInitialized bool
}

type ConfidentialMint struct {
	MintAuthority solana.PublicKey
	SupplyHandle  confidential.Handle
	Decimals      uint8
	IsInitialized bool
}

type MarketState struct {
	Admin             solana.PublicKey
	MatchingAuthority solana.PublicKey
	VaultAuthority    solana.PublicKey
	BaseVault         solana.PublicKey
	QuoteVault        solana.PublicKey
	BaseMint          solana.PublicKey
	QuoteMint         solana.PublicKey
	OrderSeq          uint64
	Bump              uint8
}

type Order struct {
	Market          solana.PublicKey
	Owner           solana.PublicKey
	Side            Side
	Price           uint64
	Seq             uint64
	SizeHandle      confidential.Handle
	RemainingHandle confidential.Handle
	EscrowHandle    confidential.Handle
	Status          OrderStatus
	Bump            uint8
}

func (o *Order) IsOpen() bool {
	return o.Status == OrderOpen
}

type Vault struct {
	CollateralMint   solana.PublicKey
	ConfidentialMint solana.PublicKey
	Custody          solana.PublicKey
	Authority        solana.PublicKey
	Initialized      bool
	Bump             uint8
}

type ShieldedPool struct {
	Vault     solana.PublicKey
	NextIndex uint64
	Root      [32]byte
}

type Allowance struct {
	Handle  confidential.Handle
	Grantee solana.PublicKey
	Allowed bool
}

// DecodeConfidentialAccount parses account data. The handle goes through
// confidential.ExtractHandle so a truncated buffer is a *DecodeError.
func DecodeConfidentialAccount(data []byte) (*ConfidentialAccount, error) {
	if err := checkDiscriminator("confidential account", data, ConfidentialAccountDiscriminator); err != nil {
		return nil, err
	}
	handle, err := confidential.ExtractHandle(data)
	if err != nil {
		return nil, err
	}
	out := new(ConfidentialAccount)
	if err := decodeBody(data, out); err != nil {
		return nil, fmt.Errorf("decode confidential account: %w", err)
	}
	out.Handle = handle
	return out, nil
}

func DecodeConfidentialMint(data []byte) (*ConfidentialMint, error) {
	out := new(ConfidentialMint)
	if err := decodeAccount("confidential mint", data, ConfidentialMintDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeMarketState(data []byte) (*MarketState, error) {
	out := new(MarketState)
	if err := decodeAccount("market state", data, MarketStateDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeOrder(data []byte) (*Order, error) {
	out := new(Order)
	if err := decodeAccount("order", data, OrderDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeVault(data []byte) (*Vault, error) {
	out := new(Vault)
	if err := decodeAccount("vault", data, VaultDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeShieldedPool(data []byte) (*ShieldedPool, error) {
	out := new(ShieldedPool)
	if err := decodeAccount("shielded pool", data, ShieldedPoolDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeAllowance(data []byte) (*Allowance, error) {
	out := new(Allowance)
	if err := decodeAccount("allowance", data, AllowanceDiscriminator, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeAccount(kind string, data []byte, disc [8]byte, out any) error {
	if err := checkDiscriminator(kind, data, disc); err != nil {
		return err
	}
	if err := decodeBody(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func decodeBody(data []byte, out any) error {
	if err := bin.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return nil
}

// EncodeAccount serializes an account with its discriminator. Used by
// local ledgers and fixtures.
func EncodeAccount(disc [8]byte, account any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(account); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
