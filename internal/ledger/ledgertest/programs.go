package ledgertest

import (
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/program"
)

func (w *World) confidentialTokenProgram(env *Env, ix Instruction) error {
	name, _ := program.InstructionName(ix.Data)
	if name != "initialize_account" {
		return env.Fail("InvalidInstruction", "confidential token: unsupported instruction %q", name)
	}
	account := ix.Account(0)
	if !ix.Signed(0) || !ix.Signed(3) {
		return env.Fail("MissingSigner", "account and payer must sign")
	}
	if _, exists := env.Get(account); exists {
		return env.Fail("AccountAlreadyInUse", "account %s exists", account)
	}
	if _, err := w.mint(env, ix.Account(1)); err != nil {
		return err
	}
	handle := deriveHandle(confidential.Handle{}, account.Bytes(), "init")
	w.setValue(handle, 0)
	env.Logf("initialized confidential account %s", account)
	return w.put(env, account, w.Programs.ConfidentialToken, program.ConfidentialAccountDiscriminator, &program.ConfidentialAccount{
		Mint:          ix.Account(1),
		Owner:         ix.Account(2),
		Handle:        handle,
		IsInitialized: true,
	})
}

func (w *World) lightningProgram(env *Env, ix Instruction) error {
	name, _ := program.InstructionName(ix.Data)
	if name != "allow" {
		return env.Fail("InvalidInstruction", "lightning: unsupported instruction %q", name)
	}
	var args program.AllowArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	if !ix.Signed(1) {
		return env.Fail("MissingSigner", "payer must sign")
	}
	return w.grant(env, ix.Account(0), args.Handle, ix.Account(2), args.Allowed)
}

func (w *World) grant(env *Env, allowance solana.PublicKey, handle confidential.Handle, grantee solana.PublicKey, allowed bool) error {
	want, _, err := dex.DeriveAllowancePDA(w.Programs.Lightning, handle, grantee)
	if err != nil {
		return env.Fail("InvalidSeeds", "%v", err)
	}
	if allowance != want {
		return env.Fail("AllowanceAddressMismatch", "allowance %s does not match derived %s", allowance, want)
	}
	return w.put(env, allowance, w.Programs.Lightning, program.AllowanceDiscriminator, &program.Allowance{
		Handle:  handle,
		Grantee: grantee,
		Allowed: allowed,
	})
}

func (w *World) wrapProgram(env *Env, ix Instruction) error {
	name, _ := program.InstructionName(ix.Data)
	switch name {
	case "wrap":
		return w.wrap(env, ix)
	case "unwrap":
		return w.unwrap(env, ix)
	case "shield":
		return w.shield(env, ix)
	case "unshield":
		return w.unshield(env, ix)
	default:
		return env.Fail("InvalidInstruction", "wrap: unsupported instruction %q", name)
	}
}

func (w *World) wrap(env *Env, ix Instruction) error {
	var args program.AmountArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	if err := w.checkVault(env, ix.Account(0), ix.Account(1), ix.Account(3)); err != nil {
		return err
	}
	if !ix.Signed(7) {
		return env.Fail("MissingSigner", "owner must sign")
	}
	if _, ok := env.Get(ix.Account(5)); !ok {
		return env.Fail("AccountNotInitialized", "collateral account %s missing", ix.Account(5))
	}
	if err := w.checkAmount(env, args); err != nil {
		return err
	}
	handle, err := w.credit(env, ix.Account(6), ix.Account(7), ix.Account(3), args.Amount, args.Ciphertext, "wrap")
	if err != nil {
		return err
	}
	env.Logf("wrapped %d into %s", args.Amount, ix.Account(6))

	// Trailing (allowance, grantee) pairs are granted access to the new
	// handle; a pair derived from any other handle was built against stale state.
	for i := 12; i+1 < len(ix.Accounts); i += 2 {
		want, _, _ := dex.DeriveAllowancePDA(w.Programs.Lightning, handle, ix.Account(i+1))
		if want != ix.Account(i) {
			return env.Fail("StaleHandle", "allowance %s was not derived from handle %s", ix.Account(i), handle)
		}
		if err := w.grant(env, ix.Account(i), handle, ix.Account(i+1), true); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) unwrap(env *Env, ix Instruction) error {
	var args program.AmountArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	if err := w.checkVault(env, ix.Account(0), ix.Account(1), ix.Account(3)); err != nil {
		return err
	}
	if !ix.Signed(7) {
		return env.Fail("MissingSigner", "owner must sign")
	}
	if _, ok := env.Get(ix.Account(5)); !ok {
		return env.Fail("AccountNotInitialized", "collateral account %s missing", ix.Account(5))
	}
	if err := w.checkAmount(env, args); err != nil {
		return err
	}
	if _, err := w.debit(env, ix.Account(6), ix.Account(7), ix.Account(3), args.Amount, args.Ciphertext, "unwrap"); err != nil {
		return err
	}
	env.Logf("unwrapped %d from %s", args.Amount, ix.Account(6))
	return nil
}

func (w *World) shield(env *Env, ix Instruction) error {
	var args program.ShieldArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	if !ix.Signed(5) {
		return env.Fail("MissingSigner", "owner must sign")
	}
	if args.Amount == 0 {
		return env.Fail("InvalidAmount", "shield amount must be positive")
	}
	if _, ok := env.Get(ix.Account(4)); !ok {
		return env.Fail("AccountNotInitialized", "collateral account %s missing", ix.Account(4))
	}
	pool, err := w.pool(env, ix.Account(1))
	if err != nil {
		return err
	}
	if pool.Vault != ix.Account(0) {
		return env.Fail("VaultMismatch", "pool belongs to %s", pool.Vault)
	}
	env.Logf("commitment %d inserted", pool.NextIndex)
	pool.NextIndex++
	return w.put(env, ix.Account(1), w.Programs.Wrap, program.ShieldedPoolDiscriminator, pool)
}

func (w *World) unshield(env *Env, ix Instruction) error {
	var args program.UnshieldArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	if !ix.Signed(6) {
		return env.Fail("MissingSigner", "payer must sign")
	}
	if len(args.Proof) == 0 {
		return env.Fail("InvalidProof", "empty proof")
	}
	if _, err := w.pool(env, ix.Account(2)); err != nil {
		return err
	}
	want, _, err := dex.DeriveNullifierPDA(w.Programs.Wrap, ix.Account(2), args.Nullifier)
	if err != nil || want != ix.Account(3) {
		return env.Fail("InvalidSeeds", "nullifier record mismatch")
	}
	if _, used := env.Get(want); used {
		return env.Fail("NullifierAlreadyUsed", "nullifier %x spent", args.Nullifier[:4])
	}
	if _, ok := env.Get(ix.Account(5)); !ok {
		return env.Fail("AccountNotInitialized", "recipient collateral account %s missing", ix.Account(5))
	}
	env.Set(want, &Account{Owner: w.Programs.Wrap, Data: append([]byte(nil), args.Nullifier[:]...)})
	env.Logf("unshielded %d to %s", args.Amount, args.Recipient)
	return nil
}

func (w *World) orderbookProgram(env *Env, ix Instruction) error {
	name, _ := program.InstructionName(ix.Data)
	switch name {
	case "place_order":
		return w.placeOrder(env, ix)
	case "match_orders":
		return w.matchOrders(env, ix)
	default:
		return env.Fail("InvalidInstruction", "orderbook: unsupported instruction %q", name)
	}
}

func (w *World) placeOrder(env *Env, ix Instruction) error {
	var args program.PlaceOrderArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	statePK, orderPK, owner := ix.Account(0), ix.Account(1), ix.Account(2)
	if !ix.Signed(2) {
		return env.Fail("MissingSigner", "owner must sign")
	}
	state, err := w.market(env, statePK)
	if err != nil {
		return err
	}
	want, bump, err := dex.DeriveOrderPDA(w.Programs.Orderbook, statePK, owner, state.OrderSeq)
	if err != nil || want != orderPK {
		return env.Fail("InvalidOrderAddress", "order %s does not match sequence %d", orderPK, state.OrderSeq)
	}
	if _, exists := env.Get(orderPK); exists {
		return env.Fail("AccountAlreadyInUse", "order %s exists", orderPK)
	}
	deposit, _, err := dex.DeriveUserDepositPDA(w.Programs.Orderbook, statePK, owner)
	if err != nil || ix.Account(8) != deposit {
		return env.Fail("InvalidDepositAddress", "deposit %s is not derived from owner %s", ix.Account(8), owner)
	}

	size, err := decrypt(env, args.Size)
	if err != nil {
		return err
	}
	escrow, err := decrypt(env, args.Escrow)
	if err != nil {
		return err
	}
	if size == 0 || args.Price == 0 {
		return env.Fail("InvalidAmount", "size and price must be positive")
	}
	vault, mint, wantEscrow := state.BaseVault, state.BaseMint, size
	if args.Side == program.SideBid {
		vault, mint, wantEscrow = state.QuoteVault, state.QuoteMint, size*args.Price
	}
	if escrow != wantEscrow {
		return env.Fail("EscrowMismatch", "escrow %d, expected %d", escrow, wantEscrow)
	}
	if ix.Account(4) != vault {
		return env.Fail("VaultMismatch", "expected vault %s", vault)
	}
	if _, err := w.debit(env, ix.Account(3), owner, mint, escrow, args.Escrow, "escrow"); err != nil {
		return err
	}
	escrowHandle, err := w.credit(env, vault, state.VaultAuthority, mint, escrow, args.Escrow, "escrow")
	if err != nil {
		return err
	}

	sizeHandle := deriveHandle(confidential.Handle{}, args.Size, "size")
	remaining := deriveHandle(sizeHandle, orderPK.Bytes(), "remaining")
	w.setValue(sizeHandle, size)
	w.setValue(remaining, size)
	order := &program.Order{
		Market:          statePK,
		Owner:           owner,
		Side:            args.Side,
		Price:           args.Price,
		Seq:             state.OrderSeq,
		SizeHandle:      sizeHandle,
		RemainingHandle: remaining,
		EscrowHandle:    escrowHandle,
		Status:          program.OrderOpen,
		Bump:            bump,
	}
	state.OrderSeq++
	env.Logf("placed %s order %d at %d", args.Side, order.Seq, args.Price)
	if err := w.put(env, orderPK, w.Programs.Orderbook, program.OrderDiscriminator, order); err != nil {
		return err
	}
	return w.put(env, statePK, w.Programs.Orderbook, program.MarketStateDiscriminator, state)
}

func (w *World) matchOrders(env *Env, ix Instruction) error {
	var args program.MatchOrdersArgs
	if err := program.DecodeArgs(ix.Data, &args); err != nil {
		return env.Fail("InvalidInstructionData", "%v", err)
	}
	state, err := w.market(env, ix.Account(0))
	if err != nil {
		return err
	}
	if !ix.Signed(1) || ix.Account(1) != state.MatchingAuthority {
		return env.Fail("UnauthorizedMatcher", "%s is not the matching authority", ix.Account(1))
	}
	takerPK, makerPK := ix.Account(2), ix.Account(3)
	taker, err := w.order(env, takerPK)
	if err != nil {
		return err
	}
	maker, err := w.order(env, makerPK)
	if err != nil {
		return err
	}
	if !taker.IsOpen() || !maker.IsOpen() {
		return env.Fail("OrderNotOpen", "both orders must be open")
	}
	if taker.Side == maker.Side {
		return env.Fail("SameSide", "orders are both %s", taker.Side)
	}
	bid, ask := taker, maker
	if taker.Side == program.SideAsk {
		bid, ask = maker, taker
	}
	if bid.Price < ask.Price {
		return env.Fail("PricesDoNotCross", "bid %d < ask %d", bid.Price, ask.Price)
	}

	base, err := decrypt(env, args.BaseAmount)
	if err != nil {
		return err
	}
	quote, err := decrypt(env, args.QuoteAmount)
	if err != nil {
		return err
	}
	if base == 0 || quote != base*maker.Price {
		return env.Fail("QuoteMismatch", "quote %d for base %d at %d", quote, base, maker.Price)
	}
	for _, o := range []*program.Order{taker, maker} {
		if left := w.valueOf(o.RemainingHandle); base > left {
			return env.Fail("FillExceedsRemaining", "order %d has %d remaining", o.Seq, left)
		}
	}

	if ix.Account(5) != state.BaseVault || ix.Account(6) != state.QuoteVault {
		return env.Fail("VaultMismatch", "market vaults do not match")
	}
	if _, err := w.debit(env, state.BaseVault, state.VaultAuthority, state.BaseMint, base, args.BaseAmount, "fill"); err != nil {
		return err
	}
	if _, err := w.credit(env, ix.Account(7), bid.Owner, state.BaseMint, base, args.BaseAmount, "fill"); err != nil {
		return err
	}
	if _, err := w.debit(env, state.QuoteVault, state.VaultAuthority, state.QuoteMint, quote, args.QuoteAmount, "fill"); err != nil {
		return err
	}
	if _, err := w.credit(env, ix.Account(8), ask.Owner, state.QuoteMint, quote, args.QuoteAmount, "fill"); err != nil {
		return err
	}

	for pk, o := range map[solana.PublicKey]*program.Order{takerPK: taker, makerPK: maker} {
		left := w.valueOf(o.RemainingHandle) - base
		o.RemainingHandle = deriveHandle(o.RemainingHandle, args.BaseAmount, "fill")
		w.setValue(o.RemainingHandle, left)
		if left == 0 {
			o.Status = program.OrderFilled
		}
		if err := w.put(env, pk, w.Programs.Orderbook, program.OrderDiscriminator, o); err != nil {
			return err
		}
	}
	env.Logf("matched %d base at %d", base, maker.Price)
	return nil
}

func (w *World) checkVault(env *Env, vaultPK, authority, confidentialMint solana.PublicKey) error {
	acc, ok := env.Get(vaultPK)
	if !ok {
		return env.Fail("VaultNotInitialized", "vault %s missing", vaultPK)
	}
	vault, err := program.DecodeVault(acc.Data)
	if err != nil || !vault.Initialized {
		return env.Fail("VaultNotInitialized", "vault %s not initialized", vaultPK)
	}
	if vault.Authority != authority || vault.ConfidentialMint != confidentialMint {
		return env.Fail("InvalidSeeds", "vault authority or mint mismatch")
	}
	mint, err := w.mint(env, confidentialMint)
	if err != nil {
		return err
	}
	if mint.MintAuthority != authority {
		return env.Fail("MintAuthorityNotDelegated", "mint authority is %s", mint.MintAuthority)
	}
	return nil
}

func (w *World) checkAmount(env *Env, args program.AmountArgs) error {
	v, err := decrypt(env, args.Ciphertext)
	if err != nil {
		return err
	}
	if v != args.Amount || v == 0 {
		return env.Fail("AmountMismatch", "ciphertext does not encode %d", args.Amount)
	}
	return nil
}

func decrypt(env *Env, ct []byte) (uint64, error) {
	v, err := DecryptCiphertext(ct)
	if err != nil {
		return 0, env.Fail("InvalidCiphertext", "%v", err)
	}
	return v, nil
}

func (w *World) credit(env *Env, pk, owner, mint solana.PublicKey, amount uint64, ct []byte, label string) (confidential.Handle, error) {
	return w.adjust(env, pk, owner, mint, ct, label, func(v uint64) (uint64, bool) { return v + amount, true })
}

func (w *World) debit(env *Env, pk, owner, mint solana.PublicKey, amount uint64, ct []byte, label string) (confidential.Handle, error) {
	return w.adjust(env, pk, owner, mint, ct, label, func(v uint64) (uint64, bool) { return v - amount, v >= amount })
}

func (w *World) adjust(env *Env, pk, owner, mint solana.PublicKey, ct []byte, label string, apply func(uint64) (uint64, bool)) (confidential.Handle, error) {
	acc, ok := env.Get(pk)
	if !ok {
		return confidential.Handle{}, env.Fail("AccountNotInitialized", "confidential account %s missing", pk)
	}
	ca, err := program.DecodeConfidentialAccount(acc.Data)
	if err != nil {
		return confidential.Handle{}, env.Fail("InvalidAccountData", "%v", err)
	}
	if ca.Owner != owner || ca.Mint != mint {
		return confidential.Handle{}, env.Fail("AccountMismatch", "%s is not owned by %s for mint %s", pk, owner, mint)
	}
	next, ok := apply(w.valueOf(ca.Handle))
	if !ok {
		return confidential.Handle{}, env.Fail("InsufficientFunds", "account %s", pk)
	}
	ca.Handle = deriveHandle(ca.Handle, ct, label)
	w.setValue(ca.Handle, next)
	return ca.Handle, w.put(env, pk, w.Programs.ConfidentialToken, program.ConfidentialAccountDiscriminator, ca)
}

func (w *World) mint(env *Env, pk solana.PublicKey) (*program.ConfidentialMint, error) {
	acc, ok := env.Get(pk)
	if !ok {
		return nil, env.Fail("InvalidMint", "mint %s missing", pk)
	}
	m, err := program.DecodeConfidentialMint(acc.Data)
	if err != nil {
		return nil, env.Fail("InvalidMint", "%v", err)
	}
	return m, nil
}

func (w *World) market(env *Env, pk solana.PublicKey) (*program.MarketState, error) {
	acc, ok := env.Get(pk)
	if !ok {
		return nil, env.Fail("AccountNotInitialized", "market %s missing", pk)
	}
	state, err := program.DecodeMarketState(acc.Data)
	if err != nil {
		return nil, env.Fail("InvalidAccountData", "%v", err)
	}
	return state, nil
}

func (w *World) order(env *Env, pk solana.PublicKey) (*program.Order, error) {
	acc, ok := env.Get(pk)
	if !ok {
		return nil, env.Fail("AccountNotInitialized", "order %s missing", pk)
	}
	o, err := program.DecodeOrder(acc.Data)
	if err != nil {
		return nil, env.Fail("InvalidAccountData", "%v", err)
	}
	return o, nil
}

func (w *World) pool(env *Env, pk solana.PublicKey) (*program.ShieldedPool, error) {
	acc, ok := env.Get(pk)
	if !ok {
		return nil, env.Fail("AccountNotInitialized", "pool %s missing", pk)
	}
	p, err := program.DecodeShieldedPool(acc.Data)
	if err != nil {
		return nil, env.Fail("InvalidAccountData", "%v", err)
	}
	return p, nil
}

func (w *World) put(env *Env, pk, owner solana.PublicKey, disc [8]byte, account any) error {
	data, err := program.EncodeAccount(disc, account)
	if err != nil {
		return env.Fail("AccountSerialize", "%v", err)
	}
	env.Set(pk, &Account{Owner: owner, Data: data})
	return nil
}
