// Package assembler builds the relay-sponsored token transfer
// transaction: compute-budget directives, any missing associated
// token account creations, the transfer itself, an optional fee
// transfer, and an optional memo, partially signed by the relay as
// fee payer. The caller's signature slot stays empty; completing it
// happens out of band.
package assembler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/congestion"
	"pkt.systems/relayd/internal/ledger"
	"pkt.systems/relayd/internal/svcfields"
)

// ErrSenderAccountMissing is returned when the sender's associated token
// account does not exist. The relay never creates it: sponsoring rent for
// arbitrary sender accounts would let an attacker drain the relay by
// fabricating transfers from fresh addresses.
var ErrSenderAccountMissing = errors.New("assembler: sender token account does not exist, create sender account first")

const (
	// tokenAccountSize is the byte size of an SPL token account, used for
	// rent-exemption queries.
	tokenAccountSize = 165
	// lamportsPerSignature is the base network fee per required signature.
	lamportsPerSignature = 5_000
)

// Intent is a validated transfer request. Addresses are already parsed;
// Amount is in the mint's smallest denomination.
type Intent struct {
	Sender   solana.PublicKey
	Receiver solana.PublicKey
	Mint     solana.PublicKey
	Amount   uint64

	// FeeAmount and FeeRecipient describe an optional second transfer,
	// typically the relay operator's service fee. Both must be set for the
	// fee leg to be emitted.
	FeeAmount    uint64
	FeeRecipient solana.PublicKey

	Memo string
}

func (in Intent) hasFee() bool {
	return in.FeeAmount > 0 && !in.FeeRecipient.IsZero()
}

// Signer is one required-signature slot of the assembled transaction.
// Signature is nil until the slot's holder signs.
type Signer struct {
	Key       solana.PublicKey
	Signature *solana.Signature
}

// Assembled is the relay-signed transaction ready to hand back to the
// caller for counter-signing.
type Assembled struct {
	// Tx is the base64 wire form of the transaction.
	Tx string
	// Signers lists the required signature slots in message order; the
	// relay's slot is filled, the sender's is nil.
	Signers []Signer
	// EstimatedCost is the relay's projected spend in lamports: base fees,
	// rent for created accounts, and the priority fee.
	EstimatedCost uint64
	// CreatedAccounts counts the associated token accounts this
	// transaction creates on the relay's dime.
	CreatedAccounts int

	// Transaction is the in-memory form backing Tx, exposed for
	// diagnostics.
	Transaction *solana.Transaction
}

// Config drives Assembler construction.
type Config struct {
	// RelayKey is the fee payer keypair. Required.
	RelayKey solana.PrivateKey
}

// Assembler builds and relay-signs transfer transactions.
type Assembler struct {
	relayKey solana.PrivateKey
	relayPub solana.PublicKey
	client   ledger.Client
	logger   pslog.Logger
}

// New constructs an Assembler over the ledger client.
func New(cfg Config, client ledger.Client, logger pslog.Logger) (*Assembler, error) {
	if len(cfg.RelayKey) == 0 {
		return nil, errors.New("assembler: relay key is required")
	}
	return &Assembler{
		relayKey: cfg.RelayKey,
		relayPub: cfg.RelayKey.PublicKey(),
		client:   client,
		logger:   svcfields.WithSubsystem(logger, "assembler"),
	}, nil
}

// RelayAddress returns the fee payer's public key.
func (a *Assembler) RelayAddress() solana.PublicKey {
	return a.relayPub
}

// Assemble builds the transfer transaction for intent under the supplied
// congestion estimate and partially signs it as fee payer. Instruction
// order is fixed: compute-budget limit and price first so they govern the
// whole transaction, then account creations, then the transfer legs, then
// the memo.
func (a *Assembler) Assemble(ctx context.Context, intent Intent, est congestion.Estimate) (*Assembled, error) {
	senderATA, _, err := solana.FindAssociatedTokenAddress(intent.Sender, intent.Mint)
	if err != nil {
		return nil, fmt.Errorf("assembler: derive sender token account: %w", err)
	}
	exists, err := a.client.AccountExists(ctx, senderATA)
	if err != nil {
		return nil, fmt.Errorf("assembler: check sender token account: %w", err)
	}
	if !exists {
		return nil, ErrSenderAccountMissing
	}

	receiverATA, _, err := solana.FindAssociatedTokenAddress(intent.Receiver, intent.Mint)
	if err != nil {
		return nil, fmt.Errorf("assembler: derive receiver token account: %w", err)
	}

	instrs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(est.ComputeBudget).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(est.PriorityFee).Build(),
	}

	created := 0
	ensured := map[solana.PublicKey]bool{senderATA: true}
	ensure := func(owner, ata solana.PublicKey) error {
		if ensured[ata] {
			return nil
		}
		ensured[ata] = true
		exists, err := a.client.AccountExists(ctx, ata)
		if err != nil {
			return fmt.Errorf("assembler: check token account for %s: %w", owner, err)
		}
		if exists {
			return nil
		}
		instrs = append(instrs,
			associatedtokenaccount.NewCreateInstruction(a.relayPub, owner, intent.Mint).Build())
		created++
		return nil
	}
	if err := ensure(intent.Receiver, receiverATA); err != nil {
		return nil, err
	}

	var feeATA solana.PublicKey
	if intent.hasFee() {
		feeATA, _, err = solana.FindAssociatedTokenAddress(intent.FeeRecipient, intent.Mint)
		if err != nil {
			return nil, fmt.Errorf("assembler: derive fee recipient token account: %w", err)
		}
		if err := ensure(intent.FeeRecipient, feeATA); err != nil {
			return nil, err
		}
	}

	instrs = append(instrs,
		token.NewTransferInstruction(intent.Amount, senderATA, receiverATA, intent.Sender, nil).Build())
	if intent.hasFee() {
		instrs = append(instrs,
			token.NewTransferInstruction(intent.FeeAmount, senderATA, feeATA, intent.Sender, nil).Build())
	}
	if intent.Memo != "" {
		instrs = append(instrs, solana.NewInstruction(
			solana.MemoProgramID,
			solana.AccountMetaSlice{solana.NewAccountMeta(intent.Sender, false, true)},
			[]byte(intent.Memo)))
	}

	blockhash, err := a.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("assembler: fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(a.relayPub))
	if err != nil {
		return nil, fmt.Errorf("assembler: build transaction: %w", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.relayPub) {
			return &a.relayKey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("assembler: relay signature: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("assembler: serialize transaction: %w", err)
	}

	cost, err := a.estimateCost(ctx, tx, est, created)
	if err != nil {
		return nil, err
	}

	out := &Assembled{
		Tx:              base64.StdEncoding.EncodeToString(raw),
		Signers:         signerSlots(tx),
		EstimatedCost:   cost,
		CreatedAccounts: created,
		Transaction:     tx,
	}
	a.logger.Debug("transaction assembled",
		"sender", intent.Sender.String(),
		"mint", intent.Mint.String(),
		"tier", string(est.Tier),
		"created_accounts", created,
		"estimated_cost_lamports", cost)
	return out, nil
}

// estimateCost projects the relay's lamport spend for the transaction:
// base fee per required signature, rent for each created account, and the
// priority fee (microlamports per compute unit over the unit budget).
func (a *Assembler) estimateCost(ctx context.Context, tx *solana.Transaction, est congestion.Estimate, created int) (uint64, error) {
	cost := lamportsPerSignature * uint64(tx.Message.Header.NumRequiredSignatures)
	if created > 0 {
		rent, err := a.client.MinimumBalanceForRentExemption(ctx, tokenAccountSize)
		if err != nil {
			return 0, fmt.Errorf("assembler: rent exemption: %w", err)
		}
		cost += rent * uint64(created)
	}
	cost += est.PriorityFee * uint64(est.ComputeBudget) / 1_000_000
	return cost, nil
}

func signerSlots(tx *solana.Transaction) []Signer {
	n := int(tx.Message.Header.NumRequiredSignatures)
	slots := make([]Signer, 0, n)
	for i := 0; i < n; i++ {
		slot := Signer{Key: tx.Message.AccountKeys[i]}
		if i < len(tx.Signatures) && !tx.Signatures[i].IsZero() {
			sig := tx.Signatures[i]
			slot.Signature = &sig
		}
		slots = append(slots, slot)
	}
	return slots
}
