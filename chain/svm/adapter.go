// Package svm settles payments on Solana-family networks by countersigning
// the payer's partially signed transaction as fee payer and submitting it.
package svm

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
)

// lamportsPerSignature is the base fee per transaction signature.
const lamportsPerSignature = 5000

// computeBudgetProgramID is the Solana Compute Budget program.
var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Client is the subset of the Solana RPC client the adapter uses.
type Client interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Dial creates a new Solana RPC client. This function can be overridden in tests.
var Dial = func(rpcURL string) (Client, error) {
	return rpc.New(rpcURL), nil
}

type endpoint struct {
	client Client
	config v402.ChainConfig
}

// Adapter settles payments on one or more Solana networks with a single fee
// payer account.
type Adapter struct {
	feePayer  solana.PrivateKey
	publicKey solana.PublicKey
	endpoints map[string]*endpoint
	logger    *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter) error

// NewAdapter creates a new Solana adapter with the given options. A fee
// payer key and at least one network are required.
func NewAdapter(opts ...AdapterOption) (*Adapter, error) {
	a := &Adapter{
		endpoints: make(map[string]*endpoint),
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	// Validation
	if len(a.feePayer) == 0 {
		return nil, v402.ErrInvalidKey
	}
	if len(a.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no networks configured", v402.ErrUnsupportedNetwork)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	a.publicKey = a.feePayer.PublicKey()
	return a, nil
}

// WithFeePayer sets the fee payer key from a base58 string.
func WithFeePayer(base58Key string) AdapterOption {
	return func(a *Adapter) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return v402.ErrInvalidKey
		}
		a.feePayer = privateKey
		return nil
	}
}

// WithFeePayerKey sets the fee payer key directly.
func WithFeePayerKey(key solana.PrivateKey) AdapterOption {
	return func(a *Adapter) error {
		a.feePayer = key
		return nil
	}
}

// WithNetwork adds a network served through the given RPC endpoint.
func WithNetwork(network, rpcURL string) AdapterOption {
	return func(a *Adapter) error {
		config, err := v402.LookupChain(network)
		if err != nil {
			return err
		}
		if config.Type != v402.NetworkTypeSVM {
			return fmt.Errorf("%w: %s is not an SVM network", v402.ErrUnsupportedNetwork, network)
		}
		client, err := Dial(rpcURL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", network, err)
		}
		a.endpoints[network] = &endpoint{client: client, config: config}
		return nil
	}
}

// WithClient adds a network with an already constructed client.
func WithClient(network string, client Client) AdapterOption {
	return func(a *Adapter) error {
		config, err := v402.LookupChain(network)
		if err != nil {
			return err
		}
		a.endpoints[network] = &endpoint{client: client, config: config}
		return nil
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) error {
		a.logger = logger
		return nil
	}
}

// Address returns the fee payer's public key as a base58 string.
func (a *Adapter) Address() string {
	return a.publicKey.String()
}

// NetworkType implements chain.Adapter.
func (a *Adapter) NetworkType() v402.NetworkType {
	return v402.NetworkTypeSVM
}

// Supports implements chain.Adapter.
func (a *Adapter) Supports(network string) bool {
	_, ok := a.endpoints[network]
	return ok
}

// RequiredConfirmations implements chain.Adapter.
func (a *Adapter) RequiredConfirmations(network string) uint64 {
	ep, ok := a.endpoints[network]
	if !ok {
		return 1
	}
	return ep.config.RequiredConfirmations
}

func (a *Adapter) endpointFor(network string) (*endpoint, error) {
	ep, ok := a.endpoints[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", v402.ErrUnsupportedNetwork, network)
	}
	return ep, nil
}

// EstimateFee implements chain.Adapter. Solana charges a flat fee per
// signature; a settlement carries the payer's and the fee payer's.
func (a *Adapter) EstimateFee(ctx context.Context, req v402.PaymentRequirement) (*chain.FeeEstimate, error) {
	if _, err := a.endpointFor(req.Network); err != nil {
		return nil, err
	}
	return &chain.FeeEstimate{
		Network:  req.Network,
		Currency: "lamports",
		Amount:   big.NewInt(2 * lamportsPerSignature),
	}, nil
}

// Prepare implements chain.Adapter. It decodes the payer's partially signed
// transaction, checks that its instructions perform the authorized transfer
// and nothing else, fills the fee payer's signature slot, and returns the
// fully signed bytes. The transaction id (first signature) is known here,
// before any broadcast.
func (a *Adapter) Prepare(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*chain.PreparedTx, error) {
	if _, err := a.endpointFor(req.Network); err != nil {
		return nil, err
	}

	payload, err := payment.SVM()
	if err != nil {
		return nil, err
	}

	tx, err := decodeTransaction(payload.Transaction)
	if err != nil {
		return nil, err
	}

	if err := checkAuthorizedTransfer(tx, payload.Authorization, req); err != nil {
		return nil, err
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}

	numRequired := int(tx.Message.Header.NumRequiredSignatures)
	if numRequired == 0 || numRequired > len(tx.Message.AccountKeys) {
		return nil, fmt.Errorf("%w: invalid signature count", v402.ErrMalformedPayload)
	}
	for len(tx.Signatures) < numRequired {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}

	// Fill the fee payer's slot; every other required signature must have
	// been provided by the payer and must verify against the message.
	for i := 0; i < numRequired; i++ {
		account := tx.Message.AccountKeys[i]
		if tx.Signatures[i].IsZero() {
			if !account.Equals(a.publicKey) {
				return nil, chain.Rejected(fmt.Errorf("missing signature for account %s", account))
			}
			sig, err := a.feePayer.Sign(message)
			if err != nil {
				return nil, fmt.Errorf("sign transaction: %w", err)
			}
			tx.Signatures[i] = sig
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(account[:]), message, tx.Signatures[i][:]) {
			return nil, chain.Rejected(fmt.Errorf("invalid signature for account %s", account))
		}
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	ref := tx.Signatures[0].String()
	a.logger.Debug("prepared settlement transaction",
		"network", req.Network,
		"tx", ref)

	return &chain.PreparedTx{
		Network: req.Network,
		Ref:     ref,
		Raw:     raw,
	}, nil
}

// Broadcast implements chain.Adapter. Re-broadcasting an already processed
// transaction is treated as success.
func (a *Adapter) Broadcast(ctx context.Context, tx *chain.PreparedTx) error {
	ep, err := a.endpointFor(tx.Network)
	if err != nil {
		return err
	}

	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(tx.Raw))
	if err != nil {
		return fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}

	_, err = ep.client.SendTransactionWithOpts(ctx, decoded, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already been processed"):
			return nil
		case strings.Contains(msg, "blockhash not found"),
			strings.Contains(msg, "custom program error"),
			strings.Contains(msg, "insufficient funds"):
			return chain.Rejected(err)
		default:
			return chain.Unavailable(err)
		}
	}
	return nil
}

// Status implements chain.Adapter. Solana reports cluster confirmations
// directly; a finalized transaction is rooted and reported with the maximum
// confirmation count the cluster tracks.
func (a *Adapter) Status(ctx context.Context, network, ref string) (*chain.TxStatus, error) {
	ep, err := a.endpointFor(network)
	if err != nil {
		return nil, err
	}

	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}

	result, err := ep.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return &chain.TxStatus{Kind: chain.StatusNotFound}, nil
	}

	status := result.Value[0]
	if status.Err != nil {
		return &chain.TxStatus{
			Kind:          chain.StatusFailed,
			FailureReason: fmt.Sprintf("%v", status.Err),
		}, nil
	}

	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return &chain.TxStatus{Kind: chain.StatusConfirmed, Confirmations: 32}, nil
	case rpc.ConfirmationStatusConfirmed:
		confirmations := uint64(1)
		if status.Confirmations != nil {
			confirmations = *status.Confirmations
		}
		return &chain.TxStatus{Kind: chain.StatusConfirmed, Confirmations: confirmations}, nil
	default:
		return &chain.TxStatus{Kind: chain.StatusPending}, nil
	}
}

// checkAuthorizedTransfer rejects transactions whose instructions do not
// match the verified authorization. The transaction must contain exactly one
// SPL token transfer moving auth.Value of req.Asset from the payer's
// associated token account to req.PayTo's, with the payer as owner. Compute
// budget instructions are allowed alongside it; any other instruction is
// grounds for rejection, since the fee payer's signature would endorse it.
func checkAuthorizedTransfer(tx *solana.Transaction, auth v402.SVMAuthorization, req v402.PaymentRequirement) error {
	payer, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return fmt.Errorf("%w: from address", v402.ErrMalformedPayload)
	}
	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return fmt.Errorf("%w: asset is not a valid mint", v402.ErrInvalidRequirement)
	}
	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return fmt.Errorf("%w: payTo is not a valid address", v402.ErrInvalidRequirement)
	}
	amount, err := strconv.ParseUint(auth.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: value", v402.ErrMalformedPayload)
	}

	source, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	if err != nil {
		return fmt.Errorf("%w: source token account: %v", v402.ErrMalformedPayload, err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return fmt.Errorf("%w: destination token account: %v", v402.ErrMalformedPayload, err)
	}

	transfers := 0
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
		}
		switch {
		case prog.Equals(computeBudgetProgramID):
			continue
		case prog.Equals(solana.TokenProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				return fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
			}
			decoded, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				return chain.Rejected(fmt.Errorf("undecodable token instruction: %v", err))
			}

			var gotAmount *uint64
			var gotSource, gotDestination, gotOwner *solana.AccountMeta
			switch ix := decoded.Impl.(type) {
			case *token.Transfer:
				gotAmount = ix.Amount
				gotSource = ix.GetSourceAccount()
				gotDestination = ix.GetDestinationAccount()
				gotOwner = ix.GetOwnerAccount()
			case *token.TransferChecked:
				gotAmount = ix.Amount
				gotSource = ix.GetSourceAccount()
				gotDestination = ix.GetDestinationAccount()
				gotOwner = ix.GetOwnerAccount()
				if m := ix.GetMintAccount(); m == nil || !m.PublicKey.Equals(mint) {
					return chain.Rejected(fmt.Errorf("transfer mint does not match asset %s", mint))
				}
			default:
				return chain.Rejected(fmt.Errorf("unexpected token instruction %T", ix))
			}

			if gotSource == nil || gotDestination == nil || gotOwner == nil {
				return chain.Rejected(fmt.Errorf("transfer instruction is missing accounts"))
			}
			if gotAmount == nil || *gotAmount != amount {
				return chain.Rejected(fmt.Errorf("transfer amount does not match authorized value %s", auth.Value))
			}
			if !gotSource.PublicKey.Equals(source) {
				return chain.Rejected(fmt.Errorf("transfer source %s is not the payer's token account", gotSource.PublicKey))
			}
			if !gotDestination.PublicKey.Equals(destination) {
				return chain.Rejected(fmt.Errorf("transfer destination %s is not the recipient's token account", gotDestination.PublicKey))
			}
			if !gotOwner.PublicKey.Equals(payer) {
				return chain.Rejected(fmt.Errorf("transfer owner %s is not the payer", gotOwner.PublicKey))
			}
			transfers++
		default:
			return chain.Rejected(fmt.Errorf("unexpected program %s in settlement transaction", prog))
		}
	}
	if transfers != 1 {
		return chain.Rejected(fmt.Errorf("expected one token transfer, found %d", transfers))
	}
	return nil
}

func decodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction is not base64", v402.ErrMalformedPayload)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}
	return tx, nil
}
