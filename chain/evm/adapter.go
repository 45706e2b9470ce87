// Package evm settles EIP-3009 payment authorizations on EVM-compatible
// networks by submitting transferWithAuthorization from the facilitator's
// account.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
)

// Client is the subset of the Ethereum RPC client the adapter uses.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial creates a new Ethereum client. This function can be overridden in tests.
var Dial = func(rpcURL string) (Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

const (
	transferWithAuthorizationJSON = `[{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}]`

	balanceOfJSON = `[{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	}]`

	// defaultTransferGas is the gas assumed for a transferWithAuthorization
	// call when estimating fees without a concrete payload.
	defaultTransferGas = 90_000
)

type endpoint struct {
	client Client
	config v402.ChainConfig
}

// Adapter settles payments on one or more EVM networks from a single
// facilitator account.
type Adapter struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	endpoints  map[string]*endpoint
	transfer   abi.ABI
	balance    abi.ABI
	gasCap     uint64
	logger     *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter) error

// NewAdapter creates a new EVM adapter with the given options. A private key
// and at least one network are required.
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
	if a.privateKey == nil {
		return nil, v402.ErrInvalidKey
	}
	if len(a.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no networks configured", v402.ErrUnsupportedNetwork)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	transfer, err := abi.JSON(strings.NewReader(transferWithAuthorizationJSON))
	if err != nil {
		return nil, fmt.Errorf("parse transferWithAuthorization ABI: %w", err)
	}
	balance, err := abi.JSON(strings.NewReader(balanceOfJSON))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf ABI: %w", err)
	}
	a.transfer = transfer
	a.balance = balance
	a.address = crypto.PubkeyToAddress(a.privateKey.PublicKey)

	return a, nil
}

// WithPrivateKey sets the facilitator key from a hex string.
func WithPrivateKey(hexKey string) AdapterOption {
	return func(a *Adapter) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")
		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return v402.ErrInvalidKey
		}
		a.privateKey = privateKey
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
		if config.Type != v402.NetworkTypeEVM {
			return fmt.Errorf("%w: %s is not an EVM network", v402.ErrUnsupportedNetwork, network)
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

// WithGasLimitCap rejects settlements whose estimated gas exceeds cap.
func WithGasLimitCap(cap uint64) AdapterOption {
	return func(a *Adapter) error {
		a.gasCap = cap
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

// Address returns the facilitator's Ethereum address.
func (a *Adapter) Address() common.Address {
	return a.address
}

// NetworkType implements chain.Adapter.
func (a *Adapter) NetworkType() v402.NetworkType {
	return v402.NetworkTypeEVM
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

// EstimateFee implements chain.Adapter. The estimate assumes a typical
// transferWithAuthorization call since no concrete payload is available.
func (a *Adapter) EstimateFee(ctx context.Context, req v402.PaymentRequirement) (*chain.FeeEstimate, error) {
	ep, err := a.endpointFor(req.Network)
	if err != nil {
		return nil, err
	}

	gasTipCap, err := ep.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	header, err := ep.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	if header.BaseFee == nil {
		return nil, chain.Rejected(fmt.Errorf("network %s does not support EIP-1559", req.Network))
	}

	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)
	amount := new(big.Int).Mul(gasFeeCap, big.NewInt(defaultTransferGas))

	return &chain.FeeEstimate{
		Network:  req.Network,
		Currency: "wei",
		Amount:   amount,
	}, nil
}

// Prepare implements chain.Adapter. It checks the payer's token balance,
// packs the transferWithAuthorization call, and signs an EIP-1559
// transaction without broadcasting it.
func (a *Adapter) Prepare(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*chain.PreparedTx, error) {
	ep, err := a.endpointFor(req.Network)
	if err != nil {
		return nil, err
	}

	payload, err := payment.EVM()
	if err != nil {
		return nil, err
	}
	auth := payload.Authorization

	value, err := v402.ParseAtomicAmount(auth.Value)
	if err != nil {
		return nil, err
	}
	validAfter, err := v402.ParseAtomicAmount(auth.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: validAfter", v402.ErrMalformedPayload)
	}
	validBefore, err := v402.ParseAtomicAmount(auth.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("%w: validBefore", v402.ErrMalformedPayload)
	}

	authNonce, err := decodeNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}
	sigV, sigR, sigS, err := splitSignature(payload.Signature)
	if err != nil {
		return nil, err
	}

	from := common.HexToAddress(auth.From)
	contractAddress := common.HexToAddress(req.Asset)

	// The authorization is only worth submitting if the payer holds the
	// funds right now.
	balance, err := a.balanceOf(ctx, ep.client, contractAddress, from)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	if balance.Cmp(value) < 0 {
		return nil, chain.Rejected(fmt.Errorf("payer balance %s below authorized value %s", balance, value))
	}

	txData, err := a.transfer.Pack(
		"transferWithAuthorization",
		from,
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		authNonce,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}

	txNonce, err := ep.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	gasTipCap, err := ep.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	header, err := ep.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	if header.BaseFee == nil {
		return nil, chain.Rejected(fmt.Errorf("network %s does not support EIP-1559", req.Network))
	}

	// Gas fee cap: 2x base fee plus the tip, surviving one full base fee
	// doubling while pending.
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := ep.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.address,
		To:   &contractAddress,
		Data: txData,
	})
	if err != nil {
		// Estimation executes the call; failure means the transfer would
		// revert (bad signature, nonce already used on chain, paused token).
		return nil, chain.Rejected(fmt.Errorf("gas estimation failed: %v", err))
	}

	// 20% buffer on the estimate.
	gasLimit = gasLimit * 120 / 100
	if a.gasCap > 0 && gasLimit > a.gasCap {
		return nil, chain.Rejected(fmt.Errorf("gas limit %d exceeds cap %d", gasLimit, a.gasCap))
	}

	transaction := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(ep.config.ChainID),
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contractAddress,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signer := ethtypes.NewLondonSigner(big.NewInt(ep.config.ChainID))
	signedTx, err := ethtypes.SignTx(transaction, signer, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	a.logger.Debug("prepared settlement transaction",
		"network", req.Network,
		"tx", signedTx.Hash().Hex(),
		"gas", gasLimit)

	return &chain.PreparedTx{
		Network: req.Network,
		Ref:     signedTx.Hash().Hex(),
		Raw:     raw,
	}, nil
}

// Broadcast implements chain.Adapter. Re-broadcasting an already known
// transaction is treated as success.
func (a *Adapter) Broadcast(ctx context.Context, tx *chain.PreparedTx) error {
	ep, err := a.endpointFor(tx.Network)
	if err != nil {
		return err
	}

	decoded := new(ethtypes.Transaction)
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
	}

	if err := ep.client.SendTransaction(ctx, decoded); err != nil {
		if alreadyKnown(err) {
			return nil
		}
		return chain.Unavailable(err)
	}
	return nil
}

// Status implements chain.Adapter.
func (a *Adapter) Status(ctx context.Context, network, ref string) (*chain.TxStatus, error) {
	ep, err := a.endpointFor(network)
	if err != nil {
		return nil, err
	}

	hash := common.HexToHash(ref)
	receipt, err := ep.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			// No receipt yet. The tx pool may still know the transaction.
			_, _, err := ep.client.TransactionByHash(ctx, hash)
			if err == ethereum.NotFound {
				return &chain.TxStatus{Kind: chain.StatusNotFound}, nil
			}
			if err != nil {
				return nil, chain.Unavailable(err)
			}
			return &chain.TxStatus{Kind: chain.StatusPending}, nil
		}
		return nil, chain.Unavailable(err)
	}

	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return &chain.TxStatus{
			Kind:          chain.StatusFailed,
			FailureReason: "execution reverted",
		}, nil
	}

	head, err := ep.client.BlockNumber(ctx)
	if err != nil {
		return nil, chain.Unavailable(err)
	}
	confirmations := uint64(0)
	if block := receipt.BlockNumber.Uint64(); head >= block {
		confirmations = head - block + 1
	}

	return &chain.TxStatus{
		Kind:          chain.StatusConfirmed,
		Confirmations: confirmations,
	}, nil
}

func (a *Adapter) balanceOf(ctx context.Context, client Client, token, account common.Address) (*big.Int, error) {
	data, err := a.balance.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	results, err := a.balance.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

// decodeNonce decodes a 0x-prefixed 32-byte hex nonce.
func decodeNonce(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("%w: nonce is not hex", v402.ErrMalformedPayload)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("%w: nonce must be 32 bytes, got %d", v402.ErrMalformedPayload, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// splitSignature splits a 65-byte hex signature into v, r, s, normalizing
// v from 0/1 to 27/28.
func splitSignature(signature string) (v uint8, r [32]byte, s [32]byte, err error) {
	raw, decodeErr := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if decodeErr != nil {
		err = fmt.Errorf("%w: signature is not hex", v402.ErrMalformedPayload)
		return
	}
	if len(raw) != 65 {
		err = fmt.Errorf("%w: signature must be 65 bytes, got %d", v402.ErrMalformedPayload, len(raw))
		return
	}
	copy(r[:], raw[0:32])
	copy(s[:], raw[32:64])
	v = raw[64]
	if v == 0 || v == 1 {
		v += 27
	}
	return
}

// alreadyKnown reports whether a broadcast error means the node has already
// seen this exact transaction.
func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "already imported") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}
