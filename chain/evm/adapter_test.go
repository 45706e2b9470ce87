package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// mockClient scripts RPC responses for the adapter.
type mockClient struct {
	balance     *big.Int
	callErr     error
	nonceErr    error
	estimateErr error
	sendErr     error
	sent        []*ethtypes.Transaction
	receipt     *ethtypes.Receipt
	receiptErr  error
	txByHashErr error
	head        uint64
}

func (m *mockClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	balance := m.balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	return 7, nil
}

func (m *mockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (m *mockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 80_000, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	if m.txByHashErr != nil {
		return nil, false, m.txByHashErr
	}
	return nil, true, nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.head, nil
}

func newTestAdapter(t *testing.T, client Client) *Adapter {
	t.Helper()
	a, err := NewAdapter(
		WithPrivateKey(testPrivateKey),
		WithClient("base", client),
	)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func testPayment() (v402.PaymentPayload, v402.PaymentRequirement) {
	payment := v402.PaymentPayload{
		V402Version: 1,
		Scheme:      v402.SchemeExact,
		Network:     "base",
		Payload: v402.EVMPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: v402.EVMAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "1000000",
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "0x" + strings.Repeat("01", 32),
			},
		},
	}
	req := v402.PaymentRequirement{
		Scheme:            v402.SchemeExact,
		Network:           "base",
		MaxAmountRequired: "1000000",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
	}
	return payment, req
}

func TestPrepareSignsWithoutBroadcasting(t *testing.T) {
	client := &mockClient{balance: big.NewInt(2_000_000)}
	a := newTestAdapter(t, client)
	payment, req := testPayment()

	tx, err := a.Prepare(context.Background(), payment, req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.Network != "base" {
		t.Errorf("Network = %q, want base", tx.Network)
	}
	if !strings.HasPrefix(tx.Ref, "0x") || len(tx.Ref) != 66 {
		t.Errorf("Ref = %q, want 32-byte hex hash", tx.Ref)
	}
	if len(tx.Raw) == 0 {
		t.Error("Raw is empty")
	}
	if len(client.sent) != 0 {
		t.Errorf("Prepare broadcast %d transactions, want 0", len(client.sent))
	}

	// The raw bytes round-trip to the same hash.
	decoded := new(ethtypes.Transaction)
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded.Hash().Hex() != tx.Ref {
		t.Errorf("decoded hash %s != ref %s", decoded.Hash().Hex(), tx.Ref)
	}
}

func TestPrepareRejectsInsufficientBalance(t *testing.T) {
	a := newTestAdapter(t, &mockClient{balance: big.NewInt(10)})
	payment, req := testPayment()

	_, err := a.Prepare(context.Background(), payment, req)
	if !errors.Is(err, v402.ErrChainRejected) {
		t.Errorf("err = %v, want ErrChainRejected", err)
	}
}

func TestPrepareRejectsOnEstimateRevert(t *testing.T) {
	client := &mockClient{
		balance:     big.NewInt(2_000_000),
		estimateErr: errors.New("execution reverted: FiatTokenV2: invalid signature"),
	}
	a := newTestAdapter(t, client)
	payment, req := testPayment()

	_, err := a.Prepare(context.Background(), payment, req)
	if !errors.Is(err, v402.ErrChainRejected) {
		t.Errorf("err = %v, want ErrChainRejected", err)
	}
}

func TestPrepareUnavailableOnRPCFailure(t *testing.T) {
	client := &mockClient{
		balance:  big.NewInt(2_000_000),
		nonceErr: errors.New("connection refused"),
	}
	a := newTestAdapter(t, client)
	payment, req := testPayment()

	_, err := a.Prepare(context.Background(), payment, req)
	if !errors.Is(err, v402.ErrChainUnavailable) {
		t.Errorf("err = %v, want ErrChainUnavailable", err)
	}
}

func TestPrepareMalformedPayload(t *testing.T) {
	a := newTestAdapter(t, &mockClient{balance: big.NewInt(2_000_000)})
	payment, req := testPayment()

	tests := []struct {
		name   string
		mutate func(*v402.EVMPayload)
	}{
		{"short nonce", func(p *v402.EVMPayload) { p.Authorization.Nonce = "0x0101" }},
		{"short signature", func(p *v402.EVMPayload) { p.Signature = "0xabcd" }},
		{"non-hex signature", func(p *v402.EVMPayload) { p.Signature = "0x" + strings.Repeat("zz", 65) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := payment
			evm := p.Payload.(v402.EVMPayload)
			tt.mutate(&evm)
			p.Payload = evm
			if _, err := a.Prepare(context.Background(), p, req); !errors.Is(err, v402.ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestBroadcastIdempotentOnAlreadyKnown(t *testing.T) {
	client := &mockClient{balance: big.NewInt(2_000_000)}
	a := newTestAdapter(t, client)
	payment, req := testPayment()

	tx, err := a.Prepare(context.Background(), payment, req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := a.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	client.sendErr = errors.New("already known")
	if err := a.Broadcast(context.Background(), tx); err != nil {
		t.Errorf("re-broadcast err = %v, want nil", err)
	}

	client.sendErr = errors.New("connection reset")
	if err := a.Broadcast(context.Background(), tx); !errors.Is(err, v402.ErrChainUnavailable) {
		t.Errorf("err = %v, want ErrChainUnavailable", err)
	}
}

func TestStatusMapping(t *testing.T) {
	ref := "0x" + strings.Repeat("cd", 32)

	t.Run("confirmed", func(t *testing.T) {
		client := &mockClient{
			receipt: &ethtypes.Receipt{
				Status:      ethtypes.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(100),
			},
			head: 104,
		}
		a := newTestAdapter(t, client)
		status, err := a.Status(context.Background(), "base", ref)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Kind != chain.StatusConfirmed || status.Confirmations != 5 {
			t.Errorf("status = %+v, want confirmed with 5 confirmations", status)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		client := &mockClient{
			receipt: &ethtypes.Receipt{
				Status:      ethtypes.ReceiptStatusFailed,
				BlockNumber: big.NewInt(100),
			},
		}
		a := newTestAdapter(t, client)
		status, err := a.Status(context.Background(), "base", ref)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Kind != chain.StatusFailed {
			t.Errorf("kind = %v, want failed", status.Kind)
		}
	})

	t.Run("pending", func(t *testing.T) {
		client := &mockClient{receiptErr: ethereum.NotFound}
		a := newTestAdapter(t, client)
		status, err := a.Status(context.Background(), "base", ref)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Kind != chain.StatusPending {
			t.Errorf("kind = %v, want pending", status.Kind)
		}
	})

	t.Run("not found", func(t *testing.T) {
		client := &mockClient{receiptErr: ethereum.NotFound, txByHashErr: ethereum.NotFound}
		a := newTestAdapter(t, client)
		status, err := a.Status(context.Background(), "base", ref)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Kind != chain.StatusNotFound {
			t.Errorf("kind = %v, want not_found", status.Kind)
		}
	})
}

func TestEstimateFee(t *testing.T) {
	a := newTestAdapter(t, &mockClient{})
	_, req := testPayment()

	fee, err := a.EstimateFee(context.Background(), req)
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if fee.Currency != "wei" {
		t.Errorf("Currency = %q, want wei", fee.Currency)
	}
	if fee.Amount.Sign() <= 0 {
		t.Errorf("Amount = %s, want positive", fee.Amount)
	}
}

func TestNewAdapterValidation(t *testing.T) {
	if _, err := NewAdapter(WithClient("base", &mockClient{})); !errors.Is(err, v402.ErrInvalidKey) {
		t.Errorf("missing key err = %v, want ErrInvalidKey", err)
	}
	if _, err := NewAdapter(WithPrivateKey(testPrivateKey)); !errors.Is(err, v402.ErrUnsupportedNetwork) {
		t.Errorf("missing network err = %v, want ErrUnsupportedNetwork", err)
	}
	if _, err := NewAdapter(WithPrivateKey("nothex"), WithClient("base", &mockClient{})); !errors.Is(err, v402.ErrInvalidKey) {
		t.Errorf("bad key err = %v, want ErrInvalidKey", err)
	}
	a := newTestAdapter(t, &mockClient{})
	if a.NetworkType() != v402.NetworkTypeEVM {
		t.Errorf("NetworkType = %v, want EVM", a.NetworkType())
	}
	if !a.Supports("base") || a.Supports("solana") {
		t.Error("Supports misrouted")
	}
	if got := a.RequiredConfirmations("base"); got != 2 {
		t.Errorf("RequiredConfirmations(base) = %d, want 2", got)
	}
}
