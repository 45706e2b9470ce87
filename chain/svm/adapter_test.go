package svm

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
)

var (
	testMint      = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testRecipient = solana.MustPublicKeyFromBase58("7VHUFJHWu2CuExkJcJrzhQPJ2oygupTWkL2A2For4BmE")
)

// mockClient scripts RPC responses for the adapter.
type mockClient struct {
	sendErr  error
	sent     []*solana.Transaction
	statuses *rpc.GetSignatureStatusesResult
	rpcErr   error
}

func (m *mockClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = append(m.sent, tx)
	return tx.Signatures[0], nil
}

func (m *mockClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}
	return m.statuses, nil
}

func newTestAdapter(t *testing.T, client Client) (*Adapter, solana.PrivateKey) {
	t.Helper()
	feePayer := solana.NewWallet().PrivateKey
	a, err := NewAdapter(
		WithFeePayerKey(feePayer),
		WithClient("solana", client),
	)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a, feePayer
}

// transferInstruction builds the token transfer the authorization in
// svmPayment describes: amount of testMint from the payer's associated
// token account to testRecipient's.
func transferInstruction(t *testing.T, payer solana.PublicKey, amount uint64, recipient solana.PublicKey) solana.Instruction {
	t.Helper()
	sourceATA, _, err := solana.FindAssociatedTokenAddress(payer, testMint)
	if err != nil {
		t.Fatalf("source ATA: %v", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, testMint)
	if err != nil {
		t.Fatalf("dest ATA: %v", err)
	}
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(6).
		SetSourceAccount(sourceATA).
		SetDestinationAccount(destATA).
		SetMintAccount(testMint).
		SetOwnerAccount(payer).
		Build()
}

// partialTx assembles a transaction signed only by the payer, leaving the
// fee payer slot for the facilitator.
func partialTx(t *testing.T, payer solana.PrivateKey, feePayer solana.PublicKey, instructions ...solana.Instruction) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		instructions,
		solana.Hash{},
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	}); err != nil {
		t.Fatalf("partial sign: %v", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func partialTransfer(t *testing.T, payer solana.PrivateKey, feePayer solana.PublicKey) (string, solana.PublicKey) {
	t.Helper()
	instruction := transferInstruction(t, payer.PublicKey(), 1_000_000, testRecipient)
	return partialTx(t, payer, feePayer, instruction), payer.PublicKey()
}

func svmPayment(transaction string, payer solana.PublicKey) (v402.PaymentPayload, v402.PaymentRequirement) {
	payment := v402.PaymentPayload{
		V402Version: 1,
		Scheme:      v402.SchemeExact,
		Network:     "solana",
		Payload: v402.SVMPayload{
			Authorization: v402.SVMAuthorization{
				From:        payer.String(),
				Value:       "1000000",
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "7rTSxiRhYB1v",
			},
			Transaction: transaction,
		},
	}
	req := v402.PaymentRequirement{
		Scheme:            v402.SchemeExact,
		Network:           "solana",
		MaxAmountRequired: "1000000",
		Asset:             testMint.String(),
		PayTo:             testRecipient.String(),
		MaxTimeoutSeconds: 60,
	}
	return payment, req
}

func TestPrepareCountersignsFeePayerSlot(t *testing.T) {
	client := &mockClient{}
	a, feePayer := newTestAdapter(t, client)
	payer := solana.NewWallet().PrivateKey
	encoded, payerPub := partialTransfer(t, payer, feePayer.PublicKey())
	payment, req := svmPayment(encoded, payerPub)

	tx, err := a.Prepare(context.Background(), payment, req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(client.sent) != 0 {
		t.Errorf("Prepare broadcast %d transactions, want 0", len(client.sent))
	}

	decoded, err := decodeTransaction(base64.StdEncoding.EncodeToString(tx.Raw))
	if err != nil {
		t.Fatalf("decode prepared tx: %v", err)
	}
	message, err := decoded.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}

	// Every required signature slot is filled and verifies.
	for i := 0; i < int(decoded.Message.Header.NumRequiredSignatures); i++ {
		account := decoded.Message.AccountKeys[i]
		if decoded.Signatures[i].IsZero() {
			t.Fatalf("signature slot %d still empty", i)
		}
		if !ed25519.Verify(ed25519.PublicKey(account[:]), message, decoded.Signatures[i][:]) {
			t.Errorf("signature %d does not verify for %s", i, account)
		}
	}

	// The transaction id is the fee payer's signature.
	if tx.Ref != decoded.Signatures[0].String() {
		t.Errorf("Ref = %q, want first signature", tx.Ref)
	}
}

func TestPrepareRejectsMissingPayerSignature(t *testing.T) {
	a, feePayer := newTestAdapter(t, &mockClient{})
	payer := solana.NewWallet().PrivateKey

	// Build the authorized transfer without the payer's signature.
	instruction := transferInstruction(t, payer.PublicKey(), 1_000_000, testRecipient)
	tx, err := solana.NewTransaction([]solana.Instruction{instruction}, solana.Hash{}, solana.TransactionPayer(feePayer.PublicKey()))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	payment, req := svmPayment(base64.StdEncoding.EncodeToString(raw), payer.PublicKey())
	if _, err := a.Prepare(context.Background(), payment, req); !errors.Is(err, v402.ErrChainRejected) {
		t.Errorf("err = %v, want ErrChainRejected", err)
	}
}

func TestPrepareRejectsCorruptPayerSignature(t *testing.T) {
	a, feePayer := newTestAdapter(t, &mockClient{})
	payer := solana.NewWallet().PrivateKey
	encoded, payerPub := partialTransfer(t, payer, feePayer.PublicKey())

	decoded, err := decodeTransaction(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range decoded.Signatures {
		if !decoded.Signatures[i].IsZero() {
			decoded.Signatures[i][0] ^= 0xff
		}
	}
	raw, err := decoded.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	payment, req := svmPayment(base64.StdEncoding.EncodeToString(raw), payerPub)
	if _, err := a.Prepare(context.Background(), payment, req); !errors.Is(err, v402.ErrChainRejected) {
		t.Errorf("err = %v, want ErrChainRejected", err)
	}
}

func TestPrepareRejectsTransactionNotMatchingAuthorization(t *testing.T) {
	payer := solana.NewWallet().PrivateKey
	attacker := solana.NewWallet().PrivateKey.PublicKey()

	tests := []struct {
		name         string
		instructions func(t *testing.T) []solana.Instruction
	}{
		{
			// A 1-lamport transfer in place of the claimed token payment.
			name: "unrelated lamport transfer",
			instructions: func(t *testing.T) []solana.Instruction {
				return []solana.Instruction{
					system.NewTransferInstruction(1, payer.PublicKey(), attacker).Build(),
				}
			},
		},
		{
			name: "amount below authorized value",
			instructions: func(t *testing.T) []solana.Instruction {
				return []solana.Instruction{
					transferInstruction(t, payer.PublicKey(), 1, testRecipient),
				}
			},
		},
		{
			name: "wrong recipient",
			instructions: func(t *testing.T) []solana.Instruction {
				return []solana.Instruction{
					transferInstruction(t, payer.PublicKey(), 1_000_000, attacker),
				}
			},
		},
		{
			name: "extra instruction alongside the transfer",
			instructions: func(t *testing.T) []solana.Instruction {
				return []solana.Instruction{
					transferInstruction(t, payer.PublicKey(), 1_000_000, testRecipient),
					system.NewTransferInstruction(1, payer.PublicKey(), attacker).Build(),
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, feePayer := newTestAdapter(t, &mockClient{})
			encoded := partialTx(t, payer, feePayer.PublicKey(), tt.instructions(t)...)
			payment, req := svmPayment(encoded, payer.PublicKey())

			if _, err := a.Prepare(context.Background(), payment, req); !errors.Is(err, v402.ErrChainRejected) {
				t.Errorf("err = %v, want ErrChainRejected", err)
			}
		})
	}
}

func TestPrepareMalformedTransaction(t *testing.T) {
	a, _ := newTestAdapter(t, &mockClient{})
	payment, req := svmPayment("not base64!", solana.NewWallet().PrivateKey.PublicKey())
	if _, err := a.Prepare(context.Background(), payment, req); !errors.Is(err, v402.ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestBroadcastClassification(t *testing.T) {
	client := &mockClient{}
	a, feePayer := newTestAdapter(t, client)
	payer := solana.NewWallet().PrivateKey
	encoded, payerPub := partialTransfer(t, payer, feePayer.PublicKey())
	payment, req := svmPayment(encoded, payerPub)

	tx, err := a.Prepare(context.Background(), payment, req)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	tests := []struct {
		name    string
		sendErr error
		want    error
	}{
		{"success", nil, nil},
		{"already processed", errors.New("Transaction has already been processed"), nil},
		{"expired blockhash", errors.New("Blockhash not found"), v402.ErrChainRejected},
		{"node down", errors.New("connection refused"), v402.ErrChainUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.sendErr = tt.sendErr
			err := a.Broadcast(context.Background(), tx)
			if tt.want == nil {
				if err != nil {
					t.Errorf("err = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStatusMapping(t *testing.T) {
	ref, err := solana.NewWallet().PrivateKey.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	confirmations := uint64(12)

	tests := []struct {
		name     string
		statuses *rpc.GetSignatureStatusesResult
		rpcErr   error
		wantKind chain.StatusKind
		wantConf uint64
		wantErr  error
	}{
		{
			name:     "not found",
			statuses: &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}},
			wantKind: chain.StatusNotFound,
		},
		{
			name: "processed is pending",
			statuses: &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{
				{ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			}},
			wantKind: chain.StatusPending,
		},
		{
			name: "confirmed",
			statuses: &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{
				{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Confirmations: &confirmations},
			}},
			wantKind: chain.StatusConfirmed,
			wantConf: 12,
		},
		{
			name: "finalized",
			statuses: &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{
				{ConfirmationStatus: rpc.ConfirmationStatusFinalized},
			}},
			wantKind: chain.StatusConfirmed,
			wantConf: 32,
		},
		{
			name: "failed on chain",
			statuses: &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{
				{Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			}},
			wantKind: chain.StatusFailed,
		},
		{
			name:    "rpc down",
			rpcErr:  errors.New("timeout"),
			wantErr: v402.ErrChainUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, &mockClient{statuses: tt.statuses, rpcErr: tt.rpcErr})
			status, err := a.Status(context.Background(), "solana", ref.String())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if status.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", status.Kind, tt.wantKind)
			}
			if tt.wantConf != 0 && status.Confirmations != tt.wantConf {
				t.Errorf("confirmations = %d, want %d", status.Confirmations, tt.wantConf)
			}
		})
	}
}

func TestNewAdapterValidation(t *testing.T) {
	if _, err := NewAdapter(WithClient("solana", &mockClient{})); !errors.Is(err, v402.ErrInvalidKey) {
		t.Errorf("missing key err = %v, want ErrInvalidKey", err)
	}
	if _, err := NewAdapter(WithFeePayerKey(solana.NewWallet().PrivateKey)); !errors.Is(err, v402.ErrUnsupportedNetwork) {
		t.Errorf("missing network err = %v, want ErrUnsupportedNetwork", err)
	}
	a, _ := newTestAdapter(t, &mockClient{})
	if a.NetworkType() != v402.NetworkTypeSVM {
		t.Errorf("NetworkType = %v, want SVM", a.NetworkType())
	}
}
