package signer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/verify"
)

func solanaRequirement() v402.PaymentRequirement {
	return v402.PaymentRequirement{
		Scheme:            v402.SchemeExact,
		Network:           "solana",
		MaxAmountRequired: "1000000",
		Asset:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		PayTo:             "7VHUFJHWu2CuExkJcJrzhQPJ2oygupTWkL2A2For4BmE",
		Resource:          "https://example.com/report",
		MaxTimeoutSeconds: 300,
	}
}

func TestSVMSignerRoundTrip(t *testing.T) {
	wallet := solana.NewWallet()
	s, err := NewSVMSigner(
		WithSolanaPrivateKey(wallet.PrivateKey.String()),
		WithSolanaNetwork("solana"),
	)
	if err != nil {
		t.Fatalf("NewSVMSigner: %v", err)
	}
	if s.Address() != wallet.PublicKey().String() {
		t.Fatalf("Address = %s, want %s", s.Address(), wallet.PublicKey())
	}

	req := solanaRequirement()
	payment, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifier, err := verify.NewVerifier()
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	verified, err := verifier.Verify(*payment, req)
	if err != nil {
		t.Fatalf("Verify rejected a freshly signed payment: %v", err)
	}
	if verified.Payer != s.Address() {
		t.Errorf("Payer = %s, want %s", verified.Payer, s.Address())
	}
}

func TestSVMSignerTamperedAuthorization(t *testing.T) {
	wallet := solana.NewWallet()
	s, err := NewSVMSigner(
		WithSolanaPrivateKey(wallet.PrivateKey.String()),
		WithSolanaNetwork("solana"),
	)
	if err != nil {
		t.Fatalf("NewSVMSigner: %v", err)
	}

	req := solanaRequirement()
	payment, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	payload := payment.Payload.(v402.SVMPayload)
	payload.Authorization.Nonce = payload.Authorization.Nonce + "x"
	payment.Payload = payload

	verifier, err := verify.NewVerifier()
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := verifier.Verify(*payment, req); !errors.Is(err, v402.ErrSignatureInvalid) {
		t.Errorf("Verify = %v, want ErrSignatureInvalid", err)
	}
}

func TestSVMSignerKeygenFile(t *testing.T) {
	wallet := solana.NewWallet()
	raw := make([]int, len(wallet.PrivateKey))
	for i, b := range wallet.PrivateKey {
		raw[i] = int(b)
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal keygen: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write keygen: %v", err)
	}

	s, err := NewSVMSigner(WithKeygenFile(path), WithSolanaNetwork("solana-devnet"))
	if err != nil {
		t.Fatalf("NewSVMSigner: %v", err)
	}
	if s.Address() != wallet.PublicKey().String() {
		t.Errorf("Address = %s, want %s", s.Address(), wallet.PublicKey())
	}
}

func TestSVMSignerValidation(t *testing.T) {
	wallet := solana.NewWallet()

	tests := []struct {
		name string
		opts []SVMOption
	}{
		{"missing key", []SVMOption{WithSolanaNetwork("solana")}},
		{"malformed key", []SVMOption{WithSolanaPrivateKey("0OIl"), WithSolanaNetwork("solana")}},
		{"missing network", []SVMOption{WithSolanaPrivateKey(wallet.PrivateKey.String())}},
		{"evm network", []SVMOption{WithSolanaPrivateKey(wallet.PrivateKey.String()), WithSolanaNetwork("base")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSVMSigner(tt.opts...); err == nil {
				t.Error("NewSVMSigner succeeded, want error")
			}
		})
	}
}

func TestSelectPicksMatchingSigner(t *testing.T) {
	wallet := solana.NewWallet()
	svmSigner, err := NewSVMSigner(
		WithSolanaPrivateKey(wallet.PrivateKey.String()),
		WithSolanaNetwork("solana"),
	)
	if err != nil {
		t.Fatalf("NewSVMSigner: %v", err)
	}
	_, hexKey := newPayerKey(t)
	evmSigner, err := NewEVMSigner(WithPrivateKey(hexKey), WithNetwork("base-sepolia"))
	if err != nil {
		t.Fatalf("NewEVMSigner: %v", err)
	}
	signers := []Signer{evmSigner, svmSigner}

	picked, err := Select(signers, solanaRequirement())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if picked != Signer(svmSigner) {
		t.Error("Select picked the wrong signer for a Solana requirement")
	}

	req := solanaRequirement()
	req.Network = "polygon"
	if _, err := Select(signers, req); !errors.Is(err, ErrNoSigner) {
		t.Errorf("Select = %v, want ErrNoSigner", err)
	}
}
