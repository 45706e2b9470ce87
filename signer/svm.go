package signer

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/verify"
)

// SVMSigner signs Solana transfer authorizations for one SVM network.
type SVMSigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	maxAmount  string
}

// SVMOption configures an SVMSigner.
type SVMOption func(*SVMSigner) error

// NewSVMSigner creates a new Solana signer with the given options.
func NewSVMSigner(opts ...SVMOption) (*SVMSigner, error) {
	s := &SVMSigner{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validation
	if len(s.privateKey) == 0 {
		return nil, v402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, fmt.Errorf("%w: network is required", v402.ErrUnsupportedNetwork)
	}
	config, err := v402.LookupChain(s.network)
	if err != nil {
		return nil, err
	}
	if config.Type != v402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s is not an SVM network", v402.ErrUnsupportedNetwork, s.network)
	}
	s.publicKey = s.privateKey.PublicKey()

	return s, nil
}

// WithSolanaPrivateKey sets the private key from a base58 string.
func WithSolanaPrivateKey(base58Key string) SVMOption {
	return func(s *SVMSigner) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return v402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads a private key from a Solana keygen JSON file, the
// array-of-bytes format solana-keygen writes.
func WithKeygenFile(path string) SVMOption {
	return func(s *SVMSigner) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrInvalidKey, err)
		}

		var raw []int
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: invalid keygen JSON", v402.ErrInvalidKey)
		}
		if len(raw) != 64 {
			return fmt.Errorf("%w: keygen file must hold 64 bytes, got %d", v402.ErrInvalidKey, len(raw))
		}

		keyBytes := make([]byte, len(raw))
		for i, b := range raw {
			if b < 0 || b > 255 {
				return fmt.Errorf("%w: keygen byte out of range", v402.ErrInvalidKey)
			}
			keyBytes[i] = byte(b)
		}
		s.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// WithSolanaNetwork sets the network the signer targets.
func WithSolanaNetwork(network string) SVMOption {
	return func(s *SVMSigner) error {
		s.network = network
		return nil
	}
}

// WithSolanaMaxAmountPerCall caps the atomic amount a single Sign call may
// authorize.
func WithSolanaMaxAmountPerCall(amount string) SVMOption {
	return func(s *SVMSigner) error {
		if _, err := v402.ParseAtomicAmount(amount); err != nil {
			return err
		}
		s.maxAmount = amount
		return nil
	}
}

// Network implements Signer.
func (s *SVMSigner) Network() string {
	return s.network
}

// Address implements Signer. The address is the base58 public key.
func (s *SVMSigner) Address() string {
	return s.publicKey.String()
}

// CanSign implements Signer.
func (s *SVMSigner) CanSign(req v402.PaymentRequirement) bool {
	if req.Network != s.network {
		return false
	}
	switch req.Scheme {
	case v402.SchemeExact, v402.SchemeUpTo, v402.SchemeDynamic:
	default:
		return false
	}
	if _, err := solana.PublicKeyFromBase58(req.Asset); err != nil {
		return false
	}
	if _, err := solana.PublicKeyFromBase58(req.PayTo); err != nil {
		return false
	}
	return true
}

// Sign implements Signer. The Ed25519 signature covers the canonical
// encoding of the authorization fields, so the facilitator can authenticate
// the payer without reconstructing a transaction.
func (s *SVMSigner) Sign(req v402.PaymentRequirement) (*v402.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoSigner, req.Scheme, req.Network)
	}

	value, err := v402.ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if s.maxAmount != "" {
		limit, err := v402.ParseAtomicAmount(s.maxAmount)
		if err != nil {
			return nil, err
		}
		if value.Cmp(limit) > 0 {
			return nil, fmt.Errorf("%w: %s > %s", ErrAmountExceeded, value, limit)
		}
	}

	nonce, err := authorizationNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore := authorizationWindow(req.MaxTimeoutSeconds)

	auth := v402.SVMAuthorization{
		From:        s.publicKey.String(),
		To:          req.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	message := verify.CanonicalAuthorizationMessage(s.network, req.Asset, auth)
	signature, err := s.privateKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &v402.PaymentPayload{
		V402Version: v402.ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     s.network,
		Payload: v402.SVMPayload{
			Signature:     signature.String(),
			Authorization: auth,
		},
	}, nil
}
