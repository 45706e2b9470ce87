package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// EVMSigner signs EIP-3009 transfer authorizations for one EVM network.
type EVMSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	config     v402.ChainConfig
	maxAmount  *big.Int
}

// EVMOption configures an EVMSigner.
type EVMOption func(*EVMSigner) error

// NewEVMSigner creates a new EVM signer with the given options.
func NewEVMSigner(opts ...EVMOption) (*EVMSigner, error) {
	s := &EVMSigner{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validation
	if s.privateKey == nil {
		return nil, v402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, fmt.Errorf("%w: network is required", v402.ErrUnsupportedNetwork)
	}
	config, err := v402.LookupChain(s.network)
	if err != nil {
		return nil, err
	}
	if config.Type != v402.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM network", v402.ErrUnsupportedNetwork, s.network)
	}
	s.config = config
	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)

	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) EVMOption {
	return func(s *EVMSigner) error {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return v402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeystore loads a private key from an encrypted keystore file.
func WithKeystore(keystorePath, password string) EVMOption {
	return func(s *EVMSigner) error {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrInvalidKey, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid keystore JSON", v402.ErrInvalidKey)
		}

		privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: keystore decryption failed", v402.ErrInvalidKey)
		}

		privateKey, err := crypto.ToECDSA(privateKeyBytes)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrInvalidKey, err)
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the network the signer targets.
func WithNetwork(network string) EVMOption {
	return func(s *EVMSigner) error {
		s.network = network
		return nil
	}
}

// WithMaxAmountPerCall caps the atomic amount a single Sign call may
// authorize.
func WithMaxAmountPerCall(amount string) EVMOption {
	return func(s *EVMSigner) error {
		maxAmount, err := v402.ParseAtomicAmount(amount)
		if err != nil {
			return err
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements Signer.
func (s *EVMSigner) Network() string {
	return s.network
}

// Address implements Signer. The address is checksummed hex.
func (s *EVMSigner) Address() string {
	return s.address.Hex()
}

// CanSign implements Signer.
func (s *EVMSigner) CanSign(req v402.PaymentRequirement) bool {
	if req.Network != s.network {
		return false
	}
	switch req.Scheme {
	case v402.SchemeExact, v402.SchemeUpTo, v402.SchemeDynamic:
	default:
		return false
	}
	return common.IsHexAddress(req.Asset) && common.IsHexAddress(req.PayTo)
}

// Sign implements Signer. The authorization covers the requirement's full
// amount over a window derived from its timeout.
func (s *EVMSigner) Sign(req v402.PaymentRequirement) (*v402.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoSigner, req.Scheme, req.Network)
	}

	value, err := v402.ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if s.maxAmount != nil && value.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrAmountExceeded, value, s.maxAmount)
	}

	nonce, err := authorizationNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore := authorizationWindow(req.MaxTimeoutSeconds)

	auth := v402.EVMAuthorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	signature, err := s.signTransferAuthorization(req, auth)
	if err != nil {
		return nil, err
	}

	return &v402.PaymentPayload{
		V402Version: v402.ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     s.network,
		Payload: v402.EVMPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}, nil
}

// signTransferAuthorization signs the EIP-712 TransferWithAuthorization
// digest for the token's domain. The domain name and version come from the
// requirement's extra data when present, otherwise from the chain defaults.
func (s *EVMSigner) signTransferAuthorization(req v402.PaymentRequirement, auth v402.EVMAuthorization) (string, error) {
	name := s.config.EIP3009Name
	version := s.config.EIP3009Version
	if extra, ok := req.Extra["name"].(string); ok && extra != "" {
		name = extra
	}
	if extra, ok := req.Extra["version"].(string); ok && extra != "" {
		version = extra
	}

	chainID := math.HexOrDecimal256(*big.NewInt(s.config.ChainID))
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           &chainID,
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return "", fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return "", fmt.Errorf("hash message: %w", err)
	}

	raw := append(append([]byte("\x19\x01"), domainSeparator...), messageHash...)
	digest := crypto.Keccak256(raw)

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}

	// Recovery id as 27/28, the convention EVM tooling expects.
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}
