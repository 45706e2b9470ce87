package verify

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// parseEVM decodes an EIP-3009 authorization and returns it with a deferred
// signature check: the EIP-712 digest is reconstructed from the authorization
// fields and the recovered signer must equal the declared payer.
func parseEVM(payment v402.PaymentPayload, req v402.PaymentRequirement, config v402.ChainConfig) (*authorization, func() error, error) {
	payload, err := payment.EVM()
	if err != nil {
		return nil, nil, err
	}
	auth := payload.Authorization

	value, err := v402.ParseAtomicAmount(auth.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: value", v402.ErrMalformedPayload)
	}
	validAfter, validBefore, err := parseWindow(auth.ValidAfter, auth.ValidBefore)
	if err != nil {
		return nil, nil, err
	}

	if !common.IsHexAddress(auth.From) {
		return nil, nil, fmt.Errorf("%w: from address", v402.ErrMalformedPayload)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, nil, fmt.Errorf("%w: to address", v402.ErrMalformedPayload)
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return nil, nil, fmt.Errorf("%w: authorized %s, required %s", v402.ErrRecipientMismatch, auth.To, req.PayTo)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, nil, fmt.Errorf("%w: nonce must be 32 hex bytes", v402.ErrMalformedPayload)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	signature, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature is not hex", v402.ErrMalformedPayload)
	}
	if len(signature) != 65 {
		return nil, nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", v402.ErrMalformedPayload, len(signature))
	}

	checkSignature := func() error {
		name, version := eip3009Domain(req, config)
		digest, err := transferAuthorizationDigest(
			name, version, config.ChainID, req.Asset,
			auth.From, auth.To, value,
			big.NewInt(validAfter), big.NewInt(validBefore), nonce,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrMalformedPayload, err)
		}

		// Ecrecover expects the recovery id as 0/1.
		sig := make([]byte, 65)
		copy(sig, signature)
		if sig[64] == 27 || sig[64] == 28 {
			sig[64] -= 27
		}

		pubkey, err := crypto.Ecrecover(digest, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrSignatureInvalid, err)
		}
		recovered, err := crypto.UnmarshalPubkey(pubkey)
		if err != nil {
			return fmt.Errorf("%w: %v", v402.ErrSignatureInvalid, err)
		}
		signer := crypto.PubkeyToAddress(*recovered)
		if signer != common.HexToAddress(auth.From) {
			return fmt.Errorf("%w: recovered %s, declared %s", v402.ErrSignatureInvalid, signer.Hex(), auth.From)
		}
		return nil
	}

	return &authorization{
		from:        common.HexToAddress(auth.From).Hex(),
		to:          auth.To,
		value:       value,
		validAfter:  validAfter,
		validBefore: validBefore,
		nonce:       auth.Nonce,
	}, checkSignature, nil
}

// eip3009Domain resolves the token's EIP-712 domain name and version from
// the requirement's extra data, falling back to the chain defaults.
func eip3009Domain(req v402.PaymentRequirement, config v402.ChainConfig) (name, version string) {
	name = config.EIP3009Name
	version = config.EIP3009Version
	if extra, ok := req.Extra["name"].(string); ok && extra != "" {
		name = extra
	}
	if extra, ok := req.Extra["version"].(string); ok && extra != "" {
		version = extra
	}
	return name, version
}

// transferAuthorizationDigest computes the EIP-712 digest of a
// TransferWithAuthorization message.
func transferAuthorizationDigest(
	name, version string,
	chainID int64,
	verifyingContract string,
	from, to string,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
) ([]byte, error) {
	bigChainID := big.NewInt(chainID)
	hexChainID := math.HexOrDecimal256(*bigChainID)

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
			ChainId:           &hexChainID,
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from,
			"to":          to,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}

	raw := append(append([]byte("\x19\x01"), domainSeparator...), messageHash...)
	return crypto.Keccak256(raw), nil
}
