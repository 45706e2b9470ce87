package verify

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// svmMessagePrefix domain-separates authorization signatures from any other
// Ed25519 signature the payer's key might produce.
const svmMessagePrefix = "v402/svm-transfer-authorization/v1"

// parseSVM decodes a Solana authorization and returns it with a deferred
// signature check: the payer's Ed25519 signature must verify over the
// canonical encoding of the authorization fields.
func parseSVM(payment v402.PaymentPayload, req v402.PaymentRequirement) (*authorization, func() error, error) {
	payload, err := payment.SVM()
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

	payer, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: from address", v402.ErrMalformedPayload)
	}
	if _, err := solana.PublicKeyFromBase58(auth.To); err != nil {
		return nil, nil, fmt.Errorf("%w: to address", v402.ErrMalformedPayload)
	}
	if auth.To != req.PayTo {
		return nil, nil, fmt.Errorf("%w: authorized %s, required %s", v402.ErrRecipientMismatch, auth.To, req.PayTo)
	}
	if auth.Nonce == "" {
		return nil, nil, fmt.Errorf("%w: missing nonce", v402.ErrMalformedPayload)
	}

	signature, err := solana.SignatureFromBase58(payload.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature is not base58", v402.ErrMalformedPayload)
	}

	checkSignature := func() error {
		message := CanonicalAuthorizationMessage(payment.Network, req.Asset, auth)
		if !ed25519.Verify(ed25519.PublicKey(payer[:]), message, signature[:]) {
			return fmt.Errorf("%w: signature does not verify for %s", v402.ErrSignatureInvalid, auth.From)
		}
		return nil
	}

	return &authorization{
		from:        auth.From,
		to:          auth.To,
		value:       value,
		validAfter:  validAfter,
		validBefore: validBefore,
		nonce:       auth.Nonce,
	}, checkSignature, nil
}

// CanonicalAuthorizationMessage is the byte string a Solana payer signs to
// authorize a payment. Fields are length-prefixed so no two distinct
// authorizations encode to the same bytes. Exported so clients can produce
// signatures compatible with the facilitator.
func CanonicalAuthorizationMessage(network, asset string, auth v402.SVMAuthorization) []byte {
	fields := []string{
		network,
		asset,
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
	}
	out := make([]byte, 0, 64)
	out = append(out, svmMessagePrefix...)
	for _, field := range fields {
		out = binary.AppendUvarint(out, uint64(len(field)))
		out = append(out, field...)
	}
	return out
}
