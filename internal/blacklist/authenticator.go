package blacklist

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anand-gl/jsoncanonicalizer"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLength = 65

var errMissingOperator = errors.New("blacklist: operator wallet is required")

// Mutation is a signed request to add or remove blacklist entries.
type Mutation struct {
	Type      string   `json:"type"`
	Values    []string `json:"values"`
	Timestamp int64    `json:"timestamp"`
	Signature string   `json:"signature"`
}

type signedPayload struct {
	Timestamp int64    `json:"timestamp"`
	Type      string   `json:"type"`
	Values    []string `json:"values"`
}

// CanonicalPayload returns the canonical JSON bytes covered by the signature.
func CanonicalPayload(mutation Mutation) ([]byte, error) {
	raw, err := json.Marshal(signedPayload{
		Timestamp: mutation.Timestamp,
		Type:      mutation.Type,
		Values:    mutation.Values,
	})
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

// Sign produces the personal-sign signature the operator attaches to a mutation.
func Sign(privateKey *ecdsa.PrivateKey, mutation Mutation) (string, error) {
	payload, err := CanonicalPayload(mutation)
	if err != nil {
		return "", err
	}
	signature, err := crypto.Sign(accounts.TextHash(payload), privateKey)
	if err != nil {
		return "", err
	}
	signature[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(signature), nil
}

// Authenticator accepts mutations signed by the operator wallet within a freshness window.
type Authenticator struct {
	operator common.Address
	window   time.Duration
	clock    func() time.Time
}

// NewAuthenticator constructs an Authenticator for the operator wallet.
func NewAuthenticator(operatorWallet string, window time.Duration, clock func() time.Time) (*Authenticator, error) {
	if !common.IsHexAddress(operatorWallet) {
		return nil, fmt.Errorf("%w: %q", errMissingOperator, operatorWallet)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		operator: common.HexToAddress(operatorWallet),
		window:   window,
		clock:    clock,
	}, nil
}

// Verify checks freshness, then recovers the signer and compares it with the operator.
func (a *Authenticator) Verify(mutation Mutation) error {
	signedAt := time.Unix(mutation.Timestamp, 0)
	age := a.clock().Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > a.window {
		return fmt.Errorf("%w: signed %s ago", ErrStaleSignature, age.Round(time.Second))
	}

	signature, err := hexutil.Decode(mutation.Signature)
	if err != nil || len(signature) != signatureLength {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	payload, err := CanonicalPayload(mutation)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	publicKey, err := crypto.SigToPub(accounts.TextHash(payload), signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered := crypto.PubkeyToAddress(*publicKey); recovered != a.operator {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, recovered.Hex())
	}
	return nil
}
