package proofs

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"

	xerrors "CrossFlow/internal/errors"
)

// WalletType is the closed enum of supported signing schemes.
type WalletType string

const (
	WalletNear   WalletType = "near"
	WalletSolana WalletType = "solana"
	WalletEvm    WalletType = "evm"
)

// ParseWalletType normalizes a wallet type string.
func ParseWalletType(raw string) (WalletType, error) {
	switch WalletType(strings.ToLower(strings.TrimSpace(raw))) {
	case WalletNear:
		return WalletNear, nil
	case WalletSolana:
		return WalletSolana, nil
	case WalletEvm:
		return WalletEvm, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported wallet type %q", raw))
	}
}

// Verifier checks one signature scheme. Implementations must reject rather
// than guess: any decode, length or curve failure is an authorization error.
type Verifier interface {
	Verify(publicKey, message, signature []byte, expectedAddress string) error
}

// Registry resolves the verifier for a wallet type.
type Registry struct {
	verifiers map[WalletType]Verifier
}

// NewRegistry returns a registry with all supported schemes installed.
func NewRegistry() *Registry {
	return &Registry{verifiers: map[WalletType]Verifier{
		WalletNear:   NearVerifier{},
		WalletSolana: SolanaVerifier{},
		WalletEvm:    EvmVerifier{},
	}}
}

// Verify dispatches to the scheme implied by the wallet type.
func (r *Registry) Verify(walletType WalletType, publicKey, message, signature []byte, expectedAddress string) error {
	verifier, ok := r.verifiers[walletType]
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported wallet type %q", walletType))
	}
	return verifier.Verify(publicKey, message, signature, expectedAddress)
}

// NearVerifier checks Ed25519 signatures over the SHA-256 digest of the
// message, the scheme NEAR wallets use for off-chain message signing. For
// implicit accounts (64 hex chars) the account id must equal the hex of the
// public key; named accounts carry no key binding and are accepted as given.
type NearVerifier struct{}

func (NearVerifier) Verify(publicKey, message, signature []byte, expectedAddress string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("near public key must be %d bytes", ed25519.PublicKeySize))
	}
	if len(signature) != ed25519.SignatureSize {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("near signature must be %d bytes", ed25519.SignatureSize))
	}
	digest := sha256.Sum256(message)
	if !ed25519.Verify(ed25519.PublicKey(publicKey), digest[:], signature) {
		return xerrors.New(xerrors.CodeUnauthorized, "near signature verification failed")
	}
	if addr := strings.ToLower(strings.TrimSpace(expectedAddress)); len(addr) == 64 && isHex(addr) {
		if addr != hex.EncodeToString(publicKey) {
			return xerrors.New(xerrors.CodeUnauthorized, "near implicit account does not match public key")
		}
	}
	return nil
}

// SolanaVerifier checks Ed25519 signatures over the raw message bytes. The
// chain address, when supplied, must be the base58 encoding of the key.
type SolanaVerifier struct{}

func (SolanaVerifier) Verify(publicKey, message, signature []byte, expectedAddress string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("solana public key must be %d bytes", ed25519.PublicKeySize))
	}
	if len(signature) != ed25519.SignatureSize {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("solana signature must be %d bytes", ed25519.SignatureSize))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return xerrors.New(xerrors.CodeUnauthorized, "solana signature verification failed")
	}
	if addr := strings.TrimSpace(expectedAddress); addr != "" {
		if addr != base58.Encode(publicKey) {
			return xerrors.New(xerrors.CodeUnauthorized, "solana address does not match public key")
		}
	}
	return nil
}

// EvmVerifier recovers the signer of a personal_sign signature and compares
// the derived address. The public key argument is ignored; recovery is the
// binding. V is accepted as 0/1 or the legacy 27/28.
type EvmVerifier struct{}

func (EvmVerifier) Verify(_, message, signature []byte, expectedAddress string) error {
	if strings.TrimSpace(expectedAddress) == "" {
		return xerrors.New(xerrors.CodeUnauthorized, "evm verification requires the expected address")
	}
	if len(signature) != crypto.SignatureLength {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("evm signature must be %d bytes", crypto.SignatureLength))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return xerrors.New(xerrors.CodeUnauthorized, "evm signature recovery id out of range")
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, "evm signature recovery failed")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), strings.TrimSpace(expectedAddress)) {
		return xerrors.New(xerrors.CodeUnauthorized, "recovered signer does not match address")
	}
	return nil
}

// DecodePublicKey parses the wire form of a public key for the scheme.
// NEAR keys accept the "ed25519:" prefixed base58 form wallets emit; Solana
// keys are base58; EVM needs no key (recovery-based) so empty is accepted.
func DecodePublicKey(walletType WalletType, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	switch walletType {
	case WalletNear:
		raw = strings.TrimPrefix(raw, "ed25519:")
		if raw == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "public key is required")
		}
		key, err := base58.Decode(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed near public key")
		}
		return key, nil
	case WalletSolana:
		if raw == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "public key is required")
		}
		key, err := base58.Decode(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed solana public key")
		}
		return key, nil
	case WalletEvm:
		if raw == "" {
			return nil, nil
		}
		key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed evm public key")
		}
		return key, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported wallet type %q", walletType))
	}
}

// DecodeSignature parses a signature supplied as 0x-hex, base64 or base58.
func DecodeSignature(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signature is required")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		sig, err := hex.DecodeString(raw[2:])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed hex signature")
		}
		return sig, nil
	}
	// Base58 and unpadded base64 overlap; accept a decoding only when it
	// yields a plausible signature length (64 for ed25519, 65 for secp256k1).
	if sig, err := base64.StdEncoding.DecodeString(raw); err == nil && plausibleSignature(sig) {
		return sig, nil
	}
	if sig, err := base58.Decode(raw); err == nil && plausibleSignature(sig) {
		return sig, nil
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "malformed signature encoding")
}

func plausibleSignature(sig []byte) bool {
	return len(sig) == ed25519.SignatureSize || len(sig) == crypto.SignatureLength
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
