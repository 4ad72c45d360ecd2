package proofs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"

	xerrors "CrossFlow/internal/errors"
)

func TestNearVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	message := []byte("Register wallet for derivation path: alice-agent with nonce: 0")
	digest := sha256.Sum256(message)
	sig := ed25519.Sign(priv, digest[:])

	registry := NewRegistry()
	if err := registry.Verify(WalletNear, pub, message, sig, "alice.near"); err != nil {
		t.Fatalf("valid near signature rejected: %v", err)
	}

	if err := registry.Verify(WalletNear, pub, []byte("tampered"), sig, "alice.near"); err == nil {
		t.Fatalf("tampered message accepted")
	} else if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("unexpected error code: %v", xerrors.CodeOf(err))
	}

	// Implicit accounts bind the account id to the key.
	implicit := make([]byte, len(pub))
	copy(implicit, pub)
	implicit[0] ^= 0xff
	wrongAccount := NearVerifier{}
	if err := wrongAccount.Verify(pub, message, sig, hexOf(implicit)); err == nil {
		t.Fatalf("implicit account mismatch accepted")
	}
	if err := wrongAccount.Verify(pub, message, sig, hexOf(pub)); err != nil {
		t.Fatalf("matching implicit account rejected: %v", err)
	}
}

func hexOf(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}

func TestSolanaVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	message := []byte("authorize operation nonce: 3")
	sig := ed25519.Sign(priv, message)

	registry := NewRegistry()
	if err := registry.Verify(WalletSolana, pub, message, sig, base58.Encode(pub)); err != nil {
		t.Fatalf("valid solana signature rejected: %v", err)
	}
	if err := registry.Verify(WalletSolana, pub, message, sig, base58.Encode(append([]byte{1}, pub[1:]...))); err == nil {
		t.Fatalf("address mismatch accepted")
	}
	if err := registry.Verify(WalletSolana, pub[:16], message, sig, ""); err == nil {
		t.Fatalf("short public key accepted")
	}
}

func TestEvmVerifier(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := []byte("cancel order order-0001 nonce: 7")

	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	registry := NewRegistry()
	if err := registry.Verify(WalletEvm, nil, message, sig, address); err != nil {
		t.Fatalf("valid evm signature rejected: %v", err)
	}

	// Wallets commonly emit the legacy 27/28 recovery id.
	legacy := make([]byte, len(sig))
	copy(legacy, sig)
	legacy[crypto.RecoveryIDOffset] += 27
	if err := registry.Verify(WalletEvm, nil, message, legacy, address); err != nil {
		t.Fatalf("legacy recovery id rejected: %v", err)
	}

	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	otherAddr := crypto.PubkeyToAddress(other.PublicKey).Hex()
	if err := registry.Verify(WalletEvm, nil, message, sig, otherAddr); err == nil {
		t.Fatalf("signature accepted for the wrong address")
	}
	if err := registry.Verify(WalletEvm, nil, message, sig[:32], address); err == nil {
		t.Fatalf("truncated signature accepted")
	}
}

func TestParseWalletType(t *testing.T) {
	if wt, err := ParseWalletType(" Near "); err != nil || wt != WalletNear {
		t.Fatalf("expected near, got %q err %v", wt, err)
	}
	if _, err := ParseWalletType("bitcoin"); err == nil {
		t.Fatalf("unknown wallet type accepted")
	} else if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code: %v", xerrors.CodeOf(err))
	}
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "ed25519:" + base58.Encode(pub)
	decoded, err := DecodePublicKey(WalletNear, encoded)
	if err != nil {
		t.Fatalf("decode near key: %v", err)
	}
	if string(decoded) != string(pub) {
		t.Fatalf("near key roundtrip mismatch")
	}
	if _, err := DecodePublicKey(WalletSolana, "not-base58-0OIl"); err == nil {
		t.Fatalf("malformed solana key accepted")
	}
	if key, err := DecodePublicKey(WalletEvm, ""); err != nil || key != nil {
		t.Fatalf("evm empty key should be accepted, got %v %v", key, err)
	}
}
