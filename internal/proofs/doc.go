// Package proofs implements the signature verification schemes that anchor
// self-custodial authorization: NEAR message signing (Ed25519 over a SHA-256
// digest), Solana Ed25519 over raw message bytes, and EVM personal_sign
// recovery. One verifier per wallet type, resolved through a closed registry,
// so callers never branch on scheme details.
package proofs
