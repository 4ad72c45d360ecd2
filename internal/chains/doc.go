// Package chains holds the closed registry of supported chains and assets,
// loaded from a YAML definition file. It answers membership questions for
// intent and order validation and derives deterministic agent custody
// addresses per chain type (NEAR implicit accounts, Solana base58) for the
// paths that deposits are keyed by.
package chains
