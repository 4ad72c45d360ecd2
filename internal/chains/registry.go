package chains

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
)

// Chain type names used in definitions.
const (
	TypeNear   = "near"
	TypeSolana = "solana"
	TypeEVM    = "evm"
)

type entry struct {
	typ     string
	custody bool
	assets  map[string]struct{}
}

// Registry answers chain and asset membership questions and derives custody
// addresses. Real deployments derive custody addresses through an external
// MPC service; the registry's local derivation is deterministic on
// (custody root, chain, derivation path) so development and tests behave
// like production without the service.
type Registry struct {
	chains      map[string]entry
	custodyRoot string
}

// NewRegistry builds a registry from loaded definitions.
func NewRegistry(defs Definitions, custodyRoot string) (*Registry, error) {
	if len(defs.Chains) == 0 {
		return nil, fmt.Errorf("链配置为空")
	}
	chains := make(map[string]entry, len(defs.Chains))
	for name, def := range defs.Chains {
		typ := strings.ToLower(strings.TrimSpace(def.Type))
		switch typ {
		case TypeNear, TypeSolana, TypeEVM:
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		var assets map[string]struct{}
		if len(def.Assets) > 0 {
			assets = make(map[string]struct{}, len(def.Assets))
			for _, asset := range def.Assets {
				asset = strings.TrimSpace(asset)
				if asset == "" {
					continue
				}
				assets[asset] = struct{}{}
			}
		}
		chains[strings.ToLower(name)] = entry{typ: typ, custody: def.Custody, assets: assets}
	}
	if custodyRoot == "" {
		custodyRoot = "crossflow-agent"
	}
	return &Registry{chains: chains, custodyRoot: custodyRoot}, nil
}

// Supported reports whether the chain name is registered.
func (r *Registry) Supported(chain string) bool {
	_, ok := r.chains[strings.ToLower(chain)]
	return ok
}

// Type returns the address scheme of a registered chain.
func (r *Registry) Type(chain string) (string, bool) {
	e, ok := r.chains[strings.ToLower(chain)]
	if !ok {
		return "", false
	}
	return e.typ, true
}

// KnownAsset reports whether the asset identifier is accepted on the chain.
// Chains without an explicit asset list accept any non-empty identifier.
func (r *Registry) KnownAsset(chain, asset string) bool {
	e, ok := r.chains[strings.ToLower(chain)]
	if !ok {
		return false
	}
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return false
	}
	if e.assets == nil {
		return true
	}
	_, ok = e.assets[asset]
	return ok
}

// CustodyChain reports whether orders may keep custody deposits on the chain.
func (r *Registry) CustodyChain(chain string) bool {
	e, ok := r.chains[strings.ToLower(chain)]
	return ok && e.custody
}

// Names returns the registered chain names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeriveCustodyAddress returns the agent-controlled deposit address for the
// given custody chain and derivation path. The seed is the SHA-256 of
// (custody root, chain, path); the address format follows the chain type:
// NEAR implicit accounts are the lowercase hex of the derived Ed25519 public
// key, Solana addresses its base58 encoding.
func (r *Registry) DeriveCustodyAddress(chain, derivationPath string) (string, error) {
	name := strings.ToLower(chain)
	e, ok := r.chains[name]
	if !ok {
		return "", fmt.Errorf("未知的链 %s", chain)
	}
	if !e.custody {
		return "", fmt.Errorf("链 %s 不支持托管地址", chain)
	}

	seed := sha256.Sum256([]byte(r.custodyRoot + ":" + name + ":" + derivationPath))
	pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)

	switch e.typ {
	case TypeNear:
		return hex.EncodeToString(pub), nil
	case TypeSolana:
		return base58.Encode(pub), nil
	default:
		return "", fmt.Errorf("链类型 %s 不支持托管地址", e.typ)
	}
}
