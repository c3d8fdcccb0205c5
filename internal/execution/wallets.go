package execution

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"moltapp-trader/internal/config"
	"moltapp-trader/internal/solana"
	"moltapp-trader/internal/tradeerr"
)

// Signer signs swap transactions for one wallet.
type Signer interface {
	Address() string
	SignTransaction(txBase64 string) (signed string, txID string, err error)
}

// WalletResolver maps an agent to its signing wallet.
type WalletResolver interface {
	Resolve(agentID string) (Signer, error)
}

// KeyringResolver holds agent keypairs loaded at startup.
type KeyringResolver struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// ensure KeyringResolver implements the interface
var _ WalletResolver = (*KeyringResolver)(nil)

// NewKeyringResolver loads each agent's base58 secret from the environment
// variable its config names. Agents without a key are skipped with a warning;
// a key whose address disagrees with the configured wallet is an error.
func NewKeyringResolver(agents []config.Agent, getenv func(string) string, logger *zap.Logger) (*KeyringResolver, error) {
	r := &KeyringResolver{signers: make(map[string]Signer, len(agents))}
	for _, a := range agents {
		l := logger.With(zap.String("agent_id", a.ID))
		if a.PrivateKeyEnv == "" {
			l.Warn("Agent has no private key configured, live trades will fail")
			continue
		}
		secret := getenv(a.PrivateKeyEnv)
		if secret == "" {
			l.Warn("Agent private key variable is empty", zap.String("env", a.PrivateKeyEnv))
			continue
		}
		kp, err := solana.KeypairFromBase58(secret)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if a.WalletAddress != "" && kp.Address() != a.WalletAddress {
			return nil, fmt.Errorf("agent %s: key address %s does not match wallet %s", a.ID, kp.Address(), a.WalletAddress)
		}
		r.signers[a.ID] = kp
		l.Info("Loaded agent wallet", zap.String("wallet", kp.Address()))
	}
	return r, nil
}

// Add registers a signer for an agent, replacing any previous one.
func (r *KeyringResolver) Add(agentID string, s Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[agentID] = s
}

// Resolve returns the agent's signer or an UNKNOWN_WALLET error.
func (r *KeyringResolver) Resolve(agentID string) (Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signers[agentID]
	if !ok {
		return nil, tradeerr.New(tradeerr.CodeUnknownWallet, "no wallet for agent %q", agentID)
	}
	return s, nil
}
