package chain

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// Manager owns one Backend per configured chain and resolves them by
// chain id or bridge selector.
type Manager struct {
	mu       sync.RWMutex
	backends map[uint64]Backend
	bySel    map[uint64]Backend
	log      zerolog.Logger
}

// NewManager dials every configured chain. signerKeyHex may be empty for
// a read-only control plane (the once and explain commands).
func NewManager(chains []config.ChainConfig, signerKeyHex string) (*Manager, error) {
	m := &Manager{
		backends: make(map[uint64]Backend),
		bySel:    make(map[uint64]Backend),
		log:      config.NewLogger("chain"),
	}
	for _, cc := range chains {
		if cc.RPCURL == "" {
			m.log.Warn().Uint64("chain_id", cc.ChainID).Str("chain", cc.Name).
				Msg("No RPC endpoint configured, chain unavailable")
			continue
		}
		backend, err := NewEVMBackend(cc, signerKeyHex)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.register(backend)
	}
	return m, nil
}

// NewMockManager builds a manager of in-memory backends, one per chain.
// Used by tests and dry runs.
func NewMockManager(chains []config.ChainConfig) (*Manager, map[uint64]*MockBackend) {
	m := &Manager{
		backends: make(map[uint64]Backend),
		bySel:    make(map[uint64]Backend),
		log:      config.NewLogger("chain"),
	}
	mocks := make(map[uint64]*MockBackend, len(chains))
	for _, cc := range chains {
		mock := NewMockBackendFromConfig(cc)
		m.register(mock)
		mocks[cc.ChainID] = mock
	}
	return m, mocks
}

func (m *Manager) register(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.ChainID()] = b
	m.bySel[b.Selector()] = b
}

// Backend resolves a chain by id.
func (m *Manager) Backend(chainID uint64) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[chainID]
	if !ok {
		return nil, errs.Chain("unknown_chain", nil, false)
	}
	return b, nil
}

// BySelector resolves a chain by its bridge selector.
func (m *Manager) BySelector(selector uint64) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bySel[selector]
	if !ok {
		return nil, errs.Chain("unknown_chain", nil, false)
	}
	return b, nil
}

// ChainIDs lists the available chains in ascending order.
func (m *Manager) ChainIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close shuts down every backend.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backends {
		b.Close()
	}
	m.backends = make(map[uint64]Backend)
	m.bySel = make(map[uint64]Backend)
}
