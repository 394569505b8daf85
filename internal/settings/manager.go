package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultReadTimeout    = 10 * time.Second
)

// ErrUnknownTerminal reports a destination with no registry entry. Sends to
// such a destination fail immediately and must never create retry work.
var ErrUnknownTerminal = errors.New("terminal not configured")

// TerminalConfig describes one POS terminal endpoint as pushed by the back
// office or loaded from the bootstrap configuration.
type TerminalConfig struct {
	Name             string `json:"name" mapstructure:"name"`
	Host             string `json:"host" mapstructure:"host"`
	Port             int    `json:"port" mapstructure:"port"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms,omitempty" mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS    int    `json:"read_timeout_ms,omitempty" mapstructure:"read_timeout_ms"`
}

// Endpoint is a resolved dial target with effective timeouts applied.
type Endpoint struct {
	Terminal       string
	Addr           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// RegistryPayload defines the structure of the JSON posted to the
// terminal_config endpoint.
type RegistryPayload struct {
	Terminals []TerminalConfig `json:"terminals"`
}

// Manager handles the storage and retrieval of POS terminal endpoints.
type Manager struct {
	sync.RWMutex
	logger         *log.Logger
	terminals      map[string]TerminalConfig
	defaultConnect time.Duration
	defaultRead    time.Duration
	changeChan     chan struct{}
	updateCallback func(terminals []TerminalConfig)
}

// NewManager creates a new terminal registry. Zero timeout defaults fall back
// to the built-in ones; every resolved endpoint always carries both timeouts.
func NewManager(logger *log.Logger, defaultConnect, defaultRead time.Duration) *Manager {
	if defaultConnect <= 0 {
		defaultConnect = defaultConnectTimeout
	}
	if defaultRead <= 0 {
		defaultRead = defaultReadTimeout
	}
	return &Manager{
		logger:         logger,
		terminals:      make(map[string]TerminalConfig),
		defaultConnect: defaultConnect,
		defaultRead:    defaultRead,
		changeChan:     make(chan struct{}, 1),
	}
}

// UpdateTerminals parses a pushed registry payload and replaces the active
// set wholesale. Returns the number of endpoints now active.
func (m *Manager) UpdateTerminals(payload []byte) (int, error) {
	var parsed RegistryPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return 0, fmt.Errorf("could not unmarshal terminal payload: %w", err)
	}
	return m.ReplaceTerminals(parsed.Terminals), nil
}

// ReplaceTerminals installs the given set, dropping incomplete entries and
// duplicates by terminal name. The update callback runs after the lock is
// released, so it may call back into the Manager.
func (m *Manager) ReplaceTerminals(configs []TerminalConfig) int {
	cleaned := dedupeTerminals(configs)

	m.Lock()
	m.terminals = make(map[string]TerminalConfig, len(cleaned))
	for _, tc := range cleaned {
		m.terminals[tc.Name] = tc
	}
	callback := m.updateCallback
	m.Unlock()

	m.logger.Infof("Terminal registry updated: %d endpoints active", len(cleaned))

	if callback != nil {
		callback(cleaned)
	}

	m.notifyChange()
	return len(cleaned)
}

// Resolve returns the dial target for a terminal name, or ErrUnknownTerminal.
func (m *Manager) Resolve(name string) (Endpoint, error) {
	m.RLock()
	defer m.RUnlock()

	tc, ok := m.terminals[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownTerminal, name)
	}

	ep := Endpoint{
		Terminal:       name,
		Addr:           net.JoinHostPort(tc.Host, strconv.Itoa(tc.Port)),
		ConnectTimeout: m.defaultConnect,
		ReadTimeout:    m.defaultRead,
	}
	if tc.ConnectTimeoutMS > 0 {
		ep.ConnectTimeout = time.Duration(tc.ConnectTimeoutMS) * time.Millisecond
	}
	if tc.ReadTimeoutMS > 0 {
		ep.ReadTimeout = time.Duration(tc.ReadTimeoutMS) * time.Millisecond
	}
	return ep, nil
}

// Terminals returns a name-sorted copy of the current registry.
func (m *Manager) Terminals() []TerminalConfig {
	m.RLock()
	defer m.RUnlock()

	result := make([]TerminalConfig, 0, len(m.terminals))
	for _, tc := range m.terminals {
		result = append(result, tc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of configured terminals.
func (m *Manager) Count() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.terminals)
}

// Changes returns a channel that signals when the registry has been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

// SetUpdateCallback sets the function to call when the registry is replaced.
func (m *Manager) SetUpdateCallback(callback func(terminals []TerminalConfig)) {
	m.Lock()
	defer m.Unlock()
	m.updateCallback = callback
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}

func dedupeTerminals(configs []TerminalConfig) []TerminalConfig {
	seen := make(map[string]bool)
	result := make([]TerminalConfig, 0, len(configs))

	for _, tc := range configs {
		if tc.Name == "" || tc.Host == "" || tc.Port <= 0 {
			continue
		}
		if !seen[tc.Name] {
			seen[tc.Name] = true
			result = append(result, tc)
		}
	}

	return result
}
