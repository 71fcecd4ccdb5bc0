// Package wallet exposes the connected wallet as a capability. Components
// receive the resulting store.Subject instead of reading a global.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"

	"github.com/tradepilot/companion/internal/store"
)

// ErrNotConnected is returned when no wallet is connected.
var ErrNotConnected = errors.New("wallet not connected")

// ErrInvalidAddress is returned for addresses that are not 0x-prefixed hex.
var ErrInvalidAddress = errors.New("invalid wallet address")

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Service provides the current wallet.
type Service interface {
	Connect(ctx context.Context) (store.Subject, error)
	CurrentAddress() (store.Subject, bool)
	IsConnected() bool
}

// Static is a wallet configured up front.
type Static struct {
	address store.Subject

	mu        sync.RWMutex
	connected bool
}

// NewStatic creates a wallet for address. Addresses that do not look like
// EVM addresses are accepted but logged.
func NewStatic(address string) (*Static, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	if !addressPattern.MatchString(address) {
		slog.Warn("wallet_address_unusual", "address", address)
	}
	return &Static{address: store.Subject(address)}, nil
}

// Connect marks the wallet connected and returns its address.
func (s *Static) Connect(ctx context.Context) (store.Subject, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	slog.Info("wallet_connected", "address", s.address.Short())
	return s.address, nil
}

// Disconnect marks the wallet disconnected.
func (s *Static) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// CurrentAddress returns the address while connected.
func (s *Static) CurrentAddress() (store.Subject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return "", false
	}
	return s.address, true
}

// IsConnected reports whether Connect has been called.
func (s *Static) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Require returns the connected address or ErrNotConnected.
func Require(svc Service) (store.Subject, error) {
	addr, ok := svc.CurrentAddress()
	if !ok {
		return "", ErrNotConnected
	}
	return addr, nil
}
