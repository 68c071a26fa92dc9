// Package credentials resolves per-subscriber platform tokens. Tokens are
// kept in the store, optionally sealed with AES-256-GCM so a copied state
// file does not leak them.
package credentials

import (
	"context"
	"fmt"

	"relbot/internal/release"
	"relbot/internal/store"
	logx "relbot/pkg/logx"
)

// Provider yields the token a subscriber contributes for polling a
// platform. ok=false means the subscriber has none; polls then fall back
// to a shared token or go anonymous, they are never suppressed.
type Provider interface {
	Resolve(ctx context.Context, subscriber int64, platform release.Platform) (token string, ok bool, err error)
}

// Manager is the store-backed Provider plus the write side used by the
// /token and /deltoken commands.
type Manager struct {
	store  store.Store
	sealer *Sealer // nil means tokens are stored in plaintext
	log    logx.Logger
}

var _ Provider = (*Manager)(nil)

// NewManager wraps the store. key must be empty (no sealing) or a
// base64-encoded 32-byte AES-256 key.
func NewManager(st store.Store, key string, log logx.Logger) (*Manager, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{store: st, log: log}
	if key != "" {
		sealer, err := NewSealer(key)
		if err != nil {
			return nil, fmt.Errorf("credentials key: %w", err)
		}
		m.sealer = sealer
	}
	return m, nil
}

func (m *Manager) Set(ctx context.Context, subscriber int64, platform release.Platform, token string) error {
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(token)
		if err != nil {
			return err
		}
		token = sealed
	}
	return m.store.SetCredential(ctx, subscriber, platform, token)
}

func (m *Manager) Delete(ctx context.Context, subscriber int64, platform release.Platform) error {
	return m.store.DeleteCredential(ctx, subscriber, platform)
}

func (m *Manager) Resolve(ctx context.Context, subscriber int64, platform release.Platform) (string, bool, error) {
	token, ok, err := m.store.Credential(ctx, subscriber, platform)
	if err != nil || !ok {
		return "", false, err
	}
	if m.sealer != nil {
		opened, err := m.sealer.Open(token)
		if err != nil {
			// Key rotated or state file edited: treat as missing so the
			// poll still runs.
			m.log.Warn("stored credential cannot be opened",
				logx.Int64("subscriber", subscriber),
				logx.String("platform", string(platform)),
				logx.Err(err))
			return "", false, nil
		}
		token = opened
	}
	return token, true, nil
}
