// Package identity issues and validates the API keys that authenticate
// Trailpay actors. A key is a tk_ secret shown once at issue time; only its
// SHA-256 digest is stored. Each key binds one actor id to one role, and the
// package supplies the admin-capability check the dispute and arbitration
// services consult.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
)

var (
	ErrNoKey      = errors.New("api key required")
	ErrInvalidKey = errors.New("invalid or expired api key")
)

// Role classifies an actor for authorization decisions.
type Role string

const (
	RoleTraveler Role = "traveler"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
	RoleService  Role = "service"
)

// ValidRole reports whether r is a role the engine knows.
func ValidRole(r Role) bool {
	switch r {
	case RoleTraveler, RoleAgent, RoleAdmin, RoleService:
		return true
	}
	return false
}

// Key is the stored record of an issued API key. The raw secret is never
// persisted.
type Key struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	ActorID   string     `json:"actorId"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// live reports whether the key can still authenticate at now.
func (k *Key) live(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// Store persists API keys.
type Store interface {
	CreateKey(ctx context.Context, k *Key) error
	GetKeyByHash(ctx context.Context, hash string) (*Key, error)
	ListKeysByActor(ctx context.Context, actorID string) ([]*Key, error)
	UpdateKey(ctx context.Context, k *Key) error
}

// Manager issues, validates, and revokes API keys.
type Manager struct {
	store Store
}

// NewManager creates a key manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Issue creates a key for an actor. The returned secret is shown exactly
// once; only its hash reaches the store.
func (m *Manager) Issue(ctx context.Context, actorID string, role Role, name string) (string, *Key, error) {
	if actorID == "" {
		return "", nil, fault.Validation("an actor id is required")
	}
	if !ValidRole(role) {
		return "", nil, fault.Validation("unknown role %q", role)
	}

	secret := "tk_" + idgen.Hex(32)
	k := &Key{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashSecret(secret),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateKey(ctx, k); err != nil {
		return "", nil, err
	}
	return secret, k, nil
}

// Validate resolves a presented secret to its key record. Revoked and
// expired keys fail closed; the last-used stamp is written off the request
// path.
func (m *Manager) Validate(ctx context.Context, raw string) (*Key, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoKey
	}
	if !strings.HasPrefix(raw, "tk_") {
		return nil, ErrInvalidKey
	}

	k, err := m.store.GetKeyByHash(ctx, hashSecret(raw))
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !k.live(time.Now()) {
		return nil, ErrInvalidKey
	}

	touched := *k
	touched.LastUsed = time.Now()
	go func() {
		_ = m.store.UpdateKey(context.Background(), &touched)
	}()

	return k, nil
}

// List returns the actor's keys, newest first.
func (m *Manager) List(ctx context.Context, actorID string) ([]*Key, error) {
	return m.store.ListKeysByActor(ctx, actorID)
}

// Revoke disables one of the actor's keys.
func (m *Manager) Revoke(ctx context.Context, keyID, actorID string) error {
	keys, err := m.store.ListKeysByActor(ctx, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		if k.Revoked {
			return nil
		}
		k.Revoked = true
		return m.store.UpdateKey(ctx, k)
	}
	return fault.NotFound("key %s not found", keyID)
}

// Bootstrap registers a pre-shared admin secret so a fresh deployment has
// one admin able to issue further keys. Re-running with the same secret is
// a no-op.
func (m *Manager) Bootstrap(ctx context.Context, secret, actorID string) (*Key, error) {
	if !strings.HasPrefix(secret, "tk_") || len(secret) < 20 {
		return nil, fault.Validation("bootstrap secret must be a tk_ key of at least 20 characters")
	}
	if actorID == "" {
		return nil, fault.Validation("an actor id is required")
	}

	hash := hashSecret(secret)
	if k, err := m.store.GetKeyByHash(ctx, hash); err == nil {
		return k, nil
	}

	k := &Key{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hash,
		ActorID:   actorID,
		Role:      RoleAdmin,
		Name:      "bootstrap admin",
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authorizer answers the admin-capability checks the dispute and
// arbitration services make before privileged operations.
type Authorizer struct {
	store Store
}

// NewAuthorizer creates an authorizer over store.
func NewAuthorizer(store Store) *Authorizer {
	return &Authorizer{store: store}
}

// IsAdmin reports whether the actor holds a live admin key.
func (a *Authorizer) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	keys, err := a.store.ListKeysByActor(ctx, actorID)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, k := range keys {
		if k.Role == RoleAdmin && k.live(now) {
			return true, nil
		}
	}
	return false, nil
}
