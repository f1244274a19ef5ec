package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentvault/agentvault/pkg/codec"
)

// ShareManager issues and enforces capability grants on shards. The
// vault owner can always grant; anyone else needs an active grant
// carrying Share plus every permission they are delegating.
type ShareManager struct {
	store Store
}

func NewShareManager(store Store) *ShareManager {
	return &ShareManager{store: store}
}

// Grant issues perms on shardID to recipient. For encrypted shards the
// content key is rewrapped for recipientKey so the recipient can
// decrypt without ever seeing the granter's private key.
func (m *ShareManager) Grant(ctx context.Context, sess Session, shardID, recipient string, perms Permissions, recipientKey *[codec.KeySize]byte, expiresAt time.Time) (ShareGrant, error) {
	if recipient == "" || recipient == sess.Caller {
		return ShareGrant{}, fmt.Errorf("invalid grant recipient %q: %w", recipient, ErrInvalidInput)
	}
	if !perms.Read && !perms.Write && !perms.Share {
		return ShareGrant{}, fmt.Errorf("grant carries no permissions: %w", ErrInvalidInput)
	}

	sh, err := m.store.GetShard(ctx, shardID)
	if err != nil {
		return ShareGrant{}, err
	}
	if sh.Tombstoned() {
		return ShareGrant{}, fmt.Errorf("shard %s: %w", shardID, ErrGone)
	}
	v, err := m.store.GetVault(ctx, sh.VaultID)
	if err != nil {
		return ShareGrant{}, err
	}

	var sourceEnvelope []byte
	switch {
	case v.Owner == sess.Caller:
		sourceEnvelope = sh.KeyEnvelope
	default:
		via, err := m.activeGrantFor(ctx, shardID, sess.Caller)
		if err != nil {
			return ShareGrant{}, err
		}
		if !via.Perms.Share {
			return ShareGrant{}, fmt.Errorf("grant %s does not allow sharing: %w", via.ID, ErrUnauthorized)
		}
		// Delegation cannot widen: every permission handed on must be
		// held by the granter.
		if !via.Perms.Covers(perms) {
			return ShareGrant{}, fmt.Errorf("delegated permissions exceed grant %s: %w", via.ID, ErrUnauthorized)
		}
		sourceEnvelope = via.KeyEnvelope
	}

	g := ShareGrant{
		ID:          "grant-" + uuid.NewString(),
		ShardID:     shardID,
		Granter:     sess.Caller,
		Recipient:   recipient,
		Perms:       perms,
		CreatedAtMS: nowMS(),
	}
	if !expiresAt.IsZero() {
		g.ExpiresAtMS = expiresAt.UnixMilli()
	}
	if sh.Encrypted {
		if recipientKey == nil {
			return ShareGrant{}, fmt.Errorf("encrypted shard needs a recipient public key: %w", ErrInvalidInput)
		}
		if sess.Keys == nil {
			return ShareGrant{}, fmt.Errorf("rewrapping the content key needs the granter's key pair: %w", ErrUnauthorized)
		}
		g.KeyEnvelope, err = codec.RewrapKey(sourceEnvelope, sess.Keys, recipientKey)
		if err != nil {
			return ShareGrant{}, err
		}
	}

	if err := m.store.InsertGrant(ctx, g); err != nil {
		return ShareGrant{}, err
	}
	return g, nil
}

// Revoke withdraws a grant. Only the vault owner or the grant's
// original granter may revoke; revoking twice is an error.
func (m *ShareManager) Revoke(ctx context.Context, sess Session, grantID string) error {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if g.RevokedAtMS != 0 {
		return fmt.Errorf("grant %s already revoked: %w", grantID, ErrGone)
	}

	if g.Granter != sess.Caller {
		sh, err := m.store.GetShard(ctx, g.ShardID)
		if err != nil {
			return err
		}
		v, err := m.store.GetVault(ctx, sh.VaultID)
		if err != nil {
			return err
		}
		if v.Owner != sess.Caller {
			return fmt.Errorf("grant %s held by %s: %w", grantID, g.Granter, ErrUnauthorized)
		}
	}
	return m.store.RevokeGrant(ctx, grantID, nowMS())
}

// CheckAccess reports whether the grant currently covers requested.
// Missing, expired, and revoked grants answer false without error; the
// caller cannot distinguish them by probing.
func (m *ShareManager) CheckAccess(ctx context.Context, grantID string, requested Permissions) (bool, error) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !g.Active(nowMS()) {
		return false, nil
	}
	return g.Perms.Covers(requested), nil
}

// ListActive returns the grants on a shard that still participate in
// access checks.
func (m *ShareManager) ListActive(ctx context.Context, shardID string) ([]ShareGrant, error) {
	grants, err := m.store.ListGrants(ctx, shardID)
	if err != nil {
		return nil, err
	}
	now := nowMS()
	active := grants[:0]
	for _, g := range grants {
		if g.Active(now) {
			active = append(active, g)
		}
	}
	return active, nil
}

// Retrieve reads a shard through a grant held by the session caller.
func (m *ShareManager) Retrieve(ctx context.Context, sess Session, grantID string) (MemoryShard, error) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return MemoryShard{}, err
	}
	if g.Recipient != sess.Caller {
		return MemoryShard{}, fmt.Errorf("grant %s issued to %s: %w", grantID, g.Recipient, ErrUnauthorized)
	}
	if !g.Active(nowMS()) {
		return MemoryShard{}, fmt.Errorf("grant %s inactive: %w", grantID, ErrGone)
	}
	if !g.Perms.Read {
		return MemoryShard{}, fmt.Errorf("grant %s does not allow reading: %w", grantID, ErrUnauthorized)
	}

	sh, err := m.store.GetShard(ctx, g.ShardID)
	if err != nil {
		return MemoryShard{}, err
	}
	if sh.Tombstoned() {
		return MemoryShard{}, fmt.Errorf("shard %s: %w", g.ShardID, ErrGone)
	}

	if !sh.Encrypted {
		if err := codec.VerifyDigest(sh.Content, sh.ContentHash); err != nil {
			return MemoryShard{}, err
		}
		return sh, nil
	}
	if sess.Keys == nil {
		return MemoryShard{}, fmt.Errorf("shard %s is encrypted and no keys were provided: %w", sh.ID, ErrUnauthorized)
	}
	plaintext, err := codec.DecryptContent(sh.Content, g.KeyEnvelope, sess.Keys)
	if err != nil {
		return MemoryShard{}, err
	}
	if err := codec.VerifyDigest(plaintext, sh.ContentHash); err != nil {
		return MemoryShard{}, err
	}
	sh.Content = plaintext
	return sh, nil
}

func (m *ShareManager) activeGrantFor(ctx context.Context, shardID, caller string) (ShareGrant, error) {
	grants, err := m.store.ListGrantsForRecipient(ctx, shardID, caller)
	if err != nil {
		return ShareGrant{}, err
	}
	now := nowMS()
	for _, g := range grants {
		if g.Active(now) {
			return g, nil
		}
	}
	return ShareGrant{}, fmt.Errorf("no active grant on shard %s for %s: %w", shardID, caller, ErrUnauthorized)
}
