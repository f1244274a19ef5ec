package vault

import (
	"context"

	"github.com/agentvault/agentvault/pkg/codec"
)

// ShardFilter narrows shard listings for search and sweeps. Zero values
// are unbounded.
type ShardFilter struct {
	Tags              []string
	TimeRange         TimeRange
	MinImportance     int
	MaxImportance     int // exclusive sweep floor helper; 0 = unbounded
	UpdatedBeforeMS   int64
	IncludeArchived   bool
	IncludeTombstoned bool
	Limit             int
}

// Store is the durable-storage collaborator. Every mutating method is
// atomic: the shard write, its version snapshot and the vault aggregate
// update commit together or not at all.
type Store interface {
	Close() error

	CreateVault(ctx context.Context, v Vault, p AgentProfile) error
	GetVault(ctx context.Context, id string) (Vault, error)
	ListVaults(ctx context.Context) ([]Vault, error)
	FindVault(ctx context.Context, owner, agentKey string) (Vault, error)
	GetProfile(ctx context.Context, id string) (AgentProfile, error)
	FindProfile(ctx context.Context, agentKey string) (AgentProfile, error)
	SaveProfile(ctx context.Context, p AgentProfile) error

	InsertShard(ctx context.Context, s MemoryShard) error
	GetShard(ctx context.Context, id string) (MemoryShard, error)
	FindShard(ctx context.Context, vaultID, key string) (MemoryShard, error)
	// UpdateShard commits s only if the stored version still equals
	// expectVersion; a lost race yields ErrConflict.
	UpdateShard(ctx context.Context, s MemoryShard, expectVersion int64) error
	// TombstoneShard soft-deletes and reports whether the shard state
	// changed (false when it was already tombstoned).
	TombstoneShard(ctx context.Context, id string, atMS int64) (bool, error)
	PurgeShard(ctx context.Context, id string) error
	ListVersions(ctx context.Context, shardID string) ([]ShardVersion, error)
	ListShards(ctx context.Context, vaultID string, f ShardFilter) ([]MemoryShard, error)
	SearchShardText(ctx context.Context, vaultID, query string, limit int) ([]MemoryShard, error)

	InsertGrant(ctx context.Context, g ShareGrant) error
	GetGrant(ctx context.Context, id string) (ShareGrant, error)
	RevokeGrant(ctx context.Context, id string, atMS int64) error
	ListGrants(ctx context.Context, shardID string) ([]ShareGrant, error)
	ListGrantsForRecipient(ctx context.Context, shardID, recipient string) ([]ShareGrant, error)
}

// Searcher is the read-only retrieval layer over the shard store.
type Searcher interface {
	Search(ctx context.Context, sess Session, vaultID string, q SearchQuery) ([]SearchResult, error)
}

// Sweeper applies a retention policy pass over a vault's shards. Keys
// may be nil; encrypted shards that need decryption are then skipped.
type Sweeper interface {
	Sweep(ctx context.Context, vaultID string, policy SweepPolicy, keys *codec.KeyPair) (SweepReport, error)
}
