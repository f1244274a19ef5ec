package vault

import "time"

// Vault is the per-(owner, agent) container for memory shards. Its
// aggregate counters always equal the sum over active, non-tombstoned
// shards; every shard mutation updates them in the same transaction.
type Vault struct {
	ID            string
	Owner         string
	AgentKey      string
	EncryptionKey string // hex-encoded owner public key for envelope encryption
	CreatedAtMS   int64
	UpdatedAtMS   int64
	MemoryCount   int64
	TotalSize     int64
}

// AgentProfile describes an agent identity. It references its vault
// weakly and does not own the vault's lifecycle.
type AgentProfile struct {
	ID             string
	AgentKey       string
	Owner          string
	VaultID        string
	DisplayName    string
	Capabilities   []string
	Reputation     int64
	TasksCompleted int64
	Public         bool
	CreatedAtMS    int64
	UpdatedAtMS    int64
}

// MemoryType classifies shard content. The set is closed; anything else
// is rejected at the store/update boundary.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemoryLearning     MemoryType = "learning"
	MemoryPreference   MemoryType = "preference"
	MemoryTask         MemoryType = "task"
	MemoryRelationship MemoryType = "relationship"
	MemoryKnowledge    MemoryType = "knowledge"
	MemorySystem       MemoryType = "system"
)

// Valid reports whether t is a member of the closed memory type set.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryConversation, MemoryLearning, MemoryPreference, MemoryTask,
		MemoryRelationship, MemoryKnowledge, MemorySystem:
		return true
	}
	return false
}

// Validation bounds applied once at the store/update boundary.
const (
	MinKeyLength  = 1
	MaxKeyLength  = 64
	MaxTagLength  = 32
	MaxImportance = 100
)

// ShardMetadata is the fixed-shape metadata block persisted with every
// shard version.
type ShardMetadata struct {
	Type        MemoryType
	Importance  int // 0..100
	Tags        []string
	ExternalRef string // optional cold-storage / large-object pointer
}

// MemoryShard is a named, versioned, content-addressed memory record.
// Content holds plaintext for unencrypted shards and sealed ciphertext
// for encrypted ones; ContentHash is always the digest of the plaintext
// of the current version.
type MemoryShard struct {
	ID          string
	VaultID     string
	Key         string
	Content     []byte
	ContentHash string
	ContentSize int64
	Metadata    ShardMetadata
	Encrypted   bool
	KeyEnvelope []byte // content key wrapped for the vault encryption key
	Archived    bool
	Version     int64
	CreatedAtMS int64
	UpdatedAtMS int64
	DeletedAtMS int64 // non-zero marks the tombstone
	ExpiresAtMS int64 // non-zero marks a TTL; expired shards are sweep candidates
}

// Tombstoned reports whether the shard is soft-deleted.
func (s MemoryShard) Tombstoned() bool { return s.DeletedAtMS != 0 }

// ShardVersion is one immutable snapshot in a shard's version history.
// Encrypted snapshots carry their own key envelope so history stays
// decryptable after later versions rotate the content key.
type ShardVersion struct {
	ShardID     string
	Version     int64
	Content     []byte
	ContentHash string
	ContentSize int64
	Type        MemoryType
	Importance  int
	Tags        []string
	Encrypted   bool
	KeyEnvelope []byte
	CreatedAtMS int64
}

// Permissions is the capability set carried by a share grant.
type Permissions struct {
	Read  bool
	Write bool
	Share bool
}

// Covers reports whether p includes every permission requested.
func (p Permissions) Covers(requested Permissions) bool {
	if requested.Read && !p.Read {
		return false
	}
	if requested.Write && !p.Write {
		return false
	}
	if requested.Share && !p.Share {
		return false
	}
	return true
}

// ShareGrant is a capability issued against a single shard. Expired
// grants are inert for access checks but stay persisted for audit until
// revoked.
type ShareGrant struct {
	ID          string
	ShardID     string
	Granter     string
	Recipient   string
	Perms       Permissions
	KeyEnvelope []byte // content key rewrapped for the recipient, empty for plaintext shards
	ExpiresAtMS int64
	RevokedAtMS int64
	CreatedAtMS int64
}

// Active reports whether the grant participates in access checks at now.
func (g ShareGrant) Active(nowMS int64) bool {
	if g.RevokedAtMS != 0 {
		return false
	}
	if g.ExpiresAtMS != 0 && g.ExpiresAtMS <= nowMS {
		return false
	}
	return true
}

// TimeRange bounds a search on shard update time. Zero values are
// unbounded.
type TimeRange struct {
	StartMS int64
	EndMS   int64
}

// SearchQuery is the recognized option set for the search operation.
type SearchQuery struct {
	Text             string
	Tags             []string
	TimeRange        TimeRange
	MinImportance    int
	IncludeEncrypted bool // attempt decryption of encrypted shards; off by default
	IncludeArchived  bool
	Limit            int
}

// SearchResult pairs a shard (content decrypted when the caller can)
// with its relevance score.
type SearchResult struct {
	Shard MemoryShard
	Score float64
}

// SweepStrategy selects what a sweep pass does to each candidate
// shard. The set is closed.
type SweepStrategy string

const (
	SweepSummarize SweepStrategy = "summarize"
	SweepArchive   SweepStrategy = "archive"
	SweepDelete    SweepStrategy = "delete"
)

// Valid reports whether s names a known strategy.
func (s SweepStrategy) Valid() bool {
	switch s {
	case SweepSummarize, SweepArchive, SweepDelete:
		return true
	}
	return false
}

// SweepPolicy configures one compression/archival pass over a vault.
type SweepPolicy struct {
	Strategy        SweepStrategy `yaml:"strategy" json:"strategy"`
	MaxCount        int64         `yaml:"max_count" json:"max_count"`   // trigger threshold for background sweeps; 0 disables
	MaxSize         int64         `yaml:"max_size" json:"max_size"`     // byte threshold for background sweeps; 0 disables
	Tags            []string      `yaml:"tags" json:"tags"`             // restrict sweep to shards carrying any of these
	OlderThan       time.Duration `yaml:"older_than" json:"older_than"` // restrict to shards not updated within this window
	ImportanceFloor int           `yaml:"importance_floor" json:"importance_floor"`
	Limit           int           `yaml:"limit" json:"limit"` // max shards processed per pass
	Permanent       bool          `yaml:"permanent" json:"permanent"`   // delete strategy: purge instead of tombstone
}

// SweepOutcome classifies what happened to one candidate shard.
type SweepOutcome string

const (
	SweepSucceeded SweepOutcome = "succeeded"
	SweepSkipped   SweepOutcome = "skipped"
	SweepFailed    SweepOutcome = "failed"
)

// SweepResult reports the per-shard outcome of a sweep pass. One failed
// shard never aborts the rest of the batch.
type SweepResult struct {
	ShardID string
	Key     string
	Outcome SweepOutcome
	Reason  string
	Freed   int64 // bytes released by this shard's outcome
}

// SweepReport aggregates a full sweep pass.
type SweepReport struct {
	VaultID       string
	Strategy      SweepStrategy
	StartedAtMS   int64
	CompletedAtMS int64
	Results       []SweepResult
}

// Count tallies results with the given outcome.
func (r SweepReport) Count(outcome SweepOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// FreedBytes sums the bytes released across the pass.
func (r SweepReport) FreedBytes() int64 {
	var total int64
	for _, res := range r.Results {
		total += res.Freed
	}
	return total
}
