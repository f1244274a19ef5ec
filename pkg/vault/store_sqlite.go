package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical durable storage for vaults, shards,
// version history and grants.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the vault database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create vault db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection serializes writers,
	// which is what gives each shard mutation its all-or-nothing commit
	// with the vault aggregate update.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS vaults (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			agent_key TEXT NOT NULL,
			encryption_pubkey TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			memory_count INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS vaults_owner_agent_idx ON vaults(owner, agent_key);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			agent_key TEXT NOT NULL,
			owner TEXT NOT NULL,
			vault_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '[]',
			reputation INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			is_public INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS profiles_agent_idx ON profiles(agent_key);`,
		`CREATE TABLE IF NOT EXISTS shards (
			id TEXT PRIMARY KEY,
			vault_id TEXT NOT NULL,
			shard_key TEXT NOT NULL,
			content BLOB NOT NULL DEFAULT X'',
			content_hash TEXT NOT NULL,
			content_size INTEGER NOT NULL DEFAULT 0,
			memory_type TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			external_ref TEXT NOT NULL DEFAULT '',
			encrypted INTEGER NOT NULL DEFAULT 0,
			key_envelope BLOB NOT NULL DEFAULT X'',
			archived INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0,
			expires_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS shards_vault_key_idx ON shards(vault_id, shard_key);`,
		`CREATE INDEX IF NOT EXISTS shards_vault_active_idx ON shards(vault_id, deleted_at_ms, archived, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS shard_versions (
			shard_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			content BLOB NOT NULL DEFAULT X'',
			content_hash TEXT NOT NULL,
			content_size INTEGER NOT NULL DEFAULT 0,
			memory_type TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			encrypted INTEGER NOT NULL DEFAULT 0,
			key_envelope BLOB NOT NULL DEFAULT X'',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(shard_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS grants (
			id TEXT PRIMARY KEY,
			shard_id TEXT NOT NULL,
			granter TEXT NOT NULL,
			recipient TEXT NOT NULL,
			can_read INTEGER NOT NULL DEFAULT 0,
			can_write INTEGER NOT NULL DEFAULT 0,
			can_share INTEGER NOT NULL DEFAULT 0,
			key_envelope BLOB NOT NULL DEFAULT X'',
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			revoked_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS grants_shard_idx ON grants(shard_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS grants_recipient_idx ON grants(shard_id, recipient, revoked_at_ms);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS shards_fts USING fts5(shard_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS shards_ai AFTER INSERT ON shards WHEN new.encrypted = 0 BEGIN
			INSERT INTO shards_fts(shard_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS shards_au AFTER UPDATE OF content ON shards BEGIN
			DELETE FROM shards_fts WHERE shard_id = old.id;
			INSERT INTO shards_fts(shard_id, content) SELECT new.id, new.content WHERE new.encrypted = 0;
		END;`,
		`CREATE TRIGGER IF NOT EXISTS shards_ad AFTER DELETE ON shards BEGIN
			DELETE FROM shards_fts WHERE shard_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// blob coerces a nil slice to empty so NOT NULL blob columns accept it;
// nil binds as SQL NULL otherwise.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *SQLiteStore) CreateVault(ctx context.Context, v Vault, p AgentProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create vault begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM vaults WHERE owner = ? AND agent_key = ?`, v.Owner, v.AgentKey).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("vault for (%s, %s): %w", v.Owner, v.AgentKey, ErrAlreadyExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("create vault lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO vaults(id, owner, agent_key, encryption_pubkey, created_at_ms, updated_at_ms, memory_count, total_size)
VALUES(?, ?, ?, ?, ?, ?, 0, 0)`,
		v.ID, v.Owner, v.AgentKey, v.EncryptionKey, v.CreatedAtMS, v.UpdatedAtMS); err != nil {
		return fmt.Errorf("create vault insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO profiles(id, agent_key, owner, vault_id, display_name, tags_json, reputation, tasks_completed, is_public, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentKey, p.Owner, p.VaultID, p.DisplayName, encodeTags(p.Capabilities),
		p.Reputation, p.TasksCompleted, boolToInt(p.Public), p.CreatedAtMS, p.UpdatedAtMS); err != nil {
		return fmt.Errorf("create vault insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create vault commit: %w", err)
	}
	return nil
}

const vaultColumns = `id, owner, agent_key, encryption_pubkey, created_at_ms, updated_at_ms, memory_count, total_size`

func scanVault(row *sql.Row) (Vault, error) {
	var v Vault
	if err := row.Scan(&v.ID, &v.Owner, &v.AgentKey, &v.EncryptionKey, &v.CreatedAtMS, &v.UpdatedAtMS, &v.MemoryCount, &v.TotalSize); err != nil {
		return Vault{}, err
	}
	return v, nil
}

func (s *SQLiteStore) GetVault(ctx context.Context, id string) (Vault, error) {
	v, err := scanVault(s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Vault{}, fmt.Errorf("vault %s: %w", id, ErrNotFound)
		}
		return Vault{}, fmt.Errorf("get vault: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVaults(ctx context.Context) ([]Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	out := []Vault{}
	for rows.Next() {
		var v Vault
		if err := rows.Scan(&v.ID, &v.Owner, &v.AgentKey, &v.EncryptionKey, &v.CreatedAtMS, &v.UpdatedAtMS, &v.MemoryCount, &v.TotalSize); err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vaults: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) FindVault(ctx context.Context, owner, agentKey string) (Vault, error) {
	v, err := scanVault(s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE owner = ? AND agent_key = ?`, owner, agentKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Vault{}, fmt.Errorf("vault for (%s, %s): %w", owner, agentKey, ErrNotFound)
		}
		return Vault{}, fmt.Errorf("find vault: %w", err)
	}
	return v, nil
}

const profileColumns = `id, agent_key, owner, vault_id, display_name, tags_json, reputation, tasks_completed, is_public, created_at_ms, updated_at_ms`

func scanProfile(row *sql.Row) (AgentProfile, error) {
	var p AgentProfile
	var tagsRaw string
	var public int
	if err := row.Scan(&p.ID, &p.AgentKey, &p.Owner, &p.VaultID, &p.DisplayName, &tagsRaw, &p.Reputation, &p.TasksCompleted, &public, &p.CreatedAtMS, &p.UpdatedAtMS); err != nil {
		return AgentProfile{}, err
	}
	p.Capabilities = decodeTags(tagsRaw)
	p.Public = public != 0
	return p, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (AgentProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentProfile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) FindProfile(ctx context.Context, agentKey string) (AgentProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE agent_key = ?`, agentKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentProfile{}, fmt.Errorf("profile for agent %s: %w", agentKey, ErrNotFound)
		}
		return AgentProfile{}, fmt.Errorf("find profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, p AgentProfile) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE profiles
SET display_name = ?, tags_json = ?, reputation = ?, tasks_completed = ?, is_public = ?, updated_at_ms = ?
WHERE id = ?`,
		p.DisplayName, encodeTags(p.Capabilities), p.Reputation, p.TasksCompleted, boolToInt(p.Public), p.UpdatedAtMS, p.ID)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) InsertShard(ctx context.Context, sh MemoryShard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert shard begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vaultID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM vaults WHERE id = ?`, sh.VaultID).Scan(&vaultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("vault %s: %w", sh.VaultID, ErrNotFound)
		}
		return fmt.Errorf("insert shard vault lookup: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM shards WHERE vault_id = ? AND shard_key = ?`, sh.VaultID, sh.Key).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("shard key %q: %w", sh.Key, ErrAlreadyExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("insert shard lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO shards(id, vault_id, shard_key, content, content_hash, content_size, memory_type, importance, tags_json,
	external_ref, encrypted, key_envelope, archived, version, created_at_ms, updated_at_ms, deleted_at_ms, expires_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, ?)`,
		sh.ID, sh.VaultID, sh.Key, blob(sh.Content), sh.ContentHash, sh.ContentSize,
		string(sh.Metadata.Type), sh.Metadata.Importance, encodeTags(sh.Metadata.Tags),
		sh.Metadata.ExternalRef, boolToInt(sh.Encrypted), blob(sh.KeyEnvelope),
		sh.Version, sh.CreatedAtMS, sh.UpdatedAtMS, sh.ExpiresAtMS); err != nil {
		return fmt.Errorf("insert shard: %w", err)
	}

	if err := insertVersionTx(ctx, tx, sh); err != nil {
		return fmt.Errorf("insert shard version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE vaults
SET memory_count = memory_count + 1, total_size = total_size + ?, updated_at_ms = ?
WHERE id = ?`, sh.ContentSize, sh.UpdatedAtMS, sh.VaultID); err != nil {
		return fmt.Errorf("insert shard update aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert shard commit: %w", err)
	}
	return nil
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, sh MemoryShard) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO shard_versions(shard_id, version, content, content_hash, content_size, memory_type, importance, tags_json, encrypted, key_envelope, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.Version, blob(sh.Content), sh.ContentHash, sh.ContentSize,
		string(sh.Metadata.Type), sh.Metadata.Importance, encodeTags(sh.Metadata.Tags),
		boolToInt(sh.Encrypted), blob(sh.KeyEnvelope), sh.UpdatedAtMS)
	return err
}

const shardColumns = `id, vault_id, shard_key, content, content_hash, content_size, memory_type, importance, tags_json,
	external_ref, encrypted, key_envelope, archived, version, created_at_ms, updated_at_ms, deleted_at_ms, expires_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShard(row rowScanner) (MemoryShard, error) {
	var sh MemoryShard
	var memType, tagsRaw string
	var encrypted, archived int
	if err := row.Scan(&sh.ID, &sh.VaultID, &sh.Key, &sh.Content, &sh.ContentHash, &sh.ContentSize,
		&memType, &sh.Metadata.Importance, &tagsRaw, &sh.Metadata.ExternalRef, &encrypted, &sh.KeyEnvelope,
		&archived, &sh.Version, &sh.CreatedAtMS, &sh.UpdatedAtMS, &sh.DeletedAtMS, &sh.ExpiresAtMS); err != nil {
		return MemoryShard{}, err
	}
	sh.Metadata.Type = MemoryType(memType)
	sh.Metadata.Tags = decodeTags(tagsRaw)
	sh.Encrypted = encrypted != 0
	sh.Archived = archived != 0
	return sh, nil
}

func (s *SQLiteStore) GetShard(ctx context.Context, id string) (MemoryShard, error) {
	sh, err := scanShard(s.db.QueryRowContext(ctx, `SELECT `+shardColumns+` FROM shards WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryShard{}, fmt.Errorf("shard %s: %w", id, ErrNotFound)
		}
		return MemoryShard{}, fmt.Errorf("get shard: %w", err)
	}
	return sh, nil
}

func (s *SQLiteStore) FindShard(ctx context.Context, vaultID, key string) (MemoryShard, error) {
	sh, err := scanShard(s.db.QueryRowContext(ctx, `SELECT `+shardColumns+` FROM shards WHERE vault_id = ? AND shard_key = ?`, vaultID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryShard{}, fmt.Errorf("shard key %q: %w", key, ErrNotFound)
		}
		return MemoryShard{}, fmt.Errorf("find shard: %w", err)
	}
	return sh, nil
}

func (s *SQLiteStore) UpdateShard(ctx context.Context, sh MemoryShard, expectVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update shard begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var deleted int64
	var oldSize int64
	err = tx.QueryRowContext(ctx, `SELECT version, deleted_at_ms, content_size FROM shards WHERE id = ?`, sh.ID).Scan(&current, &deleted, &oldSize)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("shard %s: %w", sh.ID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("update shard lookup: %w", err)
	}
	if deleted != 0 {
		return fmt.Errorf("shard %s: %w", sh.ID, ErrGone)
	}
	if current != expectVersion {
		return fmt.Errorf("shard %s at version %d, expected %d: %w", sh.ID, current, expectVersion, ErrConflict)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE shards
SET content = ?, content_hash = ?, content_size = ?, memory_type = ?, importance = ?, tags_json = ?,
	external_ref = ?, encrypted = ?, key_envelope = ?, archived = ?, version = ?, updated_at_ms = ?, expires_at_ms = ?
WHERE id = ? AND version = ? AND deleted_at_ms = 0`,
		blob(sh.Content), sh.ContentHash, sh.ContentSize, string(sh.Metadata.Type), sh.Metadata.Importance,
		encodeTags(sh.Metadata.Tags), sh.Metadata.ExternalRef, boolToInt(sh.Encrypted), blob(sh.KeyEnvelope),
		boolToInt(sh.Archived), sh.Version, sh.UpdatedAtMS, sh.ExpiresAtMS,
		sh.ID, expectVersion)
	if err != nil {
		return fmt.Errorf("update shard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shard %s: %w", sh.ID, ErrConflict)
	}

	if err := insertVersionTx(ctx, tx, sh); err != nil {
		return fmt.Errorf("update shard version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE vaults
SET total_size = total_size + ?, updated_at_ms = ?
WHERE id = ?`, sh.ContentSize-oldSize, sh.UpdatedAtMS, sh.VaultID); err != nil {
		return fmt.Errorf("update shard aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update shard commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TombstoneShard(ctx context.Context, id string, atMS int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("tombstone shard begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vaultID string
	var deleted, size int64
	err = tx.QueryRowContext(ctx, `SELECT vault_id, deleted_at_ms, content_size FROM shards WHERE id = ?`, id).Scan(&vaultID, &deleted, &size)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("shard %s: %w", id, ErrNotFound)
	case err != nil:
		return false, fmt.Errorf("tombstone shard lookup: %w", err)
	}
	if deleted != 0 {
		// Already tombstoned: deleting again is a no-op.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE shards SET deleted_at_ms = ? WHERE id = ?`, atMS, id); err != nil {
		return false, fmt.Errorf("tombstone shard: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE vaults
SET memory_count = memory_count - 1, total_size = total_size - ?, updated_at_ms = ?
WHERE id = ?`, size, atMS, vaultID); err != nil {
		return false, fmt.Errorf("tombstone shard aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("tombstone shard commit: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) PurgeShard(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge shard begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var vaultID string
	var deleted, size int64
	err = tx.QueryRowContext(ctx, `SELECT vault_id, deleted_at_ms, content_size FROM shards WHERE id = ?`, id).Scan(&vaultID, &deleted, &size)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("shard %s: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("purge shard lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM shard_versions WHERE shard_id = ?`, id); err != nil {
		return fmt.Errorf("purge shard versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge shard: %w", err)
	}
	// A tombstoned shard already left the aggregates when it was
	// soft-deleted; only an active shard decrements here.
	if deleted == 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE vaults
SET memory_count = memory_count - 1, total_size = total_size - ?, updated_at_ms = ?
WHERE id = ?`, size, nowMS(), vaultID); err != nil {
			return fmt.Errorf("purge shard aggregates: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("purge shard commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, shardID string) ([]ShardVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT shard_id, version, content, content_hash, content_size, memory_type, importance, tags_json, encrypted, key_envelope, created_at_ms
FROM shard_versions
WHERE shard_id = ?
ORDER BY version ASC`, shardID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []ShardVersion{}
	for rows.Next() {
		var v ShardVersion
		var memType, tagsRaw string
		var encrypted int
		if err := rows.Scan(&v.ShardID, &v.Version, &v.Content, &v.ContentHash, &v.ContentSize, &memType, &v.Importance, &tagsRaw, &encrypted, &v.KeyEnvelope, &v.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Type = MemoryType(memType)
		v.Tags = decodeTags(tagsRaw)
		v.Encrypted = encrypted != 0
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("shard %s: %w", shardID, ErrNotFound)
	}
	return out, nil
}

func (s *SQLiteStore) ListShards(ctx context.Context, vaultID string, f ShardFilter) ([]MemoryShard, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+shardColumns+`
FROM shards
WHERE vault_id = ?
AND (? = 1 OR deleted_at_ms = 0)
AND (? = 1 OR archived = 0)
AND importance >= ?
AND (? = 0 OR importance <= ?)
AND (? = 0 OR updated_at_ms >= ?)
AND (? = 0 OR updated_at_ms <= ?)
AND (? = 0 OR updated_at_ms < ?)
ORDER BY updated_at_ms DESC
LIMIT ?`,
		vaultID,
		boolToInt(f.IncludeTombstoned),
		boolToInt(f.IncludeArchived),
		f.MinImportance,
		f.MaxImportance, f.MaxImportance,
		f.TimeRange.StartMS, f.TimeRange.StartMS,
		f.TimeRange.EndMS, f.TimeRange.EndMS,
		f.UpdatedBeforeMS, f.UpdatedBeforeMS,
		f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	out, err := scanShards(rows)
	if err != nil {
		return nil, err
	}
	if len(f.Tags) > 0 {
		out = filterShardsByTags(out, f.Tags)
	}
	return out, nil
}

func (s *SQLiteStore) SearchShardText(ctx context.Context, vaultID, query string, limit int) ([]MemoryShard, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.vault_id, m.shard_key, m.content, m.content_hash, m.content_size, m.memory_type, m.importance, m.tags_json,
	m.external_ref, m.encrypted, m.key_envelope, m.archived, m.version, m.created_at_ms, m.updated_at_ms, m.deleted_at_ms, m.expires_at_ms
FROM shards_fts f
JOIN shards m ON m.id = f.shard_id
WHERE f.content MATCH ?
AND m.vault_id = ?
AND m.deleted_at_ms = 0
AND m.archived = 0
ORDER BY bm25(shards_fts), m.updated_at_ms DESC
LIMIT ?`, query, vaultID, limit)
	if err != nil {
		return nil, fmt.Errorf("search shard text: %w", err)
	}
	defer rows.Close()

	return scanShards(rows)
}

func scanShards(rows *sql.Rows) ([]MemoryShard, error) {
	out := []MemoryShard{}
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return out, nil
}

func filterShardsByTags(shards []MemoryShard, tags []string) []MemoryShard {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[strings.ToLower(t)] = struct{}{}
	}
	out := make([]MemoryShard, 0, len(shards))
	for _, sh := range shards {
		for _, t := range sh.Metadata.Tags {
			if _, ok := want[strings.ToLower(t)]; ok {
				out = append(out, sh)
				break
			}
		}
	}
	return out
}

func (s *SQLiteStore) InsertGrant(ctx context.Context, g ShareGrant) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO grants(id, shard_id, granter, recipient, can_read, can_write, can_share, key_envelope, expires_at_ms, revoked_at_ms, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		g.ID, g.ShardID, g.Granter, g.Recipient,
		boolToInt(g.Perms.Read), boolToInt(g.Perms.Write), boolToInt(g.Perms.Share),
		blob(g.KeyEnvelope), g.ExpiresAtMS, g.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

const grantColumns = `id, shard_id, granter, recipient, can_read, can_write, can_share, key_envelope, expires_at_ms, revoked_at_ms, created_at_ms`

func scanGrant(row rowScanner) (ShareGrant, error) {
	var g ShareGrant
	var read, write, share int
	if err := row.Scan(&g.ID, &g.ShardID, &g.Granter, &g.Recipient, &read, &write, &share, &g.KeyEnvelope, &g.ExpiresAtMS, &g.RevokedAtMS, &g.CreatedAtMS); err != nil {
		return ShareGrant{}, err
	}
	g.Perms = Permissions{Read: read != 0, Write: write != 0, Share: share != 0}
	return g, nil
}

func (s *SQLiteStore) GetGrant(ctx context.Context, id string) (ShareGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareGrant{}, fmt.Errorf("grant %s: %w", id, ErrNotFound)
		}
		return ShareGrant{}, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) RevokeGrant(ctx context.Context, id string, atMS int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE grants SET revoked_at_ms = ? WHERE id = ? AND revoked_at_ms = 0`, atMS, id)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already revoked; distinguish for the caller.
		if _, err := s.GetGrant(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListGrants(ctx context.Context, shardID string) ([]ShareGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM grants
WHERE shard_id = ?
ORDER BY created_at_ms DESC`, shardID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

func (s *SQLiteStore) ListGrantsForRecipient(ctx context.Context, shardID, recipient string) ([]ShareGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM grants
WHERE shard_id = ? AND recipient = ?
ORDER BY created_at_ms DESC`, shardID, recipient)
	if err != nil {
		return nil, fmt.Errorf("list grants for recipient: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]ShareGrant, error) {
	out := []ShareGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return out, nil
}
