package vault

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "vault.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedVault(t *testing.T, store *SQLiteStore, owner, agentKey string) Vault {
	t.Helper()
	ctx := context.Background()
	now := nowMS()
	v := Vault{ID: "vlt-" + agentKey, Owner: owner, AgentKey: agentKey, CreatedAtMS: now, UpdatedAtMS: now}
	p := AgentProfile{ID: "prf-" + agentKey, AgentKey: agentKey, Owner: owner, VaultID: v.ID, DisplayName: agentKey, CreatedAtMS: now, UpdatedAtMS: now}
	if err := store.CreateVault(ctx, v, p); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return v
}

func seedShard(t *testing.T, store *SQLiteStore, vaultID, key, content string, importance int, tags ...string) MemoryShard {
	t.Helper()
	now := nowMS()
	sh := MemoryShard{
		ID:          "shard-" + vaultID + "-" + key,
		VaultID:     vaultID,
		Key:         key,
		Content:     []byte(content),
		ContentHash: "hash-" + key,
		ContentSize: int64(len(content)),
		Metadata:    ShardMetadata{Type: MemoryKnowledge, Importance: importance, Tags: tags},
		Version:     1,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := store.InsertShard(context.Background(), sh); err != nil {
		t.Fatalf("insert shard %s: %v", key, err)
	}
	return sh
}

func TestSQLiteStore_ShardPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state", "vault.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	v := seedVault(t, store, "alice", "helper")
	seedShard(t, store, v.ID, "greeting", "hello world", 50, "smalltalk")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	sh, err := store2.FindShard(ctx, v.ID, "greeting")
	if err != nil {
		t.Fatalf("find shard: %v", err)
	}
	if string(sh.Content) != "hello world" || sh.Version != 1 {
		t.Fatalf("unexpected shard after reopen: %#v", sh)
	}
	if len(sh.Metadata.Tags) != 1 || sh.Metadata.Tags[0] != "smalltalk" {
		t.Fatalf("tags not round-tripped: %#v", sh.Metadata.Tags)
	}
}

func TestSQLiteStore_DuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	sh := seedShard(t, store, v.ID, "greeting", "hello", 50)

	dup := sh
	dup.ID = "shard-other"
	if err := store.InsertShard(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSQLiteStore_VaultAggregates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")

	a := seedShard(t, store, v.ID, "a", "aaaa", 50)
	seedShard(t, store, v.ID, "b", "bbbbbbbb", 50)

	got, err := store.GetVault(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.MemoryCount != 2 || got.TotalSize != 12 {
		t.Fatalf("after inserts: count=%d size=%d", got.MemoryCount, got.TotalSize)
	}

	// Growing a shard shifts total size by the delta.
	upd := a
	upd.Content = []byte("aaaaaaaaaa")
	upd.ContentSize = 10
	upd.Version = 2
	if err := store.UpdateShard(ctx, upd, 1); err != nil {
		t.Fatalf("update shard: %v", err)
	}
	got, _ = store.GetVault(ctx, v.ID)
	if got.MemoryCount != 2 || got.TotalSize != 18 {
		t.Fatalf("after update: count=%d size=%d", got.MemoryCount, got.TotalSize)
	}

	// Tombstone removes the shard from the aggregates.
	changed, err := store.TombstoneShard(ctx, a.ID, nowMS())
	if err != nil || !changed {
		t.Fatalf("tombstone: changed=%v err=%v", changed, err)
	}
	got, _ = store.GetVault(ctx, v.ID)
	if got.MemoryCount != 1 || got.TotalSize != 8 {
		t.Fatalf("after tombstone: count=%d size=%d", got.MemoryCount, got.TotalSize)
	}

	// Tombstoning again is a no-op, and purging an already-tombstoned
	// shard must not decrement twice.
	changed, err = store.TombstoneShard(ctx, a.ID, nowMS())
	if err != nil || changed {
		t.Fatalf("second tombstone: changed=%v err=%v", changed, err)
	}
	if err := store.PurgeShard(ctx, a.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	got, _ = store.GetVault(ctx, v.ID)
	if got.MemoryCount != 1 || got.TotalSize != 8 {
		t.Fatalf("after purge of tombstoned: count=%d size=%d", got.MemoryCount, got.TotalSize)
	}
}

func TestSQLiteStore_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	sh := seedShard(t, store, v.ID, "note", "v1", 50)

	first := sh
	first.Content = []byte("v2")
	first.ContentSize = 2
	first.Version = 2
	if err := store.UpdateShard(ctx, first, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A second writer still holding version 1 loses the race.
	second := sh
	second.Content = []byte("v2-other")
	second.ContentSize = 8
	second.Version = 2
	if err := store.UpdateShard(ctx, second, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := store.GetShard(ctx, sh.ID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if string(got.Content) != "v2" || got.Version != 2 {
		t.Fatalf("loser overwrote winner: %#v", got)
	}
}

func TestSQLiteStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	sh := seedShard(t, store, v.ID, "hot", "v1", 50)

	// Every writer read version 1; exactly one commit may land.
	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := sh
			next.Content = []byte(fmt.Sprintf("writer-%d", i))
			next.ContentSize = int64(len(next.Content))
			next.Version = 2
			errs <- store.UpdateShard(ctx, next, 1)
		}(i)
	}
	wg.Wait()
	close(errs)

	won, lost := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			lost++
		default:
			t.Fatalf("unexpected update error: %v", err)
		}
	}
	if won != 1 || lost != writers-1 {
		t.Fatalf("winners=%d losers=%d", won, lost)
	}

	got, err := store.GetShard(ctx, sh.ID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version after race = %d, want 2", got.Version)
	}
	versions, err := store.ListVersions(ctx, sh.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 version snapshots, got %d", len(versions))
	}
}

func TestSQLiteStore_VersionHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	sh := seedShard(t, store, v.ID, "note", "first", 50)

	next := sh
	next.Content = []byte("second")
	next.ContentSize = 6
	next.Version = 2
	if err := store.UpdateShard(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Tombstoning keeps history; version count stays at 2.
	if _, err := store.TombstoneShard(ctx, sh.ID, nowMS()); err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	versions, err := store.ListVersions(ctx, sh.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != 1 || string(versions[0].Content) != "first" {
		t.Fatalf("unexpected first version: %#v", versions[0])
	}
	if versions[1].Version != 2 || string(versions[1].Content) != "second" {
		t.Fatalf("unexpected second version: %#v", versions[1])
	}

	// Purge removes history with the shard.
	if err := store.PurgeShard(ctx, sh.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.ListVersions(ctx, sh.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}

func TestSQLiteStore_ListShardsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	seedShard(t, store, v.ID, "a", "alpha", 80, "work")
	seedShard(t, store, v.ID, "b", "beta", 20, "work", "draft")
	seedShard(t, store, v.ID, "c", "gamma", 55, "home")

	byTag, err := store.ListShards(ctx, v.ID, ShardFilter{Tags: []string{"work"}})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(byTag) != 2 {
		t.Fatalf("expected 2 work shards, got %d", len(byTag))
	}

	byImportance, err := store.ListShards(ctx, v.ID, ShardFilter{MinImportance: 50})
	if err != nil {
		t.Fatalf("list by importance: %v", err)
	}
	if len(byImportance) != 2 {
		t.Fatalf("expected 2 shards >= 50, got %d", len(byImportance))
	}
}

func TestSQLiteStore_ListShardsTimeRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")

	base := nowMS() - 10_000
	mk := func(key string, updatedMS int64) {
		sh := MemoryShard{
			ID:          "shard-" + key,
			VaultID:     v.ID,
			Key:         key,
			Content:     []byte(key),
			ContentHash: "hash-" + key,
			ContentSize: int64(len(key)),
			Metadata:    ShardMetadata{Type: MemoryKnowledge, Importance: 50},
			Version:     1,
			CreatedAtMS: updatedMS,
			UpdatedAtMS: updatedMS,
		}
		if err := store.InsertShard(ctx, sh); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	mk("old", base)
	mk("mid", base+5_000)
	mk("new", base+9_000)

	got, err := store.ListShards(ctx, v.ID, ShardFilter{TimeRange: TimeRange{StartMS: base + 1_000, EndMS: base + 6_000}})
	if err != nil {
		t.Fatalf("list in range: %v", err)
	}
	if len(got) != 1 || got[0].Key != "mid" {
		t.Fatalf("expected only mid in range, got %#v", got)
	}

	// Open-ended bounds apply independently.
	got, err = store.ListShards(ctx, v.ID, ShardFilter{TimeRange: TimeRange{StartMS: base + 1_000}})
	if err != nil {
		t.Fatalf("list from start: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected mid and new, got %d", len(got))
	}
	got, err = store.ListShards(ctx, v.ID, ShardFilter{TimeRange: TimeRange{EndMS: base + 1_000}})
	if err != nil {
		t.Fatalf("list until end: %v", err)
	}
	if len(got) != 1 || got[0].Key != "old" {
		t.Fatalf("expected only old before end, got %#v", got)
	}
}

func TestSQLiteStore_NilBlobColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")

	// Unencrypted shards carry no key envelope, and archived shards no
	// inline content; nil slices must still persist.
	now := nowMS()
	sh := MemoryShard{
		ID:          "shard-bare",
		VaultID:     v.ID,
		Key:         "bare",
		Content:     nil,
		ContentHash: "hash-bare",
		Metadata:    ShardMetadata{Type: MemorySystem, Importance: 10},
		Version:     1,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := store.InsertShard(ctx, sh); err != nil {
		t.Fatalf("insert with nil blobs: %v", err)
	}

	next := sh
	next.Content = nil
	next.Archived = true
	next.Metadata.ExternalRef = "cold:hash-bare"
	next.Version = 2
	next.UpdatedAtMS = nowMS()
	if err := store.UpdateShard(ctx, next, 1); err != nil {
		t.Fatalf("update with nil content: %v", err)
	}

	g := ShareGrant{ID: "grant-bare", ShardID: sh.ID, Granter: "alice", Recipient: "bob",
		Perms: Permissions{Read: true}, CreatedAtMS: nowMS()}
	if err := store.InsertGrant(ctx, g); err != nil {
		t.Fatalf("insert grant with nil envelope: %v", err)
	}

	got, err := store.GetShard(ctx, sh.ID)
	if err != nil {
		t.Fatalf("get shard: %v", err)
	}
	if len(got.Content) != 0 || len(got.KeyEnvelope) != 0 || got.Version != 2 {
		t.Fatalf("unexpected shard: %#v", got)
	}
}

func TestSQLiteStore_FullTextSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	seedShard(t, store, v.ID, "coffee", "the user prefers dark roast coffee", 60)
	seedShard(t, store, v.ID, "tea", "green tea in the afternoon", 60)

	hits, err := store.SearchShardText(ctx, v.ID, "coffee", 10)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "coffee" {
		t.Fatalf("unexpected fts hits: %#v", hits)
	}
}

func TestSQLiteStore_GrantLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	v := seedVault(t, store, "alice", "helper")
	sh := seedShard(t, store, v.ID, "note", "shared content", 50)

	g := ShareGrant{
		ID:          "grant-1",
		ShardID:     sh.ID,
		Granter:     "alice",
		Recipient:   "bob",
		Perms:       Permissions{Read: true},
		CreatedAtMS: nowMS(),
	}
	if err := store.InsertGrant(ctx, g); err != nil {
		t.Fatalf("insert grant: %v", err)
	}

	got, err := store.GetGrant(ctx, g.ID)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if got.Recipient != "bob" || !got.Perms.Read || got.Perms.Write {
		t.Fatalf("unexpected grant: %#v", got)
	}

	forBob, err := store.ListGrantsForRecipient(ctx, sh.ID, "bob")
	if err != nil || len(forBob) != 1 {
		t.Fatalf("grants for bob: %v (%d)", err, len(forBob))
	}

	if err := store.RevokeGrant(ctx, g.ID, nowMS()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, _ = store.GetGrant(ctx, g.ID)
	if got.RevokedAtMS == 0 {
		t.Fatalf("revocation not persisted: %#v", got)
	}
}
