package vault

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSweep_SummarizeTruncatesLowImportance(t *testing.T) {
	ctx := context.Background()
	svc, sess, v := newTestService(t)

	long := strings.Repeat("The meeting covered quarterly planning. ", 30)
	if _, err := svc.Store(ctx, sess, v.ID, "minutes", []byte(long),
		ShardMetadata{Type: MemoryConversation, Importance: 10}, StoreOptions{}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := svc.Store(ctx, sess, v.ID, "keeper", []byte(strings.Repeat("important fact. ", 40)),
		ShardMetadata{Type: MemoryKnowledge, Importance: 95}, StoreOptions{}); err != nil {
		t.Fatalf("store keeper: %v", err)
	}

	report, err := svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepSummarize})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if report.Count(SweepSucceeded) != 1 {
		t.Fatalf("expected 1 summarized shard: %#v", report.Results)
	}
	if report.FreedBytes() <= 0 {
		t.Fatalf("no bytes freed: %#v", report)
	}

	// High-importance shard untouched.
	keeper, err := svc.RetrieveByKey(ctx, sess, v.ID, "keeper")
	if err != nil {
		t.Fatalf("retrieve keeper: %v", err)
	}
	if keeper.Version != 1 {
		t.Fatalf("keeper was swept: version=%d", keeper.Version)
	}

	// Summarized shard gained a version; the original text survives in
	// history.
	minutes, err := svc.RetrieveByKey(ctx, sess, v.ID, "minutes")
	if err != nil {
		t.Fatalf("retrieve minutes: %v", err)
	}
	if minutes.Version != 2 {
		t.Fatalf("summarize did not version: %d", minutes.Version)
	}
	if len(minutes.Content) >= len(long) {
		t.Fatalf("content did not shrink: %d bytes", len(minutes.Content))
	}
	versions, err := svc.GetVersions(ctx, sess, minutes.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if string(versions[0].Content) != long {
		t.Fatal("pre-summary content lost from history")
	}
}

func TestSweep_SummarizeSkipsUndecryptable(t *testing.T) {
	ctx := context.Background()
	svc, sess, v := newTestService(t)

	long := strings.Repeat("classified detail. ", 40)
	if _, err := svc.Store(ctx, sess, v.ID, "secret", []byte(long),
		ShardMetadata{Type: MemorySystem, Importance: 5}, StoreOptions{Encrypt: true}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// A sweep without decrypt keys must not destroy the ciphertext.
	report, err := svc.Compress(ctx, Session{Caller: "alice"}, v.ID, SweepPolicy{Strategy: SweepSummarize})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if report.Count(SweepSkipped) != 1 || report.Count(SweepSucceeded) != 0 {
		t.Fatalf("expected skip without keys: %#v", report.Results)
	}

	// With keys it summarizes and the result is still encrypted.
	report, err = svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepSummarize})
	if err != nil {
		t.Fatalf("compress with keys: %v", err)
	}
	if report.Count(SweepSucceeded) != 1 {
		t.Fatalf("expected summarize with keys: %#v", report.Results)
	}
	sh, err := svc.RetrieveByKey(ctx, sess, v.ID, "secret")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !sh.Encrypted {
		t.Fatal("summarize dropped encryption")
	}
	if len(sh.Content) >= len(long) {
		t.Fatalf("content did not shrink: %d bytes", len(sh.Content))
	}
}

func TestSweep_ArchiveExternalizesContent(t *testing.T) {
	ctx := context.Background()
	svc, sess, v := newTestService(t)

	sh, err := svc.Store(ctx, sess, v.ID, "old-log", []byte("a very old conversation log"),
		ShardMetadata{Type: MemoryConversation, Importance: 5}, StoreOptions{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	originalHash := sh.ContentHash

	report, err := svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepArchive})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if report.Count(SweepSucceeded) != 1 {
		t.Fatalf("expected 1 archived: %#v", report.Results)
	}

	got, err := svc.Retrieve(ctx, sess, sh.ID)
	if err != nil {
		t.Fatalf("retrieve archived: %v", err)
	}
	if !got.Archived || len(got.Content) != 0 {
		t.Fatalf("archive state: archived=%v content=%d bytes", got.Archived, len(got.Content))
	}
	if got.Metadata.ExternalRef != "cold:"+originalHash {
		t.Fatalf("external ref: %q", got.Metadata.ExternalRef)
	}

	// The hot bytes left the vault aggregates.
	vault, err := svc.GetVault(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if vault.TotalSize != 0 || vault.MemoryCount != 1 {
		t.Fatalf("aggregates after archive: count=%d size=%d", vault.MemoryCount, vault.TotalSize)
	}

	// Pre-archive bytes stay reachable through history.
	versions, err := svc.GetVersions(ctx, sess, sh.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || string(versions[0].Content) != "a very old conversation log" {
		t.Fatalf("history after archive: %#v", versions)
	}

	// A second pass finds nothing left to archive.
	report, err = svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepArchive})
	if err != nil {
		t.Fatalf("second compress: %v", err)
	}
	if report.Count(SweepSucceeded) != 0 {
		t.Fatalf("double archive: %#v", report.Results)
	}
}

func TestSweep_DeleteRespectsSelectors(t *testing.T) {
	ctx := context.Background()
	svc, sess, v := newTestService(t)

	meta := func(importance int, tags ...string) ShardMetadata {
		return ShardMetadata{Type: MemoryConversation, Importance: importance, Tags: tags}
	}
	if _, err := svc.Store(ctx, sess, v.ID, "scratch-1", []byte("tmp"), meta(5, "scratch"), StoreOptions{}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := svc.Store(ctx, sess, v.ID, "scratch-2", []byte("tmp"), meta(8, "scratch"), StoreOptions{}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := svc.Store(ctx, sess, v.ID, "journal", []byte("tmp"), meta(5, "journal"), StoreOptions{}); err != nil {
		t.Fatalf("store: %v", err)
	}

	report, err := svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepDelete, Tags: []string{"scratch"}})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if report.Count(SweepSucceeded) != 2 {
		t.Fatalf("expected 2 deletions: %#v", report.Results)
	}

	// Outside the tag selector: untouched.
	if _, err := svc.RetrieveByKey(ctx, sess, v.ID, "journal"); err != nil {
		t.Fatalf("journal should survive: %v", err)
	}

	vault, err := svc.GetVault(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if vault.MemoryCount != 1 {
		t.Fatalf("aggregates after sweep delete: %d", vault.MemoryCount)
	}
}

func TestSweep_LimitCapsWork(t *testing.T) {
	ctx := context.Background()
	svc, sess, v := newTestService(t)

	for _, key := range []string{"a", "b", "c", "d"} {
		if _, err := svc.Store(ctx, sess, v.ID, key, []byte("disposable"),
			ShardMetadata{Type: MemoryConversation, Importance: 5}, StoreOptions{}); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	report, err := svc.Compress(ctx, sess, v.ID, SweepPolicy{Strategy: SweepDelete, Limit: 2})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("limit ignored: %d results", len(report.Results))
	}
}

func TestSummarizeText(t *testing.T) {
	short := "fits entirely"
	if got := summarizeText(short); got != short {
		t.Fatalf("short text changed: %q", got)
	}

	long := strings.Repeat("One sentence here. ", 40)
	got := summarizeText(long)
	if len(got) > summaryTarget {
		t.Fatalf("summary too long: %d", len(got))
	}
	if !strings.HasSuffix(got, ".") {
		t.Fatalf("summary not cut at sentence boundary: %q", got)
	}

	// Unbroken multibyte text exercises the hard-cut fallback, which
	// must not split a rune.
	cjk := strings.Repeat("記憶の断片", 40)
	got = summarizeText(cjk)
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
	if len(got) >= len(cjk) {
		t.Fatalf("multibyte text did not shrink: %d bytes", len(got))
	}
}
