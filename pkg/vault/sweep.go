package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agentvault/agentvault/pkg/codec"
)

// summaryTarget is the rough character budget a summarized shard is
// trimmed to.
const summaryTarget = 280

// ShardSweeper applies retention policies to a vault. Each shard is
// handled in isolation: one failure never aborts the pass.
type ShardSweeper struct {
	store Store
}

func NewShardSweeper(store Store) *ShardSweeper {
	return &ShardSweeper{store: store}
}

// Sweep selects candidates under policy and applies its strategy to
// each. Keys may be nil; shards that would need decryption are skipped.
func (w *ShardSweeper) Sweep(ctx context.Context, vaultID string, policy SweepPolicy, keys *codec.KeyPair) (SweepReport, error) {
	policy = NormalizeSweepPolicy(policy)
	if !policy.Strategy.Valid() {
		return SweepReport{}, fmt.Errorf("unknown sweep strategy %q: %w", policy.Strategy, ErrInvalidInput)
	}
	if _, err := w.store.GetVault(ctx, vaultID); err != nil {
		return SweepReport{}, err
	}

	candidates, err := w.selectCandidates(ctx, vaultID, policy)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{
		VaultID:     vaultID,
		Strategy:    policy.Strategy,
		StartedAtMS: nowMS(),
	}
	for _, sh := range candidates {
		res := w.apply(ctx, sh, policy, keys)
		report.Results = append(report.Results, res)
	}
	report.CompletedAtMS = nowMS()
	return report, nil
}

// selectCandidates lists active shards matching the policy selectors,
// least important and stalest first. Expired shards are always
// candidates regardless of importance.
func (w *ShardSweeper) selectCandidates(ctx context.Context, vaultID string, policy SweepPolicy) ([]MemoryShard, error) {
	floor := policy.ImportanceFloor
	filter := ShardFilter{Tags: policy.Tags, IncludeArchived: true}
	if policy.OlderThan > 0 {
		filter.UpdatedBeforeMS = nowMS() - policy.OlderThan.Milliseconds()
	}
	shards, err := w.store.ListShards(ctx, vaultID, filter)
	if err != nil {
		return nil, err
	}

	now := nowMS()
	candidates := shards[:0]
	for _, sh := range shards {
		expired := sh.ExpiresAtMS > 0 && sh.ExpiresAtMS <= now
		if !expired && sh.Metadata.Importance >= floor {
			continue
		}
		candidates = append(candidates, sh)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Metadata.Importance != candidates[j].Metadata.Importance {
			return candidates[i].Metadata.Importance < candidates[j].Metadata.Importance
		}
		return candidates[i].UpdatedAtMS < candidates[j].UpdatedAtMS
	})
	if len(candidates) > policy.Limit {
		candidates = candidates[:policy.Limit]
	}
	return candidates, nil
}

func (w *ShardSweeper) apply(ctx context.Context, sh MemoryShard, policy SweepPolicy, keys *codec.KeyPair) SweepResult {
	res := SweepResult{ShardID: sh.ID, Key: sh.Key}

	var err error
	switch policy.Strategy {
	case SweepSummarize:
		res, err = w.summarize(ctx, sh, keys)
	case SweepArchive:
		res, err = w.archive(ctx, sh)
	case SweepDelete:
		res, err = w.delete(ctx, sh, policy.Permanent)
	}
	if err == nil {
		return res
	}

	res.Freed = 0
	if errors.Is(err, ErrConflict) {
		// Someone updated the shard mid-sweep; their write wins.
		res.Outcome = SweepSkipped
		res.Reason = "concurrent update"
		return res
	}
	res.Outcome = SweepFailed
	res.Reason = err.Error()
	return res
}

// summarize truncates the shard's content to a sentence-aware prefix
// and commits it as a new version. Shards that would not shrink are
// skipped.
func (w *ShardSweeper) summarize(ctx context.Context, sh MemoryShard, keys *codec.KeyPair) (SweepResult, error) {
	res := SweepResult{ShardID: sh.ID, Key: sh.Key}

	if sh.Archived {
		res.Outcome = SweepSkipped
		res.Reason = "content archived"
		return res, nil
	}

	plaintext := sh.Content
	if sh.Encrypted {
		if keys == nil {
			res.Outcome = SweepSkipped
			res.Reason = "no decrypt keys"
			return res, nil
		}
		var err error
		plaintext, err = codec.DecryptContent(sh.Content, sh.KeyEnvelope, keys)
		if err != nil {
			return res, err
		}
	}
	if !utf8.Valid(plaintext) {
		res.Outcome = SweepSkipped
		res.Reason = "not textual"
		return res, nil
	}

	summary := summarizeText(string(plaintext))
	if len(summary) >= len(plaintext) {
		res.Outcome = SweepSkipped
		res.Reason = "not compressible"
		return res, nil
	}

	freed := int64(len(plaintext) - len(summary))
	next := sh
	next.Content = []byte(summary)
	next.ContentHash = codec.DigestHex(next.Content)
	next.ContentSize = int64(len(summary))
	if sh.Encrypted {
		// Reseal under the shard's existing content key so grant
		// envelopes survive the summarization.
		sealed, err := codec.ResealContent(next.Content, sh.KeyEnvelope, keys)
		if err != nil {
			return res, err
		}
		next.Content = sealed
	}
	next.Version = sh.Version + 1
	next.UpdatedAtMS = nowMS()

	if err := w.store.UpdateShard(ctx, next, sh.Version); err != nil {
		return res, err
	}
	res.Outcome = SweepSucceeded
	res.Freed = freed
	return res, nil
}

// archive moves the shard's bytes out of the hot store: content is
// cleared, an external reference to cold storage is recorded, and the
// change is committed as a new version so the pre-archive bytes remain
// reachable through history.
func (w *ShardSweeper) archive(ctx context.Context, sh MemoryShard) (SweepResult, error) {
	res := SweepResult{ShardID: sh.ID, Key: sh.Key}

	if sh.Archived {
		res.Outcome = SweepSkipped
		res.Reason = "already archived"
		return res, nil
	}

	freed := sh.ContentSize
	next := sh
	next.Content = nil
	next.ContentSize = 0
	next.Archived = true
	next.Metadata.ExternalRef = "cold:" + sh.ContentHash
	next.Version = sh.Version + 1
	next.UpdatedAtMS = nowMS()

	if err := w.store.UpdateShard(ctx, next, sh.Version); err != nil {
		return res, err
	}
	res.Outcome = SweepSucceeded
	res.Freed = freed
	return res, nil
}

func (w *ShardSweeper) delete(ctx context.Context, sh MemoryShard, permanent bool) (SweepResult, error) {
	res := SweepResult{ShardID: sh.ID, Key: sh.Key}

	if permanent {
		if err := w.store.PurgeShard(ctx, sh.ID); err != nil {
			return res, err
		}
	} else {
		changed, err := w.store.TombstoneShard(ctx, sh.ID, nowMS())
		if err != nil {
			return res, err
		}
		if !changed {
			res.Outcome = SweepSkipped
			res.Reason = "already deleted"
			return res, nil
		}
	}
	res.Outcome = SweepSucceeded
	res.Freed = sh.ContentSize
	return res, nil
}

// summarizeText returns a prefix of text near summaryTarget bytes,
// preferring a sentence boundary, then a word boundary.
func summarizeText(text string) string {
	if len(text) <= summaryTarget {
		return text
	}
	// Back the cut up to a rune boundary so the fallback window is
	// never split mid-rune.
	cutAt := summaryTarget
	for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
		cutAt--
	}
	window := text[:cutAt]
	if cut := lastSentenceEnd(window); cut > summaryTarget/2 {
		return strings.TrimSpace(window[:cut])
	}
	if cut := strings.LastIndexByte(window, ' '); cut > summaryTarget/2 {
		return strings.TrimSpace(window[:cut]) + "…"
	}
	return window + "…"
}

func lastSentenceEnd(s string) int {
	end := -1
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(s, sep); i > end {
			end = i + 1
		}
	}
	return end
}
