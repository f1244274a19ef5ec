package vault

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/agentvault/agentvault/pkg/codec"
)

// ftsBoost is added to the overlap score of shards the full-text index
// also matched.
const ftsBoost = 0.15

// SearchEngine ranks a vault's shards against a text query. Decrypted
// plaintext is cached per (shard, version) so repeated searches over an
// encrypted vault do not redo the envelope work.
type SearchEngine struct {
	store Store
	cache *ristretto.Cache
}

func NewSearchEngine(store Store, cacheSize int64) (*SearchEngine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init search cache: %w", err)
	}
	return &SearchEngine{store: store, cache: cache}, nil
}

// Search returns active shards matching q, best first. Encrypted shards
// participate only when q.IncludeEncrypted is set and the session keys
// can open them; undecryptable shards are filtered, not an error.
func (e *SearchEngine) Search(ctx context.Context, sess Session, vaultID string, q SearchQuery) ([]SearchResult, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}

	candidates, err := e.store.ListShards(ctx, vaultID, ShardFilter{
		Tags:            q.Tags,
		TimeRange:       q.TimeRange,
		MinImportance:   q.MinImportance,
		IncludeArchived: q.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	ftsHits := map[string]bool{}
	if strings.TrimSpace(q.Text) != "" {
		if hits, err := e.store.SearchShardText(ctx, vaultID, q.Text, q.Limit*4); err == nil {
			for _, h := range hits {
				ftsHits[h.ID] = true
			}
		}
	}

	now := nowMS()
	terms := tokenize(q.Text)
	results := make([]SearchResult, 0, len(candidates))
	for _, sh := range candidates {
		if sh.ExpiresAtMS > 0 && sh.ExpiresAtMS <= now {
			continue
		}
		if sh.Encrypted && !q.IncludeEncrypted {
			continue
		}
		text, ok := e.plaintext(sh, sess.Keys)
		if !ok {
			continue
		}
		score := overlapScore(terms, text)
		if ftsHits[sh.ID] {
			score += ftsBoost
		}
		if len(terms) > 0 && score == 0 {
			continue
		}
		sh.Content = []byte(text)
		results = append(results, SearchResult{Shard: sh, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Shard.Metadata.Importance != b.Shard.Metadata.Importance {
			return a.Shard.Metadata.Importance > b.Shard.Metadata.Importance
		}
		return a.Shard.UpdatedAtMS > b.Shard.UpdatedAtMS
	})

	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (e *SearchEngine) Close() {
	e.cache.Close()
}

// plaintext resolves the searchable text of a shard, consulting the
// cache for encrypted content. Returns ok=false when the shard cannot
// be opened with the available keys.
func (e *SearchEngine) plaintext(sh MemoryShard, keys *codec.KeyPair) (string, bool) {
	// Archived content lives in cold storage; the shard still lists,
	// it just has nothing to match text against.
	if sh.Archived && len(sh.Content) == 0 {
		return "", true
	}
	if !sh.Encrypted {
		return string(sh.Content), true
	}

	// Only key-holding sessions get decrypted text, cached or not.
	if keys == nil {
		return "", false
	}
	cacheKey := fmt.Sprintf("%s@%d", sh.ID, sh.Version)
	if v, ok := e.cache.Get(cacheKey); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	plain, err := codec.DecryptContent(sh.Content, sh.KeyEnvelope, keys)
	if err != nil {
		return "", false
	}
	text := string(plain)
	e.cache.Set(cacheKey, text, int64(len(text)))
	return text, true
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// overlapScore is the fraction of query terms present in the text, with
// a bonus when the whole query appears as a substring. An empty query
// matches everything at score zero.
func overlapScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	score := float64(matched) / float64(len(terms))
	if matched == len(terms) && len(terms) > 1 && strings.Contains(lower, strings.Join(terms, " ")) {
		score += 0.25
	}
	return score
}
