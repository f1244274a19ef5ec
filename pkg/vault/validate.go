package vault

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation happens once at the store/update boundary; nothing
// downstream re-checks metadata shape. Length bounds count characters,
// not bytes, so multibyte keys and tags are not penalized.

func validateKey(key string) error {
	if n := utf8.RuneCountInString(key); n < MinKeyLength || n > MaxKeyLength {
		return fmt.Errorf("key length must be %d-%d characters, got %d: %w", MinKeyLength, MaxKeyLength, n, ErrInvalidInput)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is blank: %w", ErrInvalidInput)
	}
	return nil
}

func validateMetadata(meta ShardMetadata) error {
	if !meta.Type.Valid() {
		return fmt.Errorf("unknown memory type %q: %w", meta.Type, ErrInvalidInput)
	}
	if meta.Importance < 0 || meta.Importance > MaxImportance {
		return fmt.Errorf("importance %d out of range [0,%d]: %w", meta.Importance, MaxImportance, ErrInvalidInput)
	}
	for _, tag := range meta.Tags {
		if tag == "" {
			return fmt.Errorf("empty tag: %w", ErrInvalidInput)
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return fmt.Errorf("tag %q exceeds %d characters: %w", tag, MaxTagLength, ErrInvalidInput)
		}
	}
	return nil
}

// normalizeTags trims, lowercases and deduplicates while preserving
// first-seen order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
