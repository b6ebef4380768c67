// Package redact scrubs registered sensitive strings from log output.
// The registry is process-global; the matcher is a multi-pattern
// Aho-Corasick automaton rebuilt lazily after registration changes.
package redact

import (
	"sort"
	"sync"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Placeholder replaces every occurrence of a registered value.
const Placeholder = "[REDACTED]"

// minPatternLen ignores very short values; redacting 1-3 byte strings
// would shred unrelated output.
const minPatternLen = 4

// Registry holds the sensitive strings and the compiled matcher.
type Registry struct {
	mu       sync.Mutex
	patterns map[string]struct{}
	trie     *ahocorasick.Trie
	dirty    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string]struct{})}
}

var global = NewRegistry()

// Global returns the process-wide registry shared by the SDK.
func Global() *Registry { return global }

// Register adds value to the registry. Values shorter than four bytes
// are ignored. The matcher is rebuilt on the next Redact call.
func (r *Registry) Register(value string) {
	if len(value) < minPatternLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patterns[value]; ok {
		return
	}
	r.patterns[value] = struct{}{}
	r.dirty = true
}

// Unregister removes value; a no-op when absent.
func (r *Registry) Unregister(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patterns[value]; !ok {
		return
	}
	delete(r.patterns, value)
	r.dirty = true
}

// Len returns the number of registered values.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patterns)
}

// Redact replaces every occurrence of any registered value in text with
// the placeholder. Cost is O(len(text) + matches) per call.
func (r *Registry) Redact(text string) string {
	trie := r.matcher()
	if trie == nil || text == "" {
		return text
	}
	matches := trie.MatchString(text)
	if len(matches) == 0 {
		return text
	}

	// Merge overlapping and adjacent hits into spans, longest-first
	// within a position, then rewrite.
	type span struct{ start, end int }
	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		start := int(m.Pos())
		spans = append(spans, span{start: start, end: start + len(m.Match())})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 && s.start <= merged[n-1].end {
			if s.end > merged[n-1].end {
				merged[n-1].end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var out []byte
	last := 0
	for _, s := range merged {
		out = append(out, text[last:s.start]...)
		out = append(out, Placeholder...)
		last = s.end
	}
	out = append(out, text[last:]...)
	return string(out)
}

// matcher returns the compiled trie, rebuilding it when dirty.
func (r *Registry) matcher() *ahocorasick.Trie {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		if len(r.patterns) == 0 {
			r.trie = nil
		} else {
			words := make([]string, 0, len(r.patterns))
			for p := range r.patterns {
				words = append(words, p)
			}
			r.trie = ahocorasick.NewTrieBuilder().AddStrings(words).Build()
		}
		r.dirty = false
	}
	return r.trie
}

// Register adds value to the process-global registry.
func Register(value string) { global.Register(value) }

// Unregister removes value from the process-global registry.
func Unregister(value string) { global.Unregister(value) }

// Redact scrubs text against the process-global registry.
func Redact(text string) string { return global.Redact(text) }
