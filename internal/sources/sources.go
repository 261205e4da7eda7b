// Package sources loads the externally managed source registry, matches
// sources to research topics, and hot-reloads the registry file when it
// changes on disk.
package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/text"
)

// Source is one entry in the registry. The pipeline never mutates these;
// the file is managed externally or edited through the control surface.
type Source struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	Tags           []string `json:"tags"`
	ExampleQueries []string `json:"exampleQueries,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

type registryDoc struct {
	Version int      `json:"version"`
	Sources []Source `json:"sources"`
}

const (
	defaultMatchLimit = 5
	defaultMinScore   = 1
)

// Registry holds the loaded sources in file order. Safe for concurrent
// use; Reload swaps contents atomically.
type Registry struct {
	mu      sync.RWMutex
	path    string
	version int
	sources []Source
	byID    map[string]int
	logger  *zap.Logger
}

func NewRegistry(path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:   path,
		byID:   map[string]int{},
		logger: logger.Named("sources"),
	}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Load reads the registry file. Missing file means an empty registry.
func (r *Registry) Load() error {
	doc, err := readRegistry(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.install(doc)
	return nil
}

// Reload re-reads the file, keeping the previous contents when the new
// file is unreadable or invalid.
func (r *Registry) Reload() error {
	doc, err := readRegistry(r.path)
	if err != nil {
		r.logger.Warn("keeping previous source registry", zap.Error(err))
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.install(doc)
	r.logger.Info("source registry reloaded", zap.Int("sources", len(doc.Sources)))
	return nil
}

func (r *Registry) install(doc registryDoc) {
	r.version = doc.Version
	if r.version == 0 {
		r.version = 1
	}
	r.sources = doc.Sources
	r.byID = map[string]int{}
	for i := range doc.Sources {
		r.byID[doc.Sources[i].ID] = i
	}
}

func readRegistry(path string) (registryDoc, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return registryDoc{}, nil
	}
	if err != nil {
		return registryDoc{}, fault.Wrap(fault.TransientBackend, err, "reading source registry")
	}
	var doc registryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return registryDoc{}, fault.Wrap(fault.InvalidInput, err, "decoding source registry")
	}
	seen := map[string]bool{}
	for i, s := range doc.Sources {
		if strings.TrimSpace(s.ID) == "" {
			return registryDoc{}, fault.New(fault.InvalidInput, "source at index %d has no id", i)
		}
		if seen[s.ID] {
			return registryDoc{}, fault.New(fault.InvalidInput, "duplicate source id %s", s.ID)
		}
		seen[s.ID] = true
	}
	return doc, nil
}

// Get returns the source with the given id.
func (r *Registry) Get(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Source{}, fault.New(fault.NotFound, "source %s not registered", id)
	}
	return r.sources[i], nil
}

// Sources returns a copy of the registry in file order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Len returns the number of loaded sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Upsert adds or replaces a source and rewrites the registry file
// atomically. Existing sources keep their position; new ones append.
func (r *Registry) Upsert(s Source) error {
	if strings.TrimSpace(s.ID) == "" {
		return fault.New(fault.InvalidInput, "source has no id")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fault.New(fault.InvalidInput, "source %s has no name", s.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Source, len(r.sources))
	copy(next, r.sources)
	if i, ok := r.byID[s.ID]; ok {
		next[i] = s
	} else {
		next = append(next, s)
	}
	if err := r.persist(next); err != nil {
		return err
	}
	r.install(registryDoc{Version: r.version, Sources: next})
	r.logger.Info("source upserted", zap.String("source", s.ID))
	return nil
}

// Delete removes a source by id and rewrites the registry file atomically.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return fault.New(fault.NotFound, "source %s not registered", id)
	}
	next := make([]Source, 0, len(r.sources)-1)
	next = append(next, r.sources[:i]...)
	next = append(next, r.sources[i+1:]...)
	if err := r.persist(next); err != nil {
		return err
	}
	r.install(registryDoc{Version: r.version, Sources: next})
	r.logger.Info("source deleted", zap.String("source", id))
	return nil
}

// persist writes the registry file. Caller holds the write lock.
func (r *Registry) persist(sources []Source) error {
	doc := registryDoc{Version: r.version, Sources: sources}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if err := store.WriteJSONAtomic(r.path, doc); err != nil {
		return fault.Wrap(fault.TransientBackend, err, "writing source registry")
	}
	return nil
}

// Match returns up to limit sources whose tags overlap the topic tokens,
// best first. Ties keep registry order. Sources scoring under the minimum
// threshold never match.
func (r *Registry) Match(topic string, limit int) []Source {
	if limit <= 0 {
		limit = defaultMatchLimit
	}
	topicToks := text.Tokenize(topic)
	if len(topicToks) == 0 {
		return nil
	}
	topicSet := text.Set(topicToks, text.Bigrams(topicToks))

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, s := range r.sources {
		score := tagOverlap(s.Tags, topicSet)
		if score >= defaultMinScore {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Source, 0, len(hits))
	for _, h := range hits {
		out = append(out, r.sources[h.idx])
	}
	return out
}

// tagOverlap scores one source: a whole-tag match (single token or bigram)
// counts double, a partial token match counts once per token.
func tagOverlap(tags []string, topicSet map[string]bool) int {
	score := 0
	for _, tag := range tags {
		toks := text.Tokenize(tag)
		if len(toks) == 0 {
			continue
		}
		if topicSet[strings.Join(toks, " ")] {
			score += 2
			continue
		}
		for _, tok := range toks {
			if topicSet[tok] {
				score++
			}
		}
	}
	return score
}

// FormatForTask renders matched sources as the block appended to worker
// task descriptions.
func FormatForTask(matched []Source) string {
	if len(matched) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("RECOMMENDED SOURCES\n")
	for _, s := range matched {
		fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
		if s.BaseURL != "" {
			fmt.Fprintf(&b, " (%s)", s.BaseURL)
		}
		b.WriteString("\n")
		for _, q := range s.ExampleQueries {
			fmt.Fprintf(&b, "  example: %s\n", q)
		}
	}
	return b.String()
}
