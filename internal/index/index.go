// Package index maintains the cross-project research index: one entry per
// completed project, ranked lookup for prior-research enrichment, and the
// derived suggestions file.
package index

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"github.com/zeebo/blake3"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/graph"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/text"
)

const (
	indexFile       = "research-index.json"
	suggestionsFile = "suggestions.json"

	maxTags        = 24
	maxSearchTerms = 64
	topNodes       = 10
	maxSuggestions = 25
	maxRelated     = 3

	weightTopic       = 5.0
	weightTags        = 3.0
	weightTerms       = 1.0
	coverageBonus     = 0.5
	cutoffFraction    = 0.5
	defaultQueryLimit = 5
)

// Stats summarizes a recorded graph.
type Stats struct {
	Nodes     int `json:"nodes"`
	Edges     int `json:"edges"`
	Citations int `json:"citations"`
}

// Entry is one completed project in the index.
type Entry struct {
	ProjectID   string    `json:"projectId"`
	Topic       string    `json:"topic"`
	CompletedAt time.Time `json:"completedAt"`
	Stats       Stats     `json:"stats"`
	Tags        []string  `json:"tags"`
	SearchTerms []string  `json:"searchTerms"`
	// GraphHash lets Record skip rewrites when the graph is unchanged.
	GraphHash string `json:"graphHash,omitempty"`

	// NeedsRebuild marks entries loaded without searchTerms. Derived at
	// load time, never persisted.
	NeedsRebuild bool `json:"-"`
}

type indexDoc struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Suggestion is one related-topic hint derived from recorded tags.
type Suggestion struct {
	Term     string   `json:"term"`
	Count    int      `json:"count"`
	Projects []string `json:"projects"`
}

// RelatedProjects lists prior work ranked against one project's topic.
type RelatedProjects struct {
	ProjectID string   `json:"projectId"`
	Topic     string   `json:"topic"`
	Related   []string `json:"related"`
}

type suggestionsDoc struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Suggestions []Suggestion      `json:"suggestions"`
	Related     []RelatedProjects `json:"related,omitempty"`
}

// Options configures an Index.
type Options struct {
	DataRoot string
	// Synonyms extends the built-in table. Keys and values are lowercase
	// unigrams; the table is symmetrized at load.
	Synonyms map[string][]string
	Logger   *zap.Logger
}

// Index is the process-wide research index. All methods are safe for
// concurrent use.
type Index struct {
	mu           sync.RWMutex
	root         string
	entries      []Entry
	byID         map[string]int
	synonyms     map[string]map[string]bool
	needsRebuild bool
	logger       *zap.Logger
}

// defaultSynonyms covers the recurring vocabulary of consumer-health
// research topics. Deployments extend it through Options.Synonyms.
var defaultSynonyms = map[string][]string{
	"cancer":        {"carcinogen", "carcinogenic", "tumor", "oncology"},
	"pfas":          {"pfoa", "pfos"},
	"glyphosate":    {"roundup", "herbicide"},
	"microplastics": {"nanoplastics", "plastics"},
	"vaccine":       {"vaccination", "immunization"},
	"study":         {"trial", "studies"},
	"children":      {"child", "infant", "pediatric"},
	"water":         {"groundwater", "tapwater"},
}

func New(opts Options) (*Index, error) {
	if opts.DataRoot == "" {
		return nil, fault.New(fault.InvalidInput, "index requires a data root")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{
		root:     opts.DataRoot,
		byID:     map[string]int{},
		synonyms: symmetrize(defaultSynonyms, opts.Synonyms),
		logger:   logger.Named("index"),
	}
	return idx, nil
}

// symmetrize folds base and extra into one bidirectional lookup so
// expansion works regardless of which side a query lands on.
func symmetrize(base, extra map[string][]string) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	add := func(a, b string) {
		if out[a] == nil {
			out[a] = map[string]bool{}
		}
		out[a][b] = true
	}
	for _, table := range []map[string][]string{base, extra} {
		for k, vs := range table {
			for _, v := range vs {
				add(k, v)
				add(v, k)
			}
		}
	}
	return out
}

func (ix *Index) path() string            { return filepath.Join(ix.root, indexFile) }
func (ix *Index) suggestionsPath() string { return filepath.Join(ix.root, suggestionsFile) }

// Load reads the index file. A missing file is an empty index. Entries
// without searchTerms are marked and NeedsRebuild flips on.
func (ix *Index) Load() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	raw, err := os.ReadFile(ix.path())
	if errors.Is(err, fs.ErrNotExist) {
		ix.entries = nil
		ix.byID = map[string]int{}
		ix.needsRebuild = false
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.TransientBackend, err, "reading research index")
	}
	var doc indexDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.Wrap(fault.InvalidInput, err, "decoding research index")
	}
	ix.entries = doc.Entries
	ix.byID = map[string]int{}
	ix.needsRebuild = false
	for i := range ix.entries {
		e := &ix.entries[i]
		ix.byID[e.ProjectID] = i
		if len(e.SearchTerms) == 0 {
			e.NeedsRebuild = true
			ix.needsRebuild = true
		}
	}
	if ix.needsRebuild {
		ix.logger.Warn("index entries missing searchTerms, rebuild recommended",
			zap.Int("entries", len(ix.entries)))
	}
	return nil
}

// NeedsRebuild reports whether Load found entries lacking searchTerms.
func (ix *Index) NeedsRebuild() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.needsRebuild
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Entries returns a copy of the entries in index order.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Record upserts the entry for a completed project. Recording the same
// project and graph twice is a no-op, including on disk.
func (ix *Index) Record(p *research.Project, g *graph.Graph) error {
	if p == nil || g == nil {
		return fault.New(fault.InvalidInput, "record requires a project and a graph")
	}
	entry := deriveEntry(p, g)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if i, ok := ix.byID[entry.ProjectID]; ok {
		if ix.entries[i].GraphHash == entry.GraphHash {
			return nil
		}
		ix.entries[i] = entry
	} else {
		ix.byID[entry.ProjectID] = len(ix.entries)
		ix.entries = append(ix.entries, entry)
	}
	return ix.persistLocked()
}

// Rebuild rescans every completed project under the data root and rewrites
// the index and suggestions atomically.
func (ix *Index) Rebuild() error {
	matches, err := doublestar.Glob(os.DirFS(ix.root), "projects/*/graph.json")
	if err != nil {
		return fault.Wrap(fault.TransientBackend, err, "scanning project graphs")
	}
	sort.Strings(matches)

	var entries []Entry
	for _, rel := range matches {
		dir := filepath.Dir(filepath.Join(ix.root, rel))
		p, err := readProject(filepath.Join(dir, "project.json"))
		if err != nil {
			ix.logger.Warn("skipping project during rebuild", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if p.Status != research.StatusComplete {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(ix.root, rel))
		if err != nil {
			ix.logger.Warn("skipping unreadable graph", zap.String("path", rel), zap.Error(err))
			continue
		}
		g, err := graph.Decode(raw)
		if err != nil {
			ix.logger.Warn("skipping undecodable graph", zap.String("path", rel), zap.Error(err))
			continue
		}
		entries = append(entries, deriveEntry(p, g))
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CompletedAt.Equal(entries[j].CompletedAt) {
			return entries[i].CompletedAt.Before(entries[j].CompletedAt)
		}
		return entries[i].ProjectID < entries[j].ProjectID
	})
	entries = collapseTopics(entries)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = entries
	ix.byID = map[string]int{}
	for i := range entries {
		ix.byID[entries[i].ProjectID] = i
	}
	ix.needsRebuild = false
	return ix.persistLocked()
}

// collapseTopics drops older entries whose topic exactly matches a newer one,
// so re-running the same topic under a fresh project id does not double-count.
// entries must be sorted by completedAt ascending.
func collapseTopics(entries []Entry) []Entry {
	latest := map[string]int{}
	for i := range entries {
		latest[entries[i].Topic] = i
	}
	kept := entries[:0]
	for i := range entries {
		if latest[entries[i].Topic] == i {
			kept = append(kept, entries[i])
		}
	}
	return kept
}

func readProject(path string) (*research.Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p research.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (ix *Index) persistLocked() error {
	doc := indexDoc{Version: 1, Entries: ix.entries}
	if err := store.WriteJSONAtomic(ix.path(), doc); err != nil {
		return err
	}
	return store.WriteJSONAtomic(ix.suggestionsPath(), ix.suggestionsLocked())
}

// suggestionsLocked aggregates tags across entries into ranked suggestions
// and, newest project first, ranks prior work against each topic.
func (ix *Index) suggestionsLocked() suggestionsDoc {
	counts := map[string]int{}
	projects := map[string][]string{}
	for _, e := range ix.entries {
		seen := map[string]bool{}
		for _, tag := range e.Tags {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			counts[tag]++
			projects[tag] = append(projects[tag], e.ProjectID)
		}
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxSuggestions {
		terms = terms[:maxSuggestions]
	}
	doc := suggestionsDoc{GeneratedAt: time.Now().UTC()}
	for _, term := range terms {
		ps := projects[term]
		sort.Strings(ps)
		doc.Suggestions = append(doc.Suggestions, Suggestion{Term: term, Count: counts[term], Projects: ps})
	}
	doc.Related = ix.relatedLocked()
	return doc
}

// relatedLocked scores every other entry against a project's topic with the
// same weights Search uses and keeps the top maxRelated. Projects with no
// scoring peer are left out.
func (ix *Index) relatedLocked() []RelatedProjects {
	if len(ix.entries) < 2 {
		return nil
	}
	var out []RelatedProjects
	for i := len(ix.entries) - 1; i >= 0; i-- {
		e := ix.entries[i]
		unigrams := text.Tokenize(e.Topic)
		if len(unigrams) == 0 {
			continue
		}
		bigrams := text.Bigrams(unigrams)
		type scored struct {
			id    string
			score float64
		}
		var ranked []scored
		for _, other := range ix.entries {
			if other.ProjectID == e.ProjectID {
				continue
			}
			if s := ix.scoreEntry(other, unigrams, bigrams); s > 0 {
				ranked = append(ranked, scored{id: other.ProjectID, score: s})
			}
		}
		if len(ranked) == 0 {
			continue
		}
		sort.Slice(ranked, func(a, b int) bool {
			if ranked[a].score != ranked[b].score {
				return ranked[a].score > ranked[b].score
			}
			return ranked[a].id < ranked[b].id
		})
		if len(ranked) > maxRelated {
			ranked = ranked[:maxRelated]
		}
		rel := RelatedProjects{ProjectID: e.ProjectID, Topic: e.Topic}
		for _, r := range ranked {
			rel.Related = append(rel.Related, r.id)
		}
		out = append(out, rel)
	}
	return out
}

// deriveEntry computes tags, search terms, stats, and the graph hash for
// one project.
func deriveEntry(p *research.Project, g *graph.Graph) Entry {
	completed := p.UpdatedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	return Entry{
		ProjectID:   p.ID,
		Topic:       p.Topic,
		CompletedAt: completed,
		Stats: Stats{
			Nodes:     len(g.Nodes),
			Edges:     len(g.Edges),
			Citations: g.CitationCount(),
		},
		Tags:        deriveTags(g),
		SearchTerms: deriveSearchTerms(p.Topic, g),
		GraphHash:   hashGraph(g),
	}
}

// subjectTypes are the node types whose labels become tags.
var subjectTypes = map[graph.NodeType]bool{
	graph.NodeContaminant:    true,
	graph.NodeHealthEffect:   true,
	graph.NodeProduct:        true,
	graph.NodeSolution:       true,
	graph.NodeRecommendation: true,
}

func deriveTags(g *graph.Graph) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(tok string) {
		if tok == "" || seen[tok] || len(tags) >= maxTags {
			return
		}
		seen[tok] = true
		tags = append(tags, tok)
	}
	for _, n := range g.Nodes {
		if !subjectTypes[n.Type] {
			continue
		}
		add(string(n.Type))
		for _, tok := range text.Tokenize(n.Label) {
			add(tok)
		}
	}
	return tags
}

// deriveSearchTerms builds the precomputed bag: topic tokens and bigrams,
// then labels and summaries of the top nodes by confidence score.
func deriveSearchTerms(topic string, g *graph.Graph) []string {
	var terms []string
	seen := map[string]bool{}
	add := func(tok string) {
		if tok == "" || seen[tok] || len(terms) >= maxSearchTerms {
			return
		}
		seen[tok] = true
		terms = append(terms, tok)
	}

	topicToks := text.Tokenize(topic)
	for _, tok := range topicToks {
		add(tok)
	}
	for _, bg := range text.Bigrams(topicToks) {
		add(bg)
	}

	nodes := make([]graph.Node, len(g.Nodes))
	copy(nodes, g.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodeScore(nodes[i]) > nodeScore(nodes[j])
	})
	if len(nodes) > topNodes {
		nodes = nodes[:topNodes]
	}
	for _, n := range nodes {
		labelToks := text.Tokenize(n.Label)
		for _, tok := range labelToks {
			add(tok)
		}
		for _, bg := range text.Bigrams(labelToks) {
			add(bg)
		}
		for _, tok := range text.Tokenize(n.Summary) {
			add(tok)
		}
	}
	return terms
}

func nodeScore(n graph.Node) float64 {
	if n.ConfidenceScore != nil {
		return *n.ConfidenceScore
	}
	return 0
}

func hashGraph(g *graph.Graph) string {
	raw, err := json.Marshal(g)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return "blake3:" + hex.EncodeToString(sum[:])
}
