package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veracity-research/veracity/internal/fault"
)

const registryJSON = `{
  "version": 1,
  "sources": [
    {"id": "pubmed", "name": "PubMed", "description": "biomedical literature",
     "tags": ["study", "medicine", "cancer", "health"]},
    {"id": "epa-echo", "name": "EPA ECHO", "description": "enforcement and compliance data",
     "baseUrl": "https://echo.epa.gov", "tags": ["water", "contaminant", "epa"],
     "exampleQueries": ["facility discharge lead"]},
    {"id": "fda-recalls", "name": "FDA Recalls", "description": "product recall notices",
     "tags": ["recall", "product", "food"]}
  ]
}`

func writeRegistry(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sources.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	path := writeRegistry(t, t.TempDir(), registryJSON)
	reg := NewRegistry(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "sources.json"), nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d", reg.Len())
	}
	if got := reg.Match("anything at all", 5); got != nil {
		t.Fatalf("Match on empty registry = %+v", got)
	}
}

func TestLoadPreservesOrderAndLookup(t *testing.T) {
	reg := loadedRegistry(t)
	all := reg.Sources()
	if len(all) != 3 || all[0].ID != "pubmed" || all[2].ID != "fda-recalls" {
		t.Fatalf("Sources order = %+v", all)
	}
	s, err := reg.Get("epa-echo")
	if err != nil || s.BaseURL != "https://echo.epa.gov" {
		t.Fatalf("Get = %+v, %v", s, err)
	}
	if _, err := reg.Get("ghost"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("Get(ghost) err = %v", err)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	body := strings.Replace(registryJSON, `"id": "fda-recalls"`, `"id": "pubmed"`, 1)
	path := writeRegistry(t, t.TempDir(), body)
	reg := NewRegistry(path, nil)
	if err := reg.Load(); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("duplicate id err = %v", err)
	}
}

func TestMatch(t *testing.T) {
	reg := loadedRegistry(t)

	got := reg.Match("lead in municipal drinking water", 5)
	if len(got) != 1 || got[0].ID != "epa-echo" {
		t.Fatalf("Match = %+v, want epa-echo only", got)
	}

	if got := reg.Match("quantum entanglement", 5); len(got) != 0 {
		t.Fatalf("no-overlap topic matched %+v", got)
	}
	if got := reg.Match("", 5); len(got) != 0 {
		t.Fatalf("empty topic matched %+v", got)
	}
}

func TestMatchRanksAndLimits(t *testing.T) {
	reg := loadedRegistry(t)
	// cancer + study hit pubmed twice (two whole-tag matches); product
	// recall hits fda-recalls twice as well; pubmed wins the tie by
	// registry order when scores level out.
	got := reg.Match("cancer study on product recall", 5)
	if len(got) != 2 || got[0].ID != "pubmed" || got[1].ID != "fda-recalls" {
		t.Fatalf("Match = %+v, want [pubmed fda-recalls]", got)
	}
	if got := reg.Match("cancer study on product recall", 1); len(got) != 1 {
		t.Fatalf("limit ignored: %+v", got)
	}
}

func TestMatchWholeTagBeatsPartial(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), `{
	  "version": 1,
	  "sources": [
	    {"id": "partial", "name": "P", "description": "d", "tags": ["bottled soda"]},
	    {"id": "whole", "name": "W", "description": "d", "tags": ["bottled water"]}
	  ]
	}`)
	reg := NewRegistry(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := reg.Match("microplastics in bottled water", 5)
	if len(got) != 2 || got[0].ID != "whole" {
		t.Fatalf("Match = %+v, want whole-tag match first", got)
	}
}

func TestReloadKeepsPreviousOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, registryJSON)
	reg := NewRegistry(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatalf("Reload accepted broken file")
	}
	if reg.Len() != 3 {
		t.Fatalf("previous contents lost, Len = %d", reg.Len())
	}
}

func TestFormatForTask(t *testing.T) {
	reg := loadedRegistry(t)
	block := FormatForTask(reg.Match("lead in water", 5))
	for _, want := range []string{"RECOMMENDED SOURCES", "EPA ECHO", "https://echo.epa.gov", "example: facility discharge lead"} {
		if !strings.Contains(block, want) {
			t.Fatalf("block missing %q:\n%s", want, block)
		}
	}
	if FormatForTask(nil) != "" {
		t.Fatalf("empty match must render nothing")
	}
}

func TestUpsertAppendsAndReplacesInPlace(t *testing.T) {
	reg := loadedRegistry(t)

	err := reg.Upsert(Source{ID: "osha", Name: "OSHA", Description: "workplace safety", Tags: []string{"safety"}})
	if err != nil {
		t.Fatalf("Upsert(new): %v", err)
	}
	all := reg.Sources()
	if len(all) != 4 || all[3].ID != "osha" {
		t.Fatalf("new source must append: %+v", all)
	}

	err = reg.Upsert(Source{ID: "epa-echo", Name: "EPA ECHO v2", Description: "updated", Tags: []string{"epa"}})
	if err != nil {
		t.Fatalf("Upsert(existing): %v", err)
	}
	all = reg.Sources()
	if len(all) != 4 || all[1].ID != "epa-echo" || all[1].Name != "EPA ECHO v2" {
		t.Fatalf("existing source must replace in place: %+v", all)
	}

	// A fresh registry reading the same file sees the persisted state.
	fresh := NewRegistry(reg.Path(), nil)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load after Upsert: %v", err)
	}
	if fresh.Len() != 4 {
		t.Fatalf("persisted Len = %d", fresh.Len())
	}
	s, err := fresh.Get("epa-echo")
	if err != nil || s.Name != "EPA ECHO v2" {
		t.Fatalf("persisted Get = %+v, %v", s, err)
	}
	raw, err := os.ReadFile(reg.Path())
	if err != nil {
		t.Fatalf("read registry file: %v", err)
	}
	if !strings.Contains(string(raw), `"version": 1`) {
		t.Fatalf("rewrite dropped the version field:\n%s", raw)
	}
}

func TestUpsertValidates(t *testing.T) {
	reg := loadedRegistry(t)
	if err := reg.Upsert(Source{Name: "no id"}); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("missing id err = %v", err)
	}
	if err := reg.Upsert(Source{ID: "x"}); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("missing name err = %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("rejected upsert mutated registry, Len = %d", reg.Len())
	}
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	reg := loadedRegistry(t)
	if err := reg.Delete("epa-echo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all := reg.Sources()
	if len(all) != 2 || all[0].ID != "pubmed" || all[1].ID != "fda-recalls" {
		t.Fatalf("Delete must preserve order of the rest: %+v", all)
	}
	if _, err := reg.Get("epa-echo"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("deleted source still resolvable: %v", err)
	}

	fresh := NewRegistry(reg.Path(), nil)
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load after Delete: %v", err)
	}
	if fresh.Len() != 2 {
		t.Fatalf("persisted Len = %d", fresh.Len())
	}

	if err := reg.Delete("ghost"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("Delete(ghost) err = %v", err)
	}
}

func TestWatcherReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, registryJSON)
	reg := NewRegistry(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan int, 4)
	w, err := NewWatcher(reg, func(n int) { reloaded <- n }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Replace the file the way the store does: write a temp file, then
	// rename over the target.
	next := strings.Replace(registryJSON, `"version": 1`, `"version": 2`, 1)
	tmp := filepath.Join(dir, ".sources.json.tmp")
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case n := <-reloaded:
		if n != 3 {
			t.Fatalf("reloaded count = %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher never reloaded after rename")
	}
}
