package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ongarde/ongarde/internal/domain/scan"
)

// AllowlistEntry is one suppression, a variant over exactly one of
// text_contains / regex / rule_id.
type AllowlistEntry struct {
	TextContains string `yaml:"text_contains,omitempty"`
	Regex        string `yaml:"regex,omitempty"`
	RuleID       string `yaml:"rule_id,omitempty"`
	Reason       string `yaml:"reason,omitempty"`
}

type compiledEntry struct {
	src   AllowlistEntry
	regex *regexp.Regexp
	label string
}

// Allowlist downgrades BLOCK decisions that an operator has explicitly
// suppressed. The set is hot-reloaded from a YAML file; readers work on
// a copy-on-write snapshot so matching never waits on a reload.
type Allowlist struct {
	path   string
	logger *slog.Logger

	mu           sync.RWMutex
	entries      []compiledEntry
	lastReloadAt time.Time
}

// NewAllowlist creates an allowlist bound to path. Call Load before
// serving traffic and Watch to pick up edits.
func NewAllowlist(path string, logger *slog.Logger) *Allowlist {
	return &Allowlist{path: path, logger: logger}
}

// Load reads and compiles the file, replacing the active set. A missing
// file is not an error: the set becomes empty. Any parse or compile
// error leaves the previous set in force and returns the error.
// Returns the number of active entries.
func (a *Allowlist) Load() (int, error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		a.swap(nil)
		return 0, nil
	}
	if err != nil {
		return a.Count(), fmt.Errorf("read allowlist: %w", err)
	}

	var raw []AllowlistEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return a.Count(), fmt.Errorf("parse allowlist: %w", err)
	}

	compiled := make([]compiledEntry, 0, len(raw))
	for i, e := range raw {
		ce, err := compileEntry(e)
		if err != nil {
			return a.Count(), fmt.Errorf("allowlist entry %d: %w", i, err)
		}
		compiled = append(compiled, ce)
	}

	a.swap(compiled)
	return len(compiled), nil
}

func compileEntry(e AllowlistEntry) (compiledEntry, error) {
	variants := 0
	ce := compiledEntry{src: e}
	if e.TextContains != "" {
		variants++
		ce.label = "text_contains:" + e.TextContains
	}
	if e.RuleID != "" {
		variants++
		ce.label = "rule_id:" + e.RuleID
	}
	if e.Regex != "" {
		variants++
		re, err := regexp.Compile(e.Regex)
		if err != nil {
			return compiledEntry{}, fmt.Errorf("compile regex %q: %w", e.Regex, err)
		}
		ce.regex = re
		ce.label = "regex:" + e.Regex
	}
	if variants != 1 {
		return compiledEntry{}, fmt.Errorf("entry must set exactly one of text_contains, regex, rule_id (got %d)", variants)
	}
	return ce, nil
}

func (a *Allowlist) swap(entries []compiledEntry) {
	a.mu.Lock()
	a.entries = entries
	a.lastReloadAt = time.Now().UTC()
	a.mu.Unlock()
}

// Count returns the number of active entries.
func (a *Allowlist) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// LastReloadAt returns when the active set was last replaced, zero if
// never loaded.
func (a *Allowlist) LastReloadAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastReloadAt
}

// Apply downgrades a blocking result if any entry matches: text_contains
// as a substring of the redacted excerpt, regex against the excerpt, or
// rule_id equality. First match wins. System rule ids (scanner failures)
// are never suppressed. Non-blocking results pass through untouched.
func (a *Allowlist) Apply(res scan.ScanResult) scan.ScanResult {
	if !res.Decision.Blocking() {
		return res
	}
	if _, system := scan.SystemRuleIDs[res.RuleID]; system {
		return res
	}

	a.mu.RLock()
	entries := a.entries
	a.mu.RUnlock()

	for _, e := range entries {
		if !e.matches(res) {
			continue
		}
		res.SuppressedByAllowlist = true
		res.AllowlistRule = e.label
		res.SuppressionHint = ""
		return res
	}
	return res
}

func (e compiledEntry) matches(res scan.ScanResult) bool {
	switch {
	case e.src.RuleID != "":
		return e.src.RuleID == res.RuleID
	case e.src.TextContains != "":
		return strings.Contains(res.Excerpt, e.src.TextContains)
	case e.regex != nil:
		return e.regex.MatchString(res.Excerpt)
	default:
		return false
	}
}

// Watch reloads the file on change until done is closed. The parent
// directory is watched rather than the file so editor save-by-rename
// and later file creation are both caught.
func (a *Allowlist) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist watcher: %w", err)
	}
	dir := filepath.Dir(a.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(a.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				count, err := a.Load()
				if err != nil {
					a.logger.Warn("allowlist reload failed, previous set kept",
						"path", a.path, "error", err)
					continue
				}
				a.logger.Info("allowlist reloaded", "path", a.path, "entries", count)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("allowlist watcher error", "error", err)
			}
		}
	}()
	return nil
}
