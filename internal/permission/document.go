package permission

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Document is the loaded policy document consulted in allow-all mode.
// Tools matching DeniedTools stay blocked even when everything else is
// auto-allowed. Patterns support * wildcards ("github_*").
type Document struct {
	DeniedTools []string `yaml:"denied_tools"`

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// LoadDocument reads a policy document from a YAML file. A missing path
// yields an empty document rather than an error: allow-all with no
// blacklist is a valid configuration.
func LoadDocument(path string) (*Document, error) {
	doc := &Document{}
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read policy document %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse policy document %s: %w", path, err)
	}
	return doc, nil
}

// Denies reports whether toolName matches any denied-tool pattern.
func (d *Document) Denies(toolName string) bool {
	d.mu.RLock()
	patterns := d.DeniedTools
	d.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(toolName))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if name == pattern {
			return true
		}
		if strings.Contains(pattern, "*") && d.matchWildcard(name, pattern) {
			return true
		}
	}
	return false
}

// Replace swaps in the denied-tool list from a freshly loaded document.
// Used by the config watcher to hot-reload the blacklist.
func (d *Document) Replace(next *Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeniedTools = next.DeniedTools
	d.cache = nil
}

func (d *Document) matchWildcard(name, pattern string) bool {
	d.mu.Lock()
	if d.cache == nil {
		d.cache = make(map[string]*regexp.Regexp)
	}
	re, ok := d.cache[pattern]
	if !ok {
		escaped := regexp.QuoteMeta(pattern)
		compiled, err := regexp.Compile("^" + strings.ReplaceAll(escaped, `\*`, ".*") + "$")
		if err != nil {
			d.mu.Unlock()
			return false
		}
		re = compiled
		d.cache[pattern] = re
	}
	d.mu.Unlock()
	return re.MatchString(name)
}
