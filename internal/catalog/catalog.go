package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed functions.yaml
var embeddedCatalog []byte

// Entry describes one spreadsheet function.
type Entry struct {
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Syntax      string   `yaml:"syntax"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Advanced    bool     `yaml:"advanced"`
}

// Catalog is a read-only, in-memory function reference. At a few
// hundred entries a linear scan per query stays well under budget.
type Catalog struct {
	entries []Entry
	byName  map[string]*Entry
}

// New builds a catalog from the given entries. Names are upper-cased
// and keywords lower-cased; entries with empty names are rejected.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		byName:  make(map[string]*Entry, len(entries)),
	}
	for i, e := range entries {
		name := strings.ToUpper(strings.TrimSpace(e.Name))
		if name == "" {
			return nil, fmt.Errorf("catalog entry %d: missing name", i)
		}
		if _, exists := c.byName[name]; exists {
			return nil, fmt.Errorf("catalog entry %d: duplicate name %s", i, name)
		}
		e.Name = name
		for k, kw := range e.Keywords {
			e.Keywords[k] = strings.ToLower(strings.TrimSpace(kw))
		}
		c.entries = append(c.entries, e)
		c.byName[name] = &c.entries[len(c.entries)-1]
	}
	return c, nil
}

// LoadEmbedded parses the catalog compiled into the binary.
func LoadEmbedded() (*Catalog, error) {
	var entries []Entry
	if err := yaml.Unmarshal(embeddedCatalog, &entries); err != nil {
		return nil, fmt.Errorf("parse embedded catalog: %w", err)
	}
	return New(entries)
}

// Len reports the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Lookup finds an entry by exact case-insensitive name.
func (c *Catalog) Lookup(name string) (*Entry, bool) {
	e, ok := c.byName[strings.ToUpper(strings.TrimSpace(name))]
	return e, ok
}

// IsAdvanced reports whether the named function carries the advanced
// tag. Unknown names are not advanced.
func (c *Catalog) IsAdvanced(name string) bool {
	e, ok := c.Lookup(name)
	return ok && e.Advanced
}

// Match is one scored search hit.
type Match struct {
	Entry *Entry
	Score int
}

// Search scoring tiers, highest strategy wins per entry.
const (
	scoreExactName   = 100
	scorePrefixName  = 80
	scoreKeyword     = 60
	scoreDescAll     = 40
	scoreDescPartial = 35
)

// Search ranks catalog entries against a free-text query. Each entry
// scores by the single best strategy that matched it: exact name,
// name prefix, keyword hit, then description token coverage. Results
// sort by score descending with name as the tie-break, truncated to
// limit.
func (c *Catalog) Search(query string, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}
	tokens := strings.Fields(q)

	matches := make([]Match, 0, 8)
	for i := range c.entries {
		e := &c.entries[i]
		if score := scoreEntry(e, q, tokens); score > 0 {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.Name < matches[j].Entry.Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func scoreEntry(e *Entry, q string, tokens []string) int {
	name := strings.ToLower(e.Name)
	if name == q {
		return scoreExactName
	}
	if strings.HasPrefix(name, q) {
		return scorePrefixName
	}

	for _, tok := range tokens {
		for _, kw := range e.Keywords {
			if kw == tok || strings.Contains(kw, tok) {
				return scoreKeyword
			}
		}
	}

	// Full description credit needs every token as an exact word;
	// substring hits ("combine" inside "combines") only earn the
	// partial score.
	desc := strings.ToLower(e.Description)
	words := descWords(desc)
	exact, any := 0, 0
	for _, tok := range tokens {
		if _, ok := words[tok]; ok {
			exact++
			any++
		} else if strings.Contains(desc, tok) {
			any++
		}
	}
	switch {
	case exact == len(tokens):
		return scoreDescAll
	case any > 0:
		return scoreDescPartial
	}
	return 0
}

func descWords(desc string) map[string]struct{} {
	fields := strings.FieldsFunc(desc, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	words := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		words[w] = struct{}{}
	}
	return words
}
