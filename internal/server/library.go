package server

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"CircleChat/internal/session"

	"gopkg.in/yaml.v3"
)

// ErrUnknownCollection is returned for a collection the library does not hold
var ErrUnknownCollection = errors.New("unknown collection")

// Document is one citable excerpt of a collection
type Document struct {
	Title        string `yaml:"title"`
	Organization string `yaml:"organization"`
	Source       string `yaml:"source"`
	Content      string `yaml:"content"`

	terms map[string]int
}

// Collection is a named set of documents answering one topic
type Collection struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Documents   []Document `yaml:"documents"`
}

// CollectionInfo is the public description of a collection
type CollectionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Documents   int    `json:"documents"`
}

// Library holds the collections the server can answer from
type Library struct {
	order       []string
	collections map[string]*Collection
}

type libraryFile struct {
	Collections []Collection `yaml:"collections"`
}

// LoadLibrary reads a YAML collection file
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read library: %w", err)
	}
	return ParseLibrary(data)
}

// ParseLibrary builds a library from YAML
func ParseLibrary(data []byte) (*Library, error) {
	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse library: %w", err)
	}
	return NewLibrary(file.Collections)
}

// NewLibrary indexes collections for retrieval
func NewLibrary(collections []Collection) (*Library, error) {
	lib := &Library{collections: make(map[string]*Collection)}
	for i := range collections {
		c := collections[i]
		if c.Name == "" {
			return nil, fmt.Errorf("collection %d has no name", i+1)
		}
		if _, dup := lib.collections[c.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", c.Name)
		}
		for j := range c.Documents {
			doc := &c.Documents[j]
			doc.terms = make(map[string]int)
			for _, term := range terms(doc.Title) {
				doc.terms[term] += 2
			}
			for _, term := range terms(doc.Content) {
				doc.terms[term]++
			}
		}
		lib.order = append(lib.order, c.Name)
		lib.collections[c.Name] = &c
	}
	return lib, nil
}

// Has reports whether name is a known collection
func (l *Library) Has(name string) bool {
	_, ok := l.collections[name]
	return ok
}

// Collections lists the collections in file order
func (l *Library) Collections() []CollectionInfo {
	out := make([]CollectionInfo, 0, len(l.order))
	for _, name := range l.order {
		c := l.collections[name]
		out = append(out, CollectionInfo{
			Name:        c.Name,
			Description: c.Description,
			Documents:   len(c.Documents),
		})
	}
	return out
}

// Retrieve returns up to k documents of collection ranked by how many query
// terms they contain. Documents matching nothing are left out.
func (l *Library) Retrieve(collection, query string, k int) ([]session.Source, error) {
	c, ok := l.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	type scored struct {
		doc   *Document
		score int
	}
	var hits []scored
	queryTerms := terms(query)
	for i := range c.Documents {
		doc := &c.Documents[i]
		score := 0
		for _, term := range queryTerms {
			score += doc.terms[term]
		}
		if score > 0 {
			hits = append(hits, scored{doc: doc, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	sources := make([]session.Source, 0, len(hits))
	for _, h := range hits {
		src := session.Source{
			Content: h.doc.Content,
			Metadata: session.SourceMetadata{
				Title:        h.doc.Title,
				Organization: h.doc.Organization,
			},
		}
		if h.doc.Source != "" {
			u := h.doc.Source
			src.Metadata.Source = &u
		}
		sources = append(sources, src)
	}
	return sources, nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "what": true,
	"how": true, "can": true, "does": true, "with": true, "this": true, "that": true,
	"from": true, "have": true, "has": true, "you": true, "your": true, "about": true,
	"why": true, "when": true, "which": true, "who": true, "any": true, "there": true,
}

// terms splits text into lower-case words of three letters or more
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
