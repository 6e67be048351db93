package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go-sd-launcher/internal/models"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidCatalog   = errors.New("invalid catalog")
	ErrUnknownSelection = errors.New("unknown catalog entry")
)

// File is one downloadable artifact of an entry. Name is optional.
type File struct {
	URL  string `toml:"url"`
	Name string `toml:"name"`
}

// Entry is a named selection that may expand to several files.
type Entry struct {
	Name  string `toml:"name"`
	Files []File `toml:"files"`
}

type document struct {
	Model      []Entry `toml:"model"`
	VAE        []Entry `toml:"vae"`
	Lora       []Entry `toml:"lora"`
	ControlNet []Entry `toml:"controlnet"`
	Embedding  []Entry `toml:"embedding"`
}

// Catalog is read-only after Load; accessors hand out copies.
type Catalog struct {
	entries map[models.Category][]Entry
}

// Load reads a catalog TOML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes catalog TOML and validates every entry.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	c := &Catalog{entries: map[models.Category][]Entry{
		models.CategoryCheckpoint: doc.Model,
		models.CategoryVAE:        doc.VAE,
		models.CategoryLoRA:       doc.Lora,
		models.CategoryControlNet: doc.ControlNet,
		models.CategoryEmbedding:  doc.Embedding,
	}}
	for cat, entries := range c.entries {
		seen := map[string]bool{}
		for _, e := range entries {
			if strings.TrimSpace(e.Name) == "" {
				return nil, fmt.Errorf("%w: %s entry without a name", ErrInvalidCatalog, cat)
			}
			if seen[e.Name] {
				return nil, fmt.Errorf("%w: duplicate %s entry %q", ErrInvalidCatalog, cat, e.Name)
			}
			seen[e.Name] = true
			if len(e.Files) == 0 {
				return nil, fmt.Errorf("%w: %s entry %q has no files", ErrInvalidCatalog, cat, e.Name)
			}
			for _, f := range e.Files {
				if f.URL == "" {
					return nil, fmt.Errorf("%w: %s entry %q has a file without url", ErrInvalidCatalog, cat, e.Name)
				}
			}
		}
	}
	return c, nil
}

// Names lists entry names of a category in file order.
func (c *Catalog) Names(cat models.Category) []string {
	entries := c.entries[cat]
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// Lookup finds an entry by exact name or by its leading number ("3" matches
// "3. Cetus-Mix").
func (c *Catalog) Lookup(cat models.Category, name string) (Entry, bool) {
	name = strings.TrimSpace(name)
	for _, e := range c.entries[cat] {
		if e.Name == name || strings.HasPrefix(e.Name, name+".") {
			return copyEntry(e), true
		}
	}
	return Entry{}, false
}

// Select resolves a list of selections. "ALL" picks every entry, "none" and
// empty strings are skipped.
func (c *Catalog) Select(cat models.Category, selections []string) ([]Entry, error) {
	var out []Entry
	for _, sel := range selections {
		sel = strings.TrimSpace(sel)
		switch {
		case sel == "" || strings.EqualFold(sel, "none"):
			continue
		case strings.EqualFold(sel, "all"):
			for _, e := range c.entries[cat] {
				out = append(out, copyEntry(e))
			}
			continue
		}
		e, ok := c.Lookup(cat, sel)
		if !ok {
			return nil, fmt.Errorf("%w: %s %q", ErrUnknownSelection, cat, sel)
		}
		out = append(out, e)
	}
	return out, nil
}

func copyEntry(e Entry) Entry {
	e.Files = append([]File(nil), e.Files...)
	return e
}
