package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"nri_digest/internal/filter"
	"nri_digest/internal/model"
)

const defaultMaxArticlesPerFetch = 20

// sourceFile is the YAML layout of the source catalogue.
type sourceFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID                  string       `yaml:"id"`
	Name                string       `yaml:"name"`
	URL                 string       `yaml:"url"`
	Type                string       `yaml:"type"`
	Category            string       `yaml:"category"`
	Active              *bool        `yaml:"active"`
	MaxArticlesPerFetch int          `yaml:"maxArticlesPerFetch"`
	Rules               []model.Rule `yaml:"rules"`
}

// LoadSources reads and validates the YAML source catalogue at path.
func LoadSources(path string) ([]model.ContentSource, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes a YAML source catalogue. Omitted fields get defaults:
// type feed, active true and 20 articles per fetch.
func ParseSources(data []byte) ([]model.ContentSource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file sourceFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	out := make([]model.ContentSource, 0, len(file.Sources))
	for i, e := range file.Sources {
		src, err := e.toSource()
		if err != nil {
			return nil, fmt.Errorf("source #%d: %w", i+1, err)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("source #%d: duplicate id %q", i+1, src.ID)
		}
		seen[src.ID] = true
		out = append(out, src)
	}
	return out, nil
}

func (e sourceEntry) toSource() (model.ContentSource, error) {
	src := model.ContentSource{
		ID:                  e.ID,
		Name:                e.Name,
		URL:                 e.URL,
		Type:                model.SourceType(e.Type),
		Category:            model.Category(e.Category),
		Active:              true,
		MaxArticlesPerFetch: e.MaxArticlesPerFetch,
		Rules:               e.Rules,
	}
	if e.Active != nil {
		src.Active = *e.Active
	}
	if src.Type == "" {
		src.Type = model.SourceFeed
	}
	if src.MaxArticlesPerFetch == 0 {
		src.MaxArticlesPerFetch = defaultMaxArticlesPerFetch
	}
	if src.Name == "" {
		src.Name = src.ID
	}

	switch {
	case src.ID == "":
		return src, fmt.Errorf("id is required")
	case src.URL == "":
		return src, fmt.Errorf("%s: url is required", src.ID)
	case src.Type != model.SourceFeed && src.Type != model.SourceAPI:
		return src, fmt.Errorf("%s: unknown type %q", src.ID, src.Type)
	case !src.Category.Valid():
		return src, fmt.Errorf("%s: unknown category %q", src.ID, src.Category)
	case src.MaxArticlesPerFetch < 0:
		return src, fmt.Errorf("%s: maxArticlesPerFetch must be positive", src.ID)
	}
	if _, err := filter.Compile(src.Rules); err != nil {
		return src, fmt.Errorf("%s: %w", src.ID, err)
	}
	return src, nil
}
