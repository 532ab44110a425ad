package entity

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/trendmoon-cli/internal/id"
)

//go:embed tables.yaml
var defaultTables []byte

// Tables holds the hand-curated alias data. It is loaded from YAML so new chains
// and categories can be added without a rebuild.
type Tables struct {
	CategorySynonyms       map[string][]string `yaml:"category_synonyms"`
	PlatformSynonyms       map[string][]string `yaml:"platform_synonyms"`
	PlatformDisambiguation map[string]string   `yaml:"platform_disambiguation"`
	SeedTokens             []SeedToken         `yaml:"seed_tokens"`
}

type SeedToken struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
}

// DefaultTables returns the tables compiled into the binary.
func DefaultTables() Tables {
	tables, err := ParseTables(defaultTables)
	if err != nil {
		panic(fmt.Sprintf("embedded alias tables are invalid: %v", err))
	}
	return tables
}

// LoadTables reads a tables document from path, or the embedded one when path is empty.
func LoadTables(path string) (Tables, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTables(), nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read alias tables: %w", err)
	}
	return ParseTables(buf)
}

func ParseTables(buf []byte) (Tables, error) {
	var raw Tables
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return Tables{}, fmt.Errorf("parse alias tables yaml: %w", err)
	}

	tables := Tables{
		CategorySynonyms:       normalizeSynonyms(raw.CategorySynonyms),
		PlatformSynonyms:       normalizeSynonyms(raw.PlatformSynonyms),
		PlatformDisambiguation: make(map[string]string, len(raw.PlatformDisambiguation)),
		SeedTokens:             make([]SeedToken, 0, len(raw.SeedTokens)),
	}
	for term, target := range raw.PlatformDisambiguation {
		key := id.Normalize(term)
		if key == "" {
			return Tables{}, fmt.Errorf("platform_disambiguation: empty term")
		}
		tables.PlatformDisambiguation[key] = strings.TrimSpace(target)
	}
	for i, seed := range raw.SeedTokens {
		if strings.TrimSpace(seed.Name) == "" {
			return Tables{}, fmt.Errorf("seed_tokens[%d]: name is required", i)
		}
		tables.SeedTokens = append(tables.SeedTokens, SeedToken{
			ID:     strings.TrimSpace(seed.ID),
			Name:   strings.TrimSpace(seed.Name),
			Symbol: strings.TrimSpace(seed.Symbol),
		})
	}
	return tables, nil
}

func normalizeSynonyms(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for key, aliases := range in {
		norm := id.Normalize(key)
		if norm == "" {
			continue
		}
		for _, alias := range aliases {
			if a := id.Normalize(alias); a != "" {
				out[norm] = append(out[norm], a)
			}
		}
	}
	return out
}
