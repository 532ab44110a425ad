package entity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sahilm/fuzzy"

	"github.com/ggonzalez94/trendmoon-cli/internal/id"
	"github.com/ggonzalez94/trendmoon-cli/internal/providers"
)

type Kind string

const (
	KindCategory Kind = "category"
	KindPlatform Kind = "platform"
	KindToken    Kind = "token"
)

// Entity is a canonical name together with every alias that resolves to it.
type Entity struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// TokenSearcher is the slice of the remote lookup used for dynamic token discovery.
type TokenSearcher interface {
	SearchTokens(ctx context.Context, query string, limit int) ([]providers.TokenHit, error)
}

// table is immutable once published; writers build a new one and swap it in.
type table struct {
	entities []Entity
	names    map[string]string
	order    []string
}

func newTable(entities []Entity) *table {
	t := &table{
		entities: make([]Entity, 0, len(entities)),
		names:    make(map[string]string),
	}
	for _, e := range entities {
		t.insert(e)
	}
	return t
}

func (t *table) insert(e Entity) {
	t.entities = append(t.entities, e)
	for _, alias := range e.Aliases {
		if _, exists := t.names[alias]; !exists {
			t.order = append(t.order, alias)
		}
		t.names[alias] = e.Name
	}
}

// with returns a copy of t extended by e.
func (t *table) with(e Entity) *table {
	next := &table{
		entities: append(make([]Entity, 0, len(t.entities)+1), t.entities...),
		names:    make(map[string]string, len(t.names)+len(e.Aliases)),
		order:    append(make([]string, 0, len(t.order)+len(e.Aliases)), t.order...),
	}
	for k, v := range t.names {
		next.names[k] = v
	}
	next.insert(e)
	return next
}

func (t *table) exact(term string) (string, bool) {
	name, ok := t.names[term]
	return name, ok
}

// scan is the substring fallback: first alias, in insertion order, that contains
// the term or is contained by it.
func (t *table) scan(term string) (string, bool) {
	for _, alias := range t.order {
		if strings.Contains(alias, term) || strings.Contains(term, alias) {
			return t.names[alias], true
		}
	}
	return "", false
}

// Index maps aliases to canonical names for categories, platforms and tokens.
// Reads are lock-free; each kind's table is replaced wholesale on rebuild.
type Index struct {
	tables Tables
	search TokenSearcher
	log    zerolog.Logger

	category atomic.Pointer[table]
	platform atomic.Pointer[table]
	token    atomic.Pointer[table]

	// tokenMu serialises copy-on-write token inserts.
	tokenMu sync.Mutex
}

// NewIndex returns an index whose token table holds the seed tokens. A nil search
// disables remote token discovery.
func NewIndex(tables Tables, search TokenSearcher, log zerolog.Logger) *Index {
	x := &Index{tables: tables, search: search, log: log}
	x.token.Store(newTable(x.seedTokens()))
	return x
}

func (x *Index) slot(kind Kind) *atomic.Pointer[table] {
	switch kind {
	case KindCategory:
		return &x.category
	case KindPlatform:
		return &x.platform
	case KindToken:
		return &x.token
	default:
		return nil
	}
}

// Rebuild replaces the category or platform table with one built from names. When
// two names produce the same alias the later name wins. The token table only grows,
// so a token rebuild is ignored.
func (x *Index) Rebuild(kind Kind, names []string) {
	if kind == KindToken {
		x.log.Warn().Int("names", len(names)).Msg("token table cannot be rebuilt, ignoring")
		return
	}
	slot := x.slot(kind)
	if slot == nil {
		return
	}
	entities := make([]Entity, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		entities = append(entities, x.buildEntity(kind, name))
	}
	slot.Store(newTable(entities))
}

func (x *Index) buildEntity(kind Kind, name string) Entity {
	var aliases []string
	if kind == KindPlatform {
		aliases = platformAliases(name, x.tables.PlatformSynonyms)
	} else {
		aliases = categoryAliases(name, x.tables.CategorySynonyms)
	}
	return Entity{ID: id.Slug(name), Name: name, Aliases: aliases}
}

func (x *Index) seedTokens() []Entity {
	out := make([]Entity, 0, len(x.tables.SeedTokens))
	for _, seed := range x.tables.SeedTokens {
		out = append(out, x.tokenEntity(seed.ID, seed.Name, seed.Symbol))
	}
	return out
}

func (x *Index) tokenEntity(tokenID, name, symbol string) Entity {
	entityID := strings.TrimSpace(tokenID)
	if entityID == "" {
		entityID = id.Slug(name)
	}
	return Entity{
		ID:      entityID,
		Name:    name,
		Aliases: tokenAliases(tokenID, name, symbol, x.tables.CategorySynonyms),
	}
}

// Resolve looks query up in the table for kind: exact alias first, then substring
// containment. It never consults the remote service.
func (x *Index) Resolve(kind Kind, query string) (string, bool) {
	switch kind {
	case KindPlatform:
		return x.ResolvePlatform(query)
	default:
		return x.resolveLocal(kind, query)
	}
}

func (x *Index) resolveLocal(kind Kind, query string) (string, bool) {
	slot := x.slot(kind)
	if slot == nil {
		return "", false
	}
	t := slot.Load()
	term := id.Normalize(query)
	if t == nil || term == "" {
		return "", false
	}
	if name, ok := t.exact(term); ok {
		return name, true
	}
	return t.scan(term)
}

func (x *Index) ResolveCategory(query string) (string, bool) {
	return x.resolveLocal(KindCategory, query)
}

// ResolvePlatform checks the ticker disambiguation table between the exact match
// and the substring scan, so "sol" lands on a platform and "dot" on nothing.
func (x *Index) ResolvePlatform(query string) (string, bool) {
	t := x.platform.Load()
	term := id.Normalize(query)
	if t == nil || term == "" {
		return "", false
	}
	if name, ok := t.exact(term); ok {
		return name, true
	}
	if target, ok := x.tables.PlatformDisambiguation[term]; ok {
		if target == "" {
			return "", false
		}
		return target, true
	}
	return t.scan(term)
}

// ResolveToken matches against known tokens, then falls back to a top-1 remote
// search by market cap. Remote hits are added to the token table.
func (x *Index) ResolveToken(ctx context.Context, query string) (string, bool) {
	if name, ok := x.resolveLocal(KindToken, query); ok {
		return name, true
	}
	term := strings.TrimSpace(query)
	if term == "" || x.search == nil {
		return "", false
	}

	hits, err := x.search.SearchTokens(ctx, term, 1)
	if err != nil {
		x.log.Warn().Err(err).Str("query", term).Msg("token search failed")
		return "", false
	}
	if len(hits) == 0 || strings.TrimSpace(hits[0].Name) == "" {
		x.log.Debug().Str("query", term).Msg("token search returned no match")
		return "", false
	}

	hit := hits[0]
	e := x.tokenEntity(hit.ID, strings.TrimSpace(hit.Name), hit.Symbol)
	x.addToken(e)
	x.log.Debug().Str("query", term).Str("token", e.Name).Str("id", e.ID).Msg("token discovered via search")
	return e.Name, true
}

func (x *Index) addToken(e Entity) {
	x.tokenMu.Lock()
	defer x.tokenMu.Unlock()
	x.token.Store(x.token.Load().with(e))
}

// Entities returns the canonical entities for kind in insertion order.
func (x *Index) Entities(kind Kind) []Entity {
	slot := x.slot(kind)
	if slot == nil {
		return nil
	}
	t := slot.Load()
	if t == nil {
		return nil
	}
	return append([]Entity(nil), t.entities...)
}

func (x *Index) Names(kind Kind) []string {
	entities := x.Entities(kind)
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Name)
	}
	return out
}

// Suggest returns up to limit canonical names that fuzzily match query.
func (x *Index) Suggest(kind Kind, query string, limit int) []string {
	term := id.Normalize(query)
	if term == "" || limit <= 0 {
		return nil
	}
	names := x.Names(kind)
	matches := fuzzy.Find(term, lowerAll(names))
	out := make([]string, 0, limit)
	seen := map[string]struct{}{}
	for _, m := range matches {
		name := names[m.Index]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		if len(out) == limit {
			break
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = id.Normalize(s)
	}
	return out
}
