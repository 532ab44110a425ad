// Package pipeline canonicalises the entity and timeframe fields of a tool
// argument bag before it reaches the market-data API.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/timeframe"
)

const defaultSuggestions = 3

// Args is a loosely typed argument bag keyed by field name.
type Args map[string]any

var (
	CategoryFields  = []string{"category", "narrative", "category_name"}
	PlatformFields  = []string{"chain", "platform"}
	TokenFields     = []string{"token", "token_name"}
	TimeframeFields = []string{"time_period", "timeframe"}
)

// Rejection describes the first field that could not be resolved.
type Rejection struct {
	Field       string   `json:"field"`
	Kind        string   `json:"kind"`
	Value       string   `json:"value"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("unknown %s %q in field %s", r.Kind, r.Value, r.Field)
	switch {
	case len(r.Suggestions) > 0:
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(r.Suggestions, ", "))
	case r.Kind == "timeframe":
		msg += " (use formats like 7d, 2w or 1m)"
	}
	return msg
}

// EntitySource is the cache the resolver keeps fresh before resolving.
type EntitySource interface {
	EnsureFresh(ctx context.Context) (entity.Source, error)
	Initialized() bool
}

type Options struct {
	Now         func() time.Time
	Logger      zerolog.Logger
	Suggestions int
}

type Resolver struct {
	cache       EntitySource
	index       *entity.Index
	now         func() time.Time
	log         zerolog.Logger
	suggestions int
}

func New(cache EntitySource, index *entity.Index, opts Options) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Suggestions <= 0 {
		opts.Suggestions = defaultSuggestions
	}
	return &Resolver{
		cache:       cache,
		index:       index,
		now:         opts.Now,
		log:         opts.Logger,
		suggestions: opts.Suggestions,
	}
}

// Resolve returns a copy of in with every recognised field replaced by its canonical
// form. A resolved timeframe also sets start_date and end_date. The first field that
// does not resolve aborts with a CodeNotFound error wrapping a *Rejection.
func (r *Resolver) Resolve(ctx context.Context, in Args) (Args, error) {
	out := make(Args, len(in)+2)
	for k, v := range in {
		out[k] = v
	}

	ready := true
	if hasAny(in, CategoryFields, PlatformFields, TokenFields) {
		src, err := r.cache.EnsureFresh(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("entity cache refresh failed")
		}
		ready = r.cache.Initialized()
		r.log.Debug().Str("source", string(src)).Bool("initialized", ready).Msg("entity cache checked")
	}

	for _, field := range CategoryFields {
		if err := r.resolveField(out, field, entity.KindCategory, ready, func(v string) (string, bool) {
			return r.index.ResolveCategory(v)
		}); err != nil {
			return nil, err
		}
	}
	for _, field := range PlatformFields {
		if err := r.resolveField(out, field, entity.KindPlatform, ready, r.index.ResolvePlatform); err != nil {
			return nil, err
		}
	}
	for _, field := range TokenFields {
		if err := r.resolveField(out, field, entity.KindToken, ready, func(v string) (string, bool) {
			return r.index.ResolveToken(ctx, v)
		}); err != nil {
			return nil, err
		}
	}
	for _, field := range TimeframeFields {
		value, ok, err := stringField(out, field, "timeframe")
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rng, ok := timeframe.ParseAt(value, r.now().UTC())
		if !ok {
			return nil, reject(&Rejection{Field: field, Kind: "timeframe", Value: value})
		}
		out["start_date"] = rng.Start.UTC().Format(time.RFC3339)
		out["end_date"] = rng.End.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (r *Resolver) resolveField(out Args, field string, kind entity.Kind, ready bool, resolve func(string) (string, bool)) error {
	value, ok, err := stringField(out, field, string(kind))
	if err != nil || !ok {
		return err
	}
	if ready {
		if canonical, ok := resolve(value); ok {
			r.log.Debug().Str("field", field).Str("value", value).Str("resolved", canonical).Msg("field resolved")
			out[field] = canonical
			return nil
		}
	}
	return reject(&Rejection{
		Field:       field,
		Kind:        string(kind),
		Value:       value,
		Suggestions: r.index.Suggest(kind, value, r.suggestions),
	})
}

func reject(rejection *Rejection) error {
	return clierr.Wrap(clierr.CodeNotFound, "resolve arguments", rejection)
}

// AsRejection extracts the rejection carried by err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// stringField returns the value of field, ok=false when the key is absent or null.
// A present value that is not a non-blank string is rejected.
func stringField(args Args, field, kind string) (string, bool, error) {
	raw, ok := args[field]
	if !ok || raw == nil {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false, reject(&Rejection{Field: field, Kind: kind, Value: fmt.Sprint(raw)})
	}
	return value, true, nil
}

func hasAny(args Args, groups ...[]string) bool {
	for _, fields := range groups {
		for _, field := range fields {
			if raw, ok := args[field]; ok && raw != nil {
				return true
			}
		}
	}
	return false
}
