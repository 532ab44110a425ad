package providers

import "context"

// Lookup is the remote source of authoritative entity lists.
//
//go:generate mockgen -source=types.go -destination=mocks/mock_lookup.go -package=mocks
type Lookup interface {
	// ListCategories returns every category (narrative) name in service order.
	ListCategories(ctx context.Context) ([]string, error)
	// ListPlatforms returns every platform slug in service order.
	ListPlatforms(ctx context.Context) ([]string, error)
	// SearchTokens runs a free-text token search ordered by market cap, largest first.
	SearchTokens(ctx context.Context, query string, limit int) ([]TokenHit, error)
}

type TokenHit struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}
