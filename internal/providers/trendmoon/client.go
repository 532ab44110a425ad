// Package trendmoon talks to the Trendmoon MCP server for the authoritative
// category, platform and token lists.
package trendmoon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/httpx"
	"github.com/ggonzalez94/trendmoon-cli/internal/providers"
)

const (
	toolCategories = "getAllCategories"
	toolPlatforms  = "getPlatforms"
	toolSearch     = "searchCoins"

	APIKeyEnv = "TRENDMOON_API_KEY"
)

type Config struct {
	// Command starts a stdio MCP server, e.g. "node dist/index.js".
	Command string
	// URL is a streamable HTTP MCP endpoint. Command wins when both are set.
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
	Version string
}

// Client implements providers.Lookup over one lazily opened MCP session.
type Client struct {
	timeout   time.Duration
	version   string
	log       zerolog.Logger
	transport func() (mcp.Transport, error)

	mu      sync.Mutex
	session *mcp.ClientSession
}

var _ providers.Lookup = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{timeout: cfg.Timeout, version: cfg.Version, log: log}
	switch {
	case strings.TrimSpace(cfg.Command) != "":
		c.transport = func() (mcp.Transport, error) { return commandTransport(cfg) }
	case strings.TrimSpace(cfg.URL) != "":
		c.transport = func() (mcp.Transport, error) { return httpTransport(cfg), nil }
	}
	return c
}

// NewWithTransport uses a caller supplied transport for the first session.
func NewWithTransport(transport mcp.Transport, log zerolog.Logger) *Client {
	used := false
	return &Client{
		log: log,
		transport: func() (mcp.Transport, error) {
			if used {
				return nil, fmt.Errorf("transport already used")
			}
			used = true
			return transport, nil
		},
	}
}

// Configured reports whether a server command or URL was given.
func (c *Client) Configured() bool { return c.transport != nil }

func commandTransport(cfg Config) (mcp.Transport, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty server command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if cfg.APIKey != "" {
		cmd.Env = append(cmd.Env, APIKeyEnv+"="+cfg.APIKey)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func httpTransport(cfg Config) mcp.Transport {
	client := httpx.New(cfg.Timeout, cfg.Retries)
	if cfg.APIKey != "" {
		client.WithHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: client.HTTPClient()}
}

func (c *Client) connect(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if c.transport == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "remote lookup not configured")
	}
	transport, err := c.transport()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "build trendmoon transport", err)
	}
	version := c.version
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "trendmoon-cli", Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect trendmoon server", err)
	}
	c.log.Debug().Msg("trendmoon session established")
	c.session = session
	return session, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *Client) drop(session *mcp.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == session {
		_ = session.Close()
		c.session = nil
	}
}

func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		// The session may be broken; the next call reconnects.
		c.drop(session)
		return nil, clierr.Wrap(clierr.CodeUnavailable, "call trendmoon "+name, err)
	}
	c.log.Debug().Str("tool", name).Dur("elapsed", time.Since(start)).Bool("is_error", res.IsError).Msg("trendmoon tool called")
	if res.IsError {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("trendmoon %s failed: %s", name, firstText(res)))
	}
	return res, nil
}

func (c *Client) ListCategories(ctx context.Context) ([]string, error) {
	res, err := c.callTool(ctx, toolCategories, map[string]any{})
	if err != nil {
		return nil, err
	}
	names, err := decodeNames(res, "categories")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode trendmoon categories", err)
	}
	return names, nil
}

func (c *Client) ListPlatforms(ctx context.Context) ([]string, error) {
	res, err := c.callTool(ctx, toolPlatforms, map[string]any{})
	if err != nil {
		return nil, err
	}
	names, err := decodeNames(res, "platforms")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode trendmoon platforms", err)
	}
	return names, nil
}

func (c *Client) SearchTokens(ctx context.Context, query string, limit int) ([]providers.TokenHit, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := c.callTool(ctx, toolSearch, map[string]any{
		"query":          query,
		"orderBy":        "market_cap",
		"orderDirection": "desc",
		"limit":          limit,
	})
	if err != nil {
		return nil, err
	}
	hits, err := decodeTokens(res)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode trendmoon coin search", err)
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// payloads returns the candidate JSON documents of a result: structured content
// first, then each text block.
func payloads(res *mcp.CallToolResult) [][]byte {
	var out [][]byte
	if res.StructuredContent != nil {
		if buf, err := json.Marshal(res.StructuredContent); err == nil {
			out = append(out, buf)
		}
	}
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok && strings.TrimSpace(text.Text) != "" {
			out = append(out, []byte(text.Text))
		}
	}
	return out
}

func firstText(res *mcp.CallToolResult) string {
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return "no details"
}

func decodeNames(res *mcp.CallToolResult, key string) ([]string, error) {
	var lastErr error = fmt.Errorf("empty tool result")
	for _, buf := range payloads(res) {
		items, err := listItems(buf, key, "data", "results")
		if err != nil {
			lastErr = err
			continue
		}
		names := make([]string, 0, len(items))
		for _, item := range items {
			if name := itemName(item); name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}
	return nil, lastErr
}

type coinItem struct {
	ID     string `json:"id"`
	CoinID string `json:"coin_id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

func decodeTokens(res *mcp.CallToolResult) ([]providers.TokenHit, error) {
	var lastErr error = fmt.Errorf("empty tool result")
	for _, buf := range payloads(res) {
		items, err := listItems(buf, "data", "coins", "results")
		if err != nil {
			lastErr = err
			continue
		}
		hits := make([]providers.TokenHit, 0, len(items))
		for _, item := range items {
			var coin coinItem
			if err := json.Unmarshal(item, &coin); err != nil || strings.TrimSpace(coin.Name) == "" {
				continue
			}
			id := coin.ID
			if id == "" {
				id = coin.CoinID
			}
			hits = append(hits, providers.TokenHit{ID: id, Name: strings.TrimSpace(coin.Name), Symbol: coin.Symbol})
		}
		return hits, nil
	}
	return nil, lastErr
}

// listItems accepts a bare JSON array or an object holding the array under one of keys.
func listItems(buf []byte, keys ...string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			return items, nil
		}
		return nil, fmt.Errorf("object payload has none of %s", strings.Join(keys, ", "))
	default:
		return nil, fmt.Errorf("payload is not JSON: %.40q", trimmed)
	}
}

func itemName(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return strings.TrimSpace(name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Name)
	}
	return ""
}
