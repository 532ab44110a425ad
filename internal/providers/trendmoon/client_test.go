package trendmoon

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
)

type noArgs struct{}

type searchArgs struct {
	Query          string `json:"query"`
	OrderBy        string `json:"orderBy"`
	OrderDirection string `json:"orderDirection"`
	Limit          int    `json:"limit"`
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// startServer runs an in-memory MCP server with the given tools and returns a
// client connected to it.
func startServer(t *testing.T, register func(*mcp.Server)) *Client {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "trendmoon-test", Version: "1.0"}, nil)
	register(server)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := NewWithTransport(clientTransport, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestListCategoriesAndPlatforms(t *testing.T) {
	client := startServer(t, func(s *mcp.Server) {
		mcp.AddTool(s, &mcp.Tool{Name: toolCategories}, func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			return textResult(`["Decentralized Finance (DeFi)", {"name": "Meme"}, ""]`), nil, nil
		})
		mcp.AddTool(s, &mcp.Tool{Name: toolPlatforms}, func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content:           []mcp.Content{&mcp.TextContent{Text: "platform list"}},
				StructuredContent: map[string]any{"platforms": []string{"ethereum", "solana"}},
			}, nil, nil
		})
	})
	ctx := context.Background()

	categories, err := client.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Decentralized Finance (DeFi)", "Meme"}, categories)

	platforms, err := client.ListPlatforms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ethereum", "solana"}, platforms)
}

func TestSearchTokens(t *testing.T) {
	var got searchArgs
	client := startServer(t, func(s *mcp.Server) {
		mcp.AddTool(s, &mcp.Tool{Name: toolSearch}, func(ctx context.Context, req *mcp.CallToolRequest, in searchArgs) (*mcp.CallToolResult, any, error) {
			got = in
			return textResult(`{"data": [{"id": "pepe", "name": "Pepe", "symbol": "PEPE"}, {"coin_id": "pepe-2", "name": "Pepe 2.0", "symbol": "PEPE2"}]}`), nil, nil
		})
	})

	hits, err := client.SearchTokens(context.Background(), "pepe", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pepe", hits[0].ID)
	assert.Equal(t, "Pepe", hits[0].Name)
	assert.Equal(t, "PEPE", hits[0].Symbol)

	assert.Equal(t, searchArgs{Query: "pepe", OrderBy: "market_cap", OrderDirection: "desc", Limit: 1}, got)
}

func TestToolErrorIsUnavailable(t *testing.T) {
	client := startServer(t, func(s *mcp.Server) {
		mcp.AddTool(s, &mcp.Tool{Name: toolCategories}, func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			return nil, nil, errors.New("upstream returned 502")
		})
		mcp.AddTool(s, &mcp.Tool{Name: toolPlatforms}, func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			return textResult("not json"), nil, nil
		})
	})

	_, err := client.ListCategories(context.Background())
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUnavailable))

	_, err = client.ListPlatforms(context.Background())
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUnavailable))
}

func TestUnconfiguredClient(t *testing.T) {
	client := New(Config{}, zerolog.Nop())
	assert.False(t, client.Configured())

	_, err := client.ListCategories(context.Background())
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUnavailable))
	assert.NoError(t, client.Close())

	assert.True(t, New(Config{URL: "http://127.0.0.1:1/mcp"}, zerolog.Nop()).Configured())
}

func TestListItemsShapes(t *testing.T) {
	items, err := listItems([]byte(`{"results": ["a", "b"]}`), "data", "results")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = listItems([]byte(`{"other": []}`), "data")
	assert.Error(t, err)

	_, err = listItems([]byte(`  `))
	assert.Error(t, err)

	assert.Equal(t, "Meme", itemName([]byte(`{"name": " Meme "}`)))
	assert.Equal(t, "", itemName([]byte(`42`)))
}
