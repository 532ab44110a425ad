package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/trendmoon-cli/internal/config"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"a": 1, "b": 2}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"a"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["a"].(float64) != 1 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["b"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"name": "x", "score": 42}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "name=x") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestRenderSelectOnMap(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    map[string]any{"chain": "solana", "start_date": "2026-01-01T00:00:00Z", "limit": 5},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true, SelectFields: []string{"chain"}}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "chain=solana" {
		t.Fatalf("unexpected plain output: %q", buf.String())
	}
}

func TestRenderPlainJoinsAliasLists(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []model.EntityOption{{ID: "arbitrum-one", Name: "arbitrum-one", Aliases: []string{"arbitrum-one", "arbitrum", "arbitrum one"}}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := "aliases=arbitrum-one,arbitrum,arbitrum one id=arbitrum-one name=arbitrum-one"
	if strings.TrimSpace(buf.String()) != want {
		t.Fatalf("unexpected plain output: %q", buf.String())
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    model.RefreshResult{Source: "remote", Cache: model.CacheInfo{Initialized: true, Tokens: 14}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", ResultsOnly: true, SelectFields: []string{"source", "cache.tokens", "cache.missing"}}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["source"] != "remote" || out["cache.tokens"].(float64) != 14 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
	if _, ok := out["cache.missing"]; ok {
		t.Fatalf("missing path must be skipped: %s", buf.String())
	}
}
