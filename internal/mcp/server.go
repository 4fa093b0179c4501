// Package mcp exposes keyword and detection-policy management as Model
// Context Protocol tools, so an MCP client (an LLM agent, an IDE, or a test
// harness) can enroll keywords and tune the detector.
//
// Tools:
//
//   - list_keywords:  enrolled keywords and their pronunciations.
//   - add_keyword:    enroll a keyword from one or more IPA strings.
//   - remove_keyword: remove an enrolled keyword.
//   - get_config:     current detection policy.
//   - update_config:  partial update of the detection policy.
//   - get_stats:      detection statistics.
//
// The server is served over the streamable HTTP transport by [Handler].
// Tool failures are reported as tool errors, never as protocol errors.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
)

// ServerName is the implementation name announced to clients.
const ServerName = "glyphoxa-kws"

// Server wraps an MCP server bound to a registry and session manager.
type Server struct {
	registry *keyword.Registry
	manager  *session.Manager
	server   *mcpsdk.Server
}

// NewServer returns a Server with every management tool registered.
func NewServer(registry *keyword.Registry, manager *session.Manager, version string) *Server {
	s := &Server{
		registry: registry,
		manager:  manager,
		server:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: ServerName, Version: version}, nil),
	}

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "list_keywords",
		Description: "List enrolled keywords with their IPA pronunciations.",
	}, s.listKeywords)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "add_keyword",
		Description: "Enroll a keyword from one or more IPA pronunciation strings.",
	}, s.addKeyword)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "remove_keyword",
		Description: "Remove an enrolled keyword.",
	}, s.removeKeyword)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "get_config",
		Description: "Return the detection policy. Durations are in seconds.",
	}, s.getConfig)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "update_config",
		Description: "Update some detection parameters. Omitted fields keep their value; invalid values change nothing.",
	}, s.updateConfig)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "get_stats",
		Description: "Return detection counts, last detection times and recognition latencies.",
	}, s.getStats)

	return s
}

// Handler serves s over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.server }, nil)
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcpsdk.Server { return s.server }

type listKeywordsArgs struct{}

type listKeywordsResult struct {
	Keywords map[string][]string `json:"keywords"`
}

type addKeywordArgs struct {
	Keyword string   `json:"keyword" jsonschema:"keyword name, unique"`
	IPA     []string `json:"ipa" jsonschema:"IPA pronunciations; at least one non-blank entry"`
}

type addKeywordResult struct {
	Keyword  string   `json:"keyword"`
	IPA      []string `json:"ipa"`
	Warnings []string `json:"warnings,omitempty"`
}

type removeKeywordArgs struct {
	Keyword string `json:"keyword" jsonschema:"name of the keyword to remove"`
}

type messageResult struct {
	Message string `json:"message"`
}

type getConfigArgs struct{}

type getStatsArgs struct{}

func (s *Server) listKeywords(_ context.Context, _ *mcpsdk.CallToolRequest, _ listKeywordsArgs) (*mcpsdk.CallToolResult, listKeywordsResult, error) {
	out := listKeywordsResult{Keywords: s.registry.List()}
	return textResult(out), out, nil
}

func (s *Server) addKeyword(ctx context.Context, _ *mcpsdk.CallToolRequest, in addKeywordArgs) (*mcpsdk.CallToolResult, addKeywordResult, error) {
	kw, warnings, err := s.registry.Add(ctx, in.Keyword, in.IPA)
	if err != nil {
		return nil, addKeywordResult{}, toolError("add_keyword", err)
	}
	out := addKeywordResult{Keyword: kw.Name, IPA: kw.Pronunciations, Warnings: warnings}
	return textResult(out), out, nil
}

func (s *Server) removeKeyword(ctx context.Context, _ *mcpsdk.CallToolRequest, in removeKeywordArgs) (*mcpsdk.CallToolResult, messageResult, error) {
	if err := s.registry.Remove(ctx, in.Keyword); err != nil {
		return nil, messageResult{}, toolError("remove_keyword", err)
	}
	out := messageResult{Message: "Removed keyword: " + in.Keyword}
	return textResult(out), out, nil
}

func (s *Server) getConfig(_ context.Context, _ *mcpsdk.CallToolRequest, _ getConfigArgs) (*mcpsdk.CallToolResult, detect.View, error) {
	out := s.manager.Config().View()
	return textResult(out), out, nil
}

func (s *Server) updateConfig(_ context.Context, _ *mcpsdk.CallToolRequest, p detect.Patch) (*mcpsdk.CallToolResult, detect.View, error) {
	cfg, err := s.manager.UpdateConfig(p)
	if err != nil {
		return nil, detect.View{}, toolError("update_config", err)
	}
	out := cfg.View()
	return textResult(out), out, nil
}

func (s *Server) getStats(_ context.Context, _ *mcpsdk.CallToolRequest, _ getStatsArgs) (*mcpsdk.CallToolResult, session.StatsView, error) {
	out := s.manager.Stats().View()
	return textResult(out), out, nil
}

// textResult renders v as the JSON text content of a tool result.
func textResult(v any) *mcpsdk.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}}}
}

// toolError logs err and prefixes it with its error kind so clients can
// branch on it the way they branch on HTTP error bodies.
func toolError(tool string, err error) error {
	kind := session.Kind(err)
	slog.Debug("mcp tool failed", "tool", tool, "kind", kind, "err", err)
	return fmt.Errorf("%s: %w", kind, err)
}
