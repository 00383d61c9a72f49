// Package mcp serves the three retrieval tools over the Model Context
// Protocol. The SDK owns JSON-RPC 2.0 framing, initialize, tools/list,
// tools/call dispatch, and id echo on the stdio transport; this package
// wires typed tool handlers to the search service. Stdout carries only
// protocol frames, so all logging goes to stderr or MCP_LOG_FILE.
package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/search"
)

// DefaultTimeout bounds one tool call end to end: the query embedding
// plus every vector store round trip it needs.
const DefaultTimeout = 60 * time.Second

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name advertised during initialize.
	Name string

	// Version is the advertised server version.
	Version string

	// Timeout is the per-tool-call budget.
	Timeout time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "qloader-mcp",
		Version: "dev",
		Timeout: DefaultTimeout,
		Logger:  logging.NewNop(),
	}
}

// Server dispatches MCP tool calls to the search service.
type Server struct {
	mcp     *mcp.Server
	search  *search.Service
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics
}

// NewServer builds the server and registers the search, hierarchy
// search, and attachment search tools.
func NewServer(cfg *Config, svc *search.Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, errkind.New(errkind.Config, "mcp: search service is required")
	}
	if cfg.Name == "" {
		cfg.Name = "qloader-mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		search:  svc,
		timeout: cfg.Timeout,
		logger:  logger.Named("mcp"),
		metrics: newMetrics(logger),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "serving MCP over stdio",
		zap.Duration("tool_timeout", s.timeout))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errkind.Wrap(errkind.Server, err)
	}
	return nil
}
