// Package main implements the qloader MCP server.
//
// The server speaks MCP over stdio and exposes three tools against an
// already-loaded Qdrant collection: search, hierarchy_search, and
// attachment_search. Configuration comes entirely from environment
// variables because MCP clients launch servers from per-client env
// blocks:
//
//	QDRANT_URL, QDRANT_API_KEY, QDRANT_COLLECTION_NAME
//	LLM_PROVIDER, LLM_BASE_URL, LLM_API_KEY, LLM_EMBEDDING_MODEL, LLM_VECTOR_SIZE
//	MCP_PROJECT_IDS, MCP_LOG_LEVEL, MCP_LOG_FILE, MCP_DISABLE_CONSOLE_LOGGING
//
// stdout carries protocol frames only; logs go to stderr and, when
// set, MCP_LOG_FILE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/lifecycle"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/mcp"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()
	if *showVersion {
		printVersion()
		return
	}
	os.Exit(run())
}

func printVersion() {
	fmt.Printf("qloader-mcp\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

func run() int {
	logCfg, err := logging.FromEnv("qloader-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	defer logger.Sync()

	lc := lifecycle.New(context.Background(), lifecycle.Options{Logger: logger})
	defer lc.Close()
	lc.HandleSignals()
	ctx := lc.Context()

	envCfg, err := mcp.LoadEnv()
	if err != nil {
		logger.Error(ctx, "invalid environment", zap.Error(err))
		return 2
	}

	srv, cleanup, err := envCfg.Build(ctx, &mcp.Config{
		Name:    "qloader-mcp",
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		logger.Error(ctx, "startup failed", zap.Error(err))
		if errkind.KindOf(err) == errkind.Config {
			return 2
		}
		return 1
	}
	defer cleanup()

	logger.Info(ctx, "qloader-mcp starting",
		zap.String("version", version),
		zap.String("collection", envCfg.Qdrant.CollectionName),
		zap.Strings("projects", envCfg.Projects))

	if err := srv.Run(ctx); err != nil {
		logger.Error(ctx, "server stopped", zap.Error(err))
		return 1
	}
	return 0
}
