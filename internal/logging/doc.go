// Package logging provides the structured zap logger shared by the CLI
// and the MCP server.
//
// All console output goes to stderr. Stdout belongs to command output
// and, in the MCP server, to the JSON-RPC framing; a single stray log
// line there corrupts the protocol stream. The MCP entrypoint can
// additionally route logs to a file and silence the console entirely
// via MCP_LOG_FILE and MCP_DISABLE_CONSOLE_LOGGING.
//
// Loggers are context aware: the Debug/Info/Warn/Error methods accept a
// context.Context and append correlation fields (trace_id, span_id,
// project, run_id) extracted from it.
package logging
