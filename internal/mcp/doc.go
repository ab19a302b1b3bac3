// Package mcp exposes the fact store to MCP clients over stdio.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers tools for writing and reading facts, finding related
// knowledge, integrating task results and evaluating hypotheses in the
// sandbox. Fact text is scrubbed for secrets before it is stored.
package mcp
