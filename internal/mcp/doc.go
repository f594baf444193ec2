// Package mcp serves the ragd operations as MCP tools over stdio.
//
// The server acts for a single tenant fixed when it is created, normally the
// local OS user or the subject of a configured token. Tools never take a
// tenant argument. Answers and snippets pass through the secret scrubber
// before they are returned.
package mcp
