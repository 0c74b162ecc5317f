// Package mcphub discovers, connects to, and aggregates capabilities from an
// arbitrary number of independently operated Model Context Protocol (MCP)
// servers. It layers connection lifecycle tracking, capability caching, and
// settings-file reconciliation on top of the modelcontextprotocol/go-sdk
// client so embedding applications can consume tools, prompts, and resources
// without rebuilding the MCP client plumbing.
//
// # Core entry points
//
//   - Registry hands out the shared Hub: Acquire returns a Handle, the hub is
//     built on the first acquire and torn down when the last Handle is
//     released.
//   - Hub owns every connection. ConnectServer / DeleteConnection manage
//     individual servers, UpdateServerConnections reconciles a whole desired
//     configuration against the live set, and GetTools / GetResources /
//     GetPrompts return the aggregated, cached capability lists.
//   - CallTool validates arguments against the tool's declared input schema
//     before dispatching and folds every failure into CallResult rather than
//     returning an error.
//   - SettingsWatcher observes the settings file and feeds changed
//     configuration back into the hub.
//
// Two transport variants are supported behind the Transport interface:
// StdioTransport launches a subprocess and speaks over its standard streams,
// StreamTransport opens a persistent event stream to a remote endpoint.
// Servers are declared in a JSON settings file under "mcpServers"; see
// ServerConfig for the recognized fields.
package mcphub
