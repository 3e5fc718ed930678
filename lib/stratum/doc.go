// Package stratum implements the connection engine of a line-delimited
// JSON-RPC (stratum) server.
//
// The engine owns listening sockets, the accept path, per-connection receive
// pipelines, the live session registry, and connection teardown. Protocol
// semantics live behind the Dispatcher interface, banning policy behind the
// BanGate interface, and request framing behind the RequestCodec interface,
// so the same engine serves any stratum-style protocol front end.
//
// Main components:
//   - Server: binds endpoints, runs one accept loop per endpoint, dispatches
//   - Session: state for one accepted TCP connection and its receive loop
//   - Registry: concurrency-safe map of live sessions by connection id
//   - Dispatcher: pluggable connect/request/disconnect policy
package stratum
