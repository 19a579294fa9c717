// Package sagex implements a client for the SAGE-X rules service speaking a
// Model Context Protocol (MCP) dialect. The client establishes a session
// against a remote rules endpoint, exchanges JSON-RPC style request, response
// and notification messages over a pluggable transport, fetches a versioned
// rule set with conditional requests, applies those rules to a per-agent
// context, and keeps that context synchronized through a server-push event
// stream.
//
// The package is organized around a small set of cooperating components: a
// byte-level Transport (HTTP, pipe, or in-memory mock), a streaming protocol
// Decoder, a SessionManager owning the connection state machine, a CacheStore
// holding the most recent rule payload, a StreamListener consuming the event
// stream, and an Engine evaluating rules against an AgentContext. Client
// composes them into the public surface.
package sagex
