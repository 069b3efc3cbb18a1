// Package sessions owns the live state of every connected MCP client.
//
// Layers & Roles
//
//	Registry    -> id allocation, lookup and teardown; the only shared map
//	Session     -> per-client protocol state; serializes inbound submissions
//	PushChannel -> the single server-to-client notification stream of a Session
//	Handler     -> protocol method routing, supplied by the server engine
//
// # Lifecycle
//
// A Session is created by Registry.Create when a client sends an initialize
// request without a session id. It starts in StateInitializing and the
// Handler moves it to StateActive once the handshake result has been
// produced. Close moves it to StateClosed, ends its push channel and removes
// it from the Registry. Nothing is persisted: sessions end with the process.
//
// # Push channel
//
// Each Session has at most one open PushChannel:
//
//	Unopened -> Open -> Closed
//
// OpenPush enqueues an info-level notifications/message before anything
// else. A channel released by the reader (client disconnect) frees the slot
// and may be reopened. A channel failed by the reader (write error) closes
// the whole Session.
//
// # Ids
//
// Ids come from an IDGenerator (uuid.NewString by default) and are checked
// against both the live map and an optional idledger.Ledger, so an id is
// never handed out twice.
package sessions
