// Package sandbox runs tenant-authored command handlers in isolation.
//
// Handlers are JavaScript snippets evaluated against a single inbound
// update. They get a restricted ctx object (text, sender, chat, reply
// helpers) and nothing else: no module loader, no filesystem, no network.
// A handler can only describe replies; the caller enqueues them.
//
// Two HandlerInvoker variants exist. GojaInvoker evaluates in-process with
// a fresh interpreter per call. ProcessInvoker re-executes the host binary
// as a short-lived child with kernel resource limits and talks to it over
// CBOR frames on stdin/stdout.
package sandbox
