// Package tenant holds hosted bots, their commands and subscribers.
//
// Registry is the in-memory view of bots and commands backed by a
// Repository. Host turns inbound platform updates into sandboxed handler
// runs and queues the replies.
package tenant
