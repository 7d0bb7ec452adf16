// Package app assembles the CLI's dependency container and dispatches
// commands. Every command runs through the same entitlement gate: feature
// check, limit check, the gated work, then explicit usage recording.
package app
