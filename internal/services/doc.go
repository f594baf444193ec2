// Package services builds the ragd component graph from configuration and
// owns its lifecycle.
//
// Build wires the ledger, vector store, embedder, generator chain, scrubber
// and event publisher into a rag.Service. Start runs the background workers
// and Close tears everything down in reverse order.
package services
