// Package embeddings turns text into fixed-width vectors.
//
// Providers: an OpenAI-compatible API through langchaingo, a TEI server,
// local FastEmbed ONNX models (cgo builds only) and a deterministic hash
// embedder for tests and offline use. Any provider can sit behind a Redis
// cache and the resilient wrapper, which adds timeouts, retries, a circuit
// breaker, a rate limit and dimension checks.
package embeddings
