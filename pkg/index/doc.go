// Package index is the semantic index adapter: it turns memory text
// into vectors through an Embedder and keeps them in a VectorStore
// that answers filtered top-k similarity queries. The default setup is
// fully in-process (hash embedder, brute-force store); an ollama
// endpoint can supply real embeddings without touching callers.
package index
