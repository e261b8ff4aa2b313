// Package embeddings turns queries and chunks into vectors for retrieval and
// the semantic cache.
//
// Two providers exist: FastEmbed runs ONNX models in process and needs cgo;
// TEI calls a text-embeddings-inference server over HTTP.
package embeddings
