// Package store is the local, file-backed cache of contacts, messages and image
// blobs. DB holds the SQL for every operation; Store queues all calls through a
// single worker so that callers never interleave.
package store
