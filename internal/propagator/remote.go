package propagator

import (
	"context"
	"io"
)

// RemoteResult carries the parts of a server reply the propagator depends
// on. Absent fields stay zero.
type RemoteResult struct {
	StatusCode int
	ETag       string
	FileID     string

	// PollURL, when set after an upload, points at an asynchronous
	// server-side job that must be polled until it reports an etag.
	PollURL string
}

// Remote is the narrow transport collaborator of the propagator. Paths are
// slash-separated and relative to the remote sync root. Implementations
// report progress in transferred-byte increments.
type Remote interface {
	// Get streams the file at path into w, starting at offset for resumed
	// downloads.
	Get(ctx context.Context, path string, w io.Writer, offset int64, progress func(n int64)) (RemoteResult, error)

	// Put uploads a whole file in one request.
	Put(ctx context.Context, path string, r io.Reader, size, modtime int64, progress func(n int64)) (RemoteResult, error)

	// PutChunk uploads one block of a chunked transfer. The server
	// assembles the file once the final chunk arrives.
	PutChunk(ctx context.Context, path string, transferID uint32, chunk, totalChunks int, r io.Reader, size, modtime int64, progress func(n int64)) (RemoteResult, error)

	MkCol(ctx context.Context, path string) (RemoteResult, error)
	Move(ctx context.Context, source, destination string) (RemoteResult, error)
	Delete(ctx context.Context, path string) (RemoteResult, error)

	// Poll queries an asynchronous job; the result carries an ETag once the
	// job has finished.
	Poll(ctx context.Context, url string) (RemoteResult, error)
}
