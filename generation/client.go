// Package generation drives remote long-running video generation: it
// uploads reference artifacts, submits operations, and resolves job status
// on demand when a caller polls.
package generation

import (
	"context"

	"github.com/ekho-app/ekho/artifact"
)

// SubmitRequest is everything the remote service needs to start a job
type SubmitRequest struct {
	Prompt           string
	References       []artifact.Ref
	OutputPrefix     string
	DurationSeconds  int
	AspectRatio      string
	PersonGeneration string
	SampleCount      int
}

// OperationStatus is one observation of a remote operation
type OperationStatus struct {
	Done bool
	// Error is the remote error, verbatim, when the operation finished unsuccessfully
	Error string
	// Progress is the remote's own estimate (0 when it gives none)
	Progress  int
	Response  Node
	Operation Node
}

// RemoteClient talks to a long-running generation service
type RemoteClient interface {
	// Submit starts an operation and returns its opaque handle
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// FetchStatus reports the current state of the operation
	FetchStatus(ctx context.Context, handle string) (*OperationStatus, error)
}

// ReferenceReader is implemented by remote clients that can only read some
// kinds of stored reference. CreateJob refuses references a client cannot
// read before anything is submitted.
type ReferenceReader interface {
	CanRead(ref artifact.Ref) bool
}
