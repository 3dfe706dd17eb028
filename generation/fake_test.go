package generation

import (
	"context"
	"sync"

	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
)

// fakeClient scripts remote responses per call
type fakeClient struct {
	mu        sync.Mutex
	submitted []SubmitRequest
	submitErr error
	handle    string

	statuses  []*OperationStatus
	pollErrs  []error
	pollCalls int
}

func (f *fakeClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.handle == "" {
		return "operations/test-1", nil
	}
	return f.handle, nil
}

func (f *fakeClient) FetchStatus(ctx context.Context, handle string) (*OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.pollCalls
	f.pollCalls++
	if i < len(f.pollErrs) && f.pollErrs[i] != nil {
		return nil, f.pollErrs[i]
	}
	if len(f.statuses) == 0 {
		return nil, errors.New("no scripted status")
	}
	if i >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[i], nil
}

func (f *fakeClient) calls() (submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), f.pollCalls
}

func running(progress int) *OperationStatus {
	return &OperationStatus{Progress: progress}
}

func doneWith(raw string) *OperationStatus {
	resp, err := ParseNode([]byte(raw))
	if err != nil {
		panic(err)
	}
	op := Node{Kind: NodeMap, Map: map[string]Node{"response": resp}}
	return &OperationStatus{Done: true, Response: resp, Operation: op}
}

// gcsOnlyClient is a fakeClient that can only read gs:// references
type gcsOnlyClient struct {
	*fakeClient
}

func (c gcsOnlyClient) CanRead(ref artifact.Ref) bool {
	return ref.Scheme() == artifact.SchemeGCS
}
