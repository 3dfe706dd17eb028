package generation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/pulse/async"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

type harness struct {
	orch   *Orchestrator
	client *fakeClient
	store  *artifact.LocalStore
}

func newHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	store, err := artifact.NewLocalStore(t.TempDir(), "http://localhost:8000", "secret", log)
	require.NoError(t, err)

	orch := NewOrchestrator(client, store, async.NewRegistry(log), Config{
		OutputURI:   "gs://ekho-out/output",
		AspectRatio: "16:9",
	}, log)
	return &harness{orch: orch, client: client, store: store}
}

func videoRequest(refs ...artifact.Input) JobRequest {
	return JobRequest{Owner: "user-1", Kind: KindVideo, Prompt: "Walk on the beach", References: refs}
}

func TestCreateJobWithoutReferencesFails(t *testing.T) {
	h := newHarness(t, &fakeClient{})

	job, err := h.orch.CreateJob(context.Background(), videoRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, async.ErrValidation))
	assert.Equal(t, async.JobStateFailed, job.State)
	assert.Empty(t, job.RemoteHandle)

	submits, _ := h.client.calls()
	assert.Zero(t, submits)

	// the failed job stays queryable
	stored, err := h.orch.Registry().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateFailed, stored.State)
}

func TestCreateJobMissingReferencesReportedFirst(t *testing.T) {
	h := newHarness(t, &fakeClient{})

	job, err := h.orch.CreateJob(context.Background(), JobRequest{Owner: "user-1", Prompt: "  "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, async.ErrValidation))
	assert.Equal(t, "no reference artifacts", job.FailureReason)
}

func TestCreateJobRejectsReferencesTheRemoteCannotRead(t *testing.T) {
	tests := []struct {
		name   string
		input  artifact.Input
		reason string
		kind   error
	}{
		{
			name:   "public url",
			input:  artifact.FromRef("https://cdn.example/face.jpg"),
			reason: "reference 1: https references are not supported",
			kind:   async.ErrValidation,
		},
		{
			name:   "local ref",
			input:  artifact.FromRef("local://users/u1/face.jpg"),
			reason: "reference 1: local references are not supported",
			kind:   async.ErrValidation,
		},
		{
			// the harness store is local, so uploads come back as local:// refs
			name:   "uploaded to local store",
			input:  artifact.FromBytes(pngHeader, "image/png"),
			reason: "artifact store produced local references",
			kind:   async.ErrPermanentSubmission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := gcsOnlyClient{&fakeClient{}}
			h := newHarness(t, client.fakeClient)
			h.orch.client = client

			job, err := h.orch.CreateJob(context.Background(), videoRequest(artifact.FromRef("gs://b/ok.jpg"), tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind))
			assert.Equal(t, async.JobStateFailed, job.State)
			assert.Contains(t, job.FailureReason, tt.reason)

			submits, _ := client.calls()
			assert.Zero(t, submits)
		})
	}
}

func TestCreateJobPassesReadableReferences(t *testing.T) {
	client := gcsOnlyClient{&fakeClient{}}
	h := newHarness(t, client.fakeClient)
	h.orch.client = client

	job, err := h.orch.CreateJob(context.Background(), videoRequest(artifact.FromRef("gs://b/a.jpg"), artifact.FromRef("gs://b/b.jpg")))
	require.NoError(t, err)
	assert.Equal(t, []string{"gs://b/a.jpg", "gs://b/b.jpg"}, job.References)
}

func TestCreateJobRequiresOwnerAndPrompt(t *testing.T) {
	h := newHarness(t, &fakeClient{})

	_, err := h.orch.CreateJob(context.Background(), JobRequest{Prompt: "p"})
	assert.True(t, errors.Is(err, async.ErrValidation))

	req := videoRequest(artifact.FromRef("gs://b/a.png"))
	req.Prompt = "  "
	job, err := h.orch.CreateJob(context.Background(), req)
	assert.True(t, errors.Is(err, async.ErrValidation))
	assert.Equal(t, async.JobStateFailed, job.State)
}

func TestCreateJobSubmits(t *testing.T) {
	client := &fakeClient{handle: "operations/42"}
	h := newHarness(t, client)

	req := videoRequest(artifact.FromBytes(pngHeader, ""))
	req.Style = "film noir"
	req.DurationHint = 30
	job, err := h.orch.CreateJob(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, async.JobStateSubmitted, job.State)
	assert.Equal(t, "operations/42", job.RemoteHandle)
	assert.Equal(t, async.ProgressNone, job.Progress)
	require.Len(t, job.References, 1)
	assert.True(t, strings.HasPrefix(job.References[0], "local://users/user-1/references/"+job.ID+"_0"))
	assert.True(t, strings.HasSuffix(job.References[0], ".png"))

	require.Len(t, client.submitted, 1)
	sent := client.submitted[0]
	assert.Equal(t, "Walk on the beach Visual style: film noir.", sent.Prompt)
	assert.Equal(t, 8, sent.DurationSeconds)
	assert.Equal(t, "gs://ekho-out/output/user-1/"+job.ID+"/", sent.OutputPrefix)
	assert.Equal(t, "16:9", sent.AspectRatio)
}

func TestCreateJobReferenceCap(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client)

	job, err := h.orch.CreateJob(context.Background(), videoRequest(
		artifact.FromRef("gs://b/stored.jpg"),
		artifact.FromBytes(pngHeader, "image/png"),
		artifact.FromRef("https://cdn.example/face.jpg"),
		artifact.FromBytes(pngHeader, "image/png"),
		artifact.FromBytes(pngHeader, "image/png"),
	))
	require.NoError(t, err)

	require.Len(t, job.References, 3)
	assert.Equal(t, "gs://b/stored.jpg", job.References[0])
	assert.True(t, strings.HasPrefix(job.References[1], "local://"))
	assert.Equal(t, "https://cdn.example/face.jpg", job.References[2])
	assert.Len(t, client.submitted[0].References, 3)
}

func TestCreateJobSubmitFailure(t *testing.T) {
	client := &fakeClient{submitErr: errors.New("API request failed with status 400: bad prompt")}
	h := newHarness(t, client)

	job, err := h.orch.CreateJob(context.Background(), videoRequest(artifact.FromRef("gs://b/a.png")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, async.ErrPermanentSubmission))
	assert.Equal(t, async.JobStateFailed, job.State)
	assert.Contains(t, job.FailureReason, "bad prompt")
}

func TestResolveStatusProgression(t *testing.T) {
	client := &fakeClient{statuses: []*OperationStatus{
		running(0),
		running(55),
		running(30),
		doneWith(`{"videos":[{"gcsUri":"https://cdn.example/out.mp4"}]}`),
	}}
	h := newHarness(t, client)
	ctx := context.Background()

	job, err := h.orch.CreateJob(ctx, videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	got, err := h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateProcessing, got.State)
	assert.Equal(t, async.ProgressProcessing, got.Progress)

	got, err = h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.Progress)

	// progress never moves backwards
	got, err = h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.Progress)

	got, err = h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateCompleted, got.State)
	assert.Equal(t, async.ProgressFinished, got.Progress)
	assert.Equal(t, "https://cdn.example/out.mp4", got.ResultRef)

	// terminal jobs are not polled again
	_, polls := client.calls()
	again, err := h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ResultRef, again.ResultRef)
	_, pollsAfter := client.calls()
	assert.Equal(t, polls, pollsAfter)
}

func TestResolveStatusRemoteError(t *testing.T) {
	client := &fakeClient{statuses: []*OperationStatus{
		{Done: true, Error: `{"code":3,"message":"prompt rejected"}`},
	}}
	h := newHarness(t, client)

	job, err := h.orch.CreateJob(context.Background(), videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	got, err := h.orch.ResolveStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateFailed, got.State)
	assert.Equal(t, `{"code":3,"message":"prompt rejected"}`, got.FailureReason)
}

func TestResolveStatusWithoutLocator(t *testing.T) {
	client := &fakeClient{statuses: []*OperationStatus{doneWith(`{"raiMediaFilteredCount":1}`)}}
	h := newHarness(t, client)

	job, err := h.orch.CreateJob(context.Background(), videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	got, err := h.orch.ResolveStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateFailed, got.State)
	assert.Contains(t, got.FailureReason, "without an artifact locator")
}

func TestResolveStatusExchangesStoredLocator(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client)
	ctx := context.Background()

	ref, err := h.store.Store(ctx, []byte("video"), "video/mp4", "output/user-1/clip.mp4")
	require.NoError(t, err)
	client.statuses = []*OperationStatus{doneWith(`{"generatedVideos":[{"uri":"` + string(ref) + `"}]}`)}

	job, err := h.orch.CreateJob(ctx, videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	got, err := h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateCompleted, got.State)
	assert.True(t, strings.HasPrefix(got.ResultRef, "http://localhost:8000/artifacts/"))
}

func TestResolveStatusTransientPollFailure(t *testing.T) {
	client := &fakeClient{
		pollErrs: []error{nil, errors.New("dial tcp: connection refused"), nil},
		statuses: []*OperationStatus{running(20), running(20), running(40)},
	}
	h := newHarness(t, client)
	ctx := context.Background()

	job, err := h.orch.CreateJob(ctx, videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	_, err = h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)

	got, err := h.orch.ResolveStatus(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, async.ErrTransientPoll))
	assert.Equal(t, async.JobStateProcessing, got.State)
	assert.Equal(t, 20, got.Progress)
	assert.True(t, got.PollError)
	assert.Contains(t, got.FailureReason, "connection refused")

	// the next successful poll clears the flag
	got, err = h.orch.ResolveStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.PollError)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, 40, got.Progress)
}

func TestResolveStatusUnknownJob(t *testing.T) {
	h := newHarness(t, &fakeClient{})
	_, err := h.orch.ResolveStatus(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestResolveStatusConcurrent(t *testing.T) {
	client := &fakeClient{statuses: []*OperationStatus{
		running(30), running(60),
		doneWith(`{"videos":[{"gcsUri":"https://cdn.example/out.mp4"}]}`),
	}}
	h := newHarness(t, client)
	ctx := context.Background()

	job, err := h.orch.CreateJob(ctx, videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.ResolveStatus(ctx, job.ID)
		}()
	}
	wg.Wait()

	got, err := h.orch.Registry().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateCompleted, got.State)
	assert.Equal(t, "https://cdn.example/out.mp4", got.ResultRef)
	assert.Equal(t, async.ProgressFinished, got.Progress)
}

func TestListJobs(t *testing.T) {
	h := newHarness(t, &fakeClient{})
	ctx := context.Background()

	first, err := h.orch.CreateJob(ctx, videoRequest(artifact.FromRef("gs://b/a.png")))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := h.orch.CreateAgedAvatar(ctx, "user-1", []artifact.Input{artifact.FromRef("gs://b/a.png")}, 5)
	require.NoError(t, err)
	assert.Equal(t, KindAvatar, second.Kind)

	jobs := h.orch.ListJobs("user-1")
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
	assert.Empty(t, h.orch.ListJobs("user-2"))
}

func TestAgedAvatarPrompt(t *testing.T) {
	assert.Contains(t, AgedAvatarPrompt(5), "aged 5 years older")
}

func TestSafeSegment(t *testing.T) {
	assert.Equal(t, "user-1", safeSegment("user-1"))
	assert.Equal(t, "a_b", safeSegment("a/b"))
	assert.Equal(t, "_", safeSegment(".."))
}
