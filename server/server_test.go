package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekho-app/ekho/agent"
	"github.com/ekho-app/ekho/ai/persona"
	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/analytics"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/chat"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/history"
	ekhotest "github.com/ekho-app/ekho/internal/testing"
	"github.com/ekho-app/ekho/pulse/async"
)

// scriptedRemote answers every poll with whatever status or error is set
type scriptedRemote struct {
	mu      sync.Mutex
	submits int
	status  *generation.OperationStatus
	pollErr error
}

func (r *scriptedRemote) Submit(ctx context.Context, req generation.SubmitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	return "operations/op-1", nil
}

func (r *scriptedRemote) FetchStatus(ctx context.Context, handle string) (*generation.OperationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollErr != nil {
		return nil, r.pollErr
	}
	if r.status == nil {
		return &generation.OperationStatus{}, nil
	}
	return r.status, nil
}

func (r *scriptedRemote) set(status *generation.OperationStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.pollErr = err
}

type testServer struct {
	srv    *Server
	remote *scriptedRemote
	hist   *history.Store
	store  *artifact.LocalStore
	runner *async.Runner
}

func newTestServer(t *testing.T, cfg am.ServerConfig) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	conn := ekhotest.CreateTestDB(t)
	hist := history.NewStore(conn, log)
	tracker := analytics.NewTracker(conn)
	runner := async.NewRunner(context.Background(), time.Second, log)

	agents := agent.NewOrchestrator(agent.Stores{
		Memory: hist, Profiles: hist, History: hist, Trends: tracker, Events: tracker,
	}, runner, agent.Config{}, log)

	store, err := artifact.NewLocalStore(t.TempDir(), "http://localhost:8000", "secret", log)
	require.NoError(t, err)
	remote := &scriptedRemote{}
	videos := generation.NewOrchestrator(remote, store, async.NewRegistry(log), generation.Config{OutputURI: "gs://ekho-out/output/"}, log)

	srv, err := New(Deps{
		Chat: &chat.Service{
			Agents:   agents,
			Persona:  persona.NewWithModel(nil, log),
			Videos:   videos,
			Profiles: hist,
			Logger:   log,
		},
		Agents:    agents,
		Videos:    videos,
		History:   hist,
		Analytics: tracker,
		Store:     store,
		Runner:    runner,
		Version:   "test",
	}, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })

	return &testServer{srv: srv, remote: remote, hist: hist, store: store, runner: runner}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

var faces = []string{"gs://b/face1.jpg", "gs://b/face2.jpg", "gs://b/face3.jpg"}

func TestNewRequiresChat(t *testing.T) {
	_, err := New(Deps{}, am.ServerConfig{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.True(t, resp.GoogleCloudConnected)
	assert.Contains(t, resp.Jobs, "submitted")
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{UserID: "u1", Message: "Should I take the job or stay?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp chat.Response
	decode(t, rec, &resp)
	assert.Contains(t, resp.Text, "(stub) Future u1")
	assert.Equal(t, agent.ModeDecision, resp.Mode)

	ts.runner.Wait()
	recent, err := ts.hist.RecentInteractions(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing user", ChatRequest{Message: "hi"}},
		{"empty message", ChatRequest{UserID: "u1"}},
		{"long message", ChatRequest{UserID: "u1", Message: strings.Repeat("a", 2001)}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestGenerateVideoValidation(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	tests := []struct {
		name string
		req  VideoGenerationRequest
	}{
		{"short prompt", VideoGenerationRequest{UserID: "u1", Prompt: "short"}},
		{"long duration", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", Duration: 60}},
		{"unknown style", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", Style: "anime"}},
		{"too many refs", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach",
			ReferenceImages: []string{"gs://b/1.jpg", "gs://b/2.jpg", "gs://b/3.jpg", "gs://b/4.jpg", "gs://b/5.jpg", "gs://b/6.jpg"}}},
		{"bad ref", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", ReferenceImages: []string{"!!!"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/generate-video", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, ts.remote.submits)
}

func TestGenerateVideoWithoutReferences(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "no reference artifacts", body["error"])
	assert.NotEmpty(t, body["job_id"])

	// The failed job is still observable
	status := ts.do(t, http.MethodGet, "/api/v1/video-status/"+body["job_id"], nil)
	require.Equal(t, http.StatusOK, status.Code)
	var job VideoStatusResponse
	decode(t, status, &job)
	assert.Equal(t, "failed", job.Status)
}

func TestVideoLifecycle(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{
		UserID: "u1", Prompt: "a walk along the beach", Style: "cinematic", ReferenceImages: faces,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started VideoGenerationResponse
	decode(t, rec, &started)
	assert.Equal(t, "submitted", started.Status)
	path := "/api/v1/video-status/" + started.JobID

	ts.remote.set(&generation.OperationStatus{Progress: 40}, nil)
	var job VideoStatusResponse
	decode(t, ts.do(t, http.MethodGet, path, nil), &job)
	assert.Equal(t, "processing", job.Status)
	assert.Equal(t, 40, job.Progress)

	ts.remote.set(nil, errors.New("dial tcp: connection refused"))
	rec = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &job)
	assert.Equal(t, "processing", job.Status)
	assert.True(t, job.PollError)

	ts.remote.set(&generation.OperationStatus{
		Done: true,
		Response: generation.FromValue(map[string]interface{}{
			"videos": []interface{}{map[string]interface{}{"uri": "https://cdn.example.com/u1/video.mp4"}},
		}),
	}, nil)
	var done VideoStatusResponse
	decode(t, ts.do(t, http.MethodGet, path, nil), &done)
	job = done
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "https://cdn.example.com/u1/video.mp4", job.VideoURL)
	assert.False(t, job.PollError)

	var list UserJobsResponse
	decode(t, ts.do(t, http.MethodGet, "/api/v1/user/u1/jobs", nil), &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, started.JobID, list.Jobs[0].JobID)

	decode(t, ts.do(t, http.MethodGet, "/api/v1/user/nobody/jobs", nil), &list)
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Jobs)
}

func TestVideoStatusUnknownJob(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/api/v1/video-status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvatarReferencesFeedLaterVideos(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/api/v1/generate-avatar", AvatarCreationRequest{UserID: "u1", FaceCaptures: faces[:2]})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/generate-avatar", AvatarCreationRequest{UserID: "u1", FaceCaptures: faces, AgeProgressionYears: 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/generate-avatar", AvatarCreationRequest{UserID: "u1", FaceCaptures: faces})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var profile history.Profile
	decode(t, ts.do(t, http.MethodGet, "/api/v1/user/u1/profile", nil), &profile)
	assert.Equal(t, faces, profile.AvatarRefs)

	rec = ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, ts.remote.submits)
}

func TestProfileNotFound(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/api/v1/user/ghost/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{RateLimitPerMinute: 1})
	req := VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", ReferenceImages: faces}

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generate-video", req).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/api/v1/generate-video", req).Code)

	// Another user has their own bucket
	req.UserID = "u2"
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generate-video", req).Code)

	// Reloaded config lifts the limit
	require.NoError(t, ts.srv.ApplyConfig(&am.Config{}))
	req.UserID = "u1"
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generate-video", req).Code)
}

func TestInsights(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/user/u1/insights?days=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/user/u1/insights?days=abc", nil).Code)

	ts.do(t, http.MethodPost, "/api/v1/chat", ChatRequest{UserID: "u1", Message: "Had a lovely walk this morning"})
	ts.runner.Wait()

	rec := ts.do(t, http.MethodGet, "/api/v1/user/u1/insights?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp InsightsResponse
	decode(t, rec, &resp)
	assert.Equal(t, 7, resp.Days)
	require.Len(t, resp.Trends, 1)
	assert.Equal(t, 1, resp.Trends[0].Count)
	require.Len(t, resp.Modes, 1)
	assert.Equal(t, agent.ModeCasual, resp.Modes[0].Mode)
}

func TestVoiceCloneUnavailable(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", "u1"))
	fw, err := mw.CreateFormFile("file", "sample.mp3")
	require.NoError(t, err)
	fw.Write([]byte("ID3 fake audio"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/voice/clone", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{AllowedOrigins: []string{"http://localhost"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	require.NoError(t, ts.srv.ApplyConfig(&am.Config{Server: am.ServerConfig{AllowedOrigins: []string{"https://evil.example"}}}))
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://evil.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestArtifactDownload(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	ctx := context.Background()

	ref, err := ts.store.Store(ctx, []byte("fake mp3"), "audio/mpeg", "users/u1/audio/a.mp3")
	require.NoError(t, err)
	url, err := ts.store.RetrievalURL(ctx, ref, time.Minute)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, strings.TrimPrefix(url, "http://localhost:8000"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake mp3", rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodGet, "/artifacts/forged.token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDrainingRefusesGeneration(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	ts.srv.setState(ServerStateDraining)

	rec := ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", ReferenceImages: faces})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobStream(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	ts.srv.StartBackground(0)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws/jobs?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the client
	require.Eventually(t, func() bool {
		ts.srv.mu.RLock()
		defer ts.srv.mu.RUnlock()
		return len(ts.srv.clients) == 1
	}, time.Second, 10*time.Millisecond)

	ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{UserID: "u2", Prompt: "someone else's video", ReferenceImages: faces})
	ts.do(t, http.MethodPost, "/api/v1/generate-video", VideoGenerationRequest{UserID: "u1", Prompt: "a walk along the beach", ReferenceImages: faces})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg JobUpdateMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "job_update", msg.Type)
	assert.Equal(t, "video", msg.Job.Kind)

	jobs := ts.srv.deps.Videos.ListJobs("u1")
	require.Len(t, jobs, 1)
	assert.Equal(t, jobs[0].ID, msg.Job.JobID)
}

func TestJobStreamRequiresUser(t *testing.T) {
	ts := newTestServer(t, am.ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/api/v1/ws/jobs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_id is required")

	c := &Client{}
	assert.False(t, c.wants("u1"))
}
