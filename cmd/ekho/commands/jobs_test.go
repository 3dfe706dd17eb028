package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekho-app/ekho/server"
)

func withOutput(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func TestJobsLs(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/user/user-1/jobs", r.URL.Path)
		json.NewEncoder(w).Encode(server.UserJobsResponse{
			UserID: "user-1",
			Count:  2,
			Jobs: []server.VideoStatusResponse{
				{JobID: "JB_two", Kind: "video", Status: "processing", Progress: 40},
				{JobID: "JB_one", Kind: "avatar", Status: "failed", Error: "no reference artifacts"},
			},
		})
	}))
	defer api.Close()

	client, err := newAPIClient(api.URL + "/")
	require.NoError(t, err)

	withOutput(t, formatTable)
	var out bytes.Buffer
	require.NoError(t, runJobsLs(context.Background(), &out, client, "user-1"))
	assert.Contains(t, out.String(), "JB_two")
	assert.Contains(t, out.String(), "no reference artifacts")
	assert.Contains(t, out.String(), "Total: 2 job(s)")

	withOutput(t, formatJSON)
	out.Reset()
	require.NoError(t, runJobsLs(context.Background(), &out, client, "user-1"))
	var decoded server.UserJobsResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.Count)
}

func TestJobsStatusWatch(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		job := server.VideoStatusResponse{JobID: "JB_1", Kind: "video", Status: "processing", Progress: 10 * int(n)}
		if n == 3 {
			job.Status = "completed"
			job.Progress = 100
			job.VideoURL = "https://cdn.example.com/v.mp4"
		}
		json.NewEncoder(w).Encode(job)
	}))
	defer api.Close()

	client, err := newAPIClient(api.URL)
	require.NoError(t, err)

	withOutput(t, formatTable)
	var out bytes.Buffer
	require.NoError(t, runJobsStatus(context.Background(), &out, client, "JB_1", true, time.Millisecond))
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out.String(), "JB_1 processing 10%")
	assert.Contains(t, out.String(), "Video:    https://cdn.example.com/v.mp4")
}

func TestJobsStatusServerError(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"job JB_x: not found"}`))
	}))
	defer api.Close()

	client, err := newAPIClient(api.URL)
	require.NoError(t, err)

	err = runJobsStatus(context.Background(), &bytes.Buffer{}, client, "JB_x", false, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 404: job JB_x: not found")
}

func TestPrintStructuredRejectsUnknownFormat(t *testing.T) {
	withOutput(t, "xml")
	assert.Error(t, printStructured(&bytes.Buffer{}, struct{}{}))
}
