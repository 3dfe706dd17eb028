package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/internal/httpclient"
	"github.com/ekho-app/ekho/pulse/async"
	"github.com/ekho-app/ekho/server"
)

// JobsCmd inspects generation jobs through a running server
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect generation jobs",
	Long: `jobs - Inspect avatar and video generation jobs on a running server.

Job state lives in the server's memory and only advances when someone asks
for it, so 'status --watch' is also how a job is driven to completion
without a client app.

Examples:
  ekho jobs ls user-1                     # List a user's jobs
  ekho jobs status JB_abc123              # Resolve a job once
  ekho jobs status JB_abc123 --watch      # Poll until completed or failed
  ekho jobs ls user-1 -o json             # Machine-readable output`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls <user-id>",
	Short: "List a user's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL)
		if err != nil {
			return err
		}
		return runJobsLs(cmd.Context(), cmd.OutOrStdout(), client, args[0])
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Resolve a job's status against the remote service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL)
		if err != nil {
			return err
		}
		return runJobsStatus(cmd.Context(), cmd.OutOrStdout(), client, args[0], watch, watchInterval)
	},
}

var (
	serverURL     string
	watch         bool
	watchInterval time.Duration
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL (default http://localhost:<server.port>)")
	jobsStatusCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job completes or fails")
	jobsStatusCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "Poll interval for --watch")
	addOutputFlag(jobsLsCmd)
	addOutputFlag(jobsStatusCmd)

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
}

// apiClient is a minimal client for the ekho HTTP API
type apiClient struct {
	base string
	http *httpclient.SaferClient
}

func newAPIClient(base string) (*apiClient, error) {
	if base == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: httpclient.New(30*time.Second, httpclient.Options{}),
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "GET %s", path), "is 'ekho serve' running? see --server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return errors.Newf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return errors.Newf("server returned %d", resp.StatusCode)
	}
	return errors.Wrap(json.Unmarshal(body, out), "decode response")
}

func (c *apiClient) userJobs(ctx context.Context, userID string) (server.UserJobsResponse, error) {
	var resp server.UserJobsResponse
	err := c.get(ctx, "/api/v1/user/"+url.PathEscape(userID)+"/jobs", &resp)
	return resp, err
}

func (c *apiClient) jobStatus(ctx context.Context, jobID string) (server.VideoStatusResponse, error) {
	var resp server.VideoStatusResponse
	err := c.get(ctx, "/api/v1/video-status/"+url.PathEscape(jobID), &resp)
	return resp, err
}

func runJobsLs(ctx context.Context, w io.Writer, client *apiClient, userID string) error {
	resp, err := client.userJobs(ctx, userID)
	if err != nil {
		return err
	}
	if outputFormat != formatTable {
		return printStructured(w, resp)
	}
	if resp.Count == 0 {
		fmt.Fprintf(w, "No jobs for %s\n", userID)
		return nil
	}

	data := pterm.TableData{{"JOB ID", "KIND", "STATUS", "PROGRESS", "CREATED", "DETAIL"}}
	for _, job := range resp.Jobs {
		data = append(data, []string{
			job.JobID,
			job.Kind,
			job.Status,
			fmt.Sprintf("%d%%", job.Progress),
			job.CreatedAt,
			detailOf(job),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "render table")
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "Total: %d job(s)\n", resp.Count)
	return nil
}

func runJobsStatus(ctx context.Context, w io.Writer, client *apiClient, jobID string, watch bool, interval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		job, err := client.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if !watch || async.JobState(job.Status).Terminal() {
			return printJob(w, job)
		}
		if outputFormat == formatTable {
			fmt.Fprintf(w, "%s %s %d%%%s\n", job.JobID, job.Status, job.Progress, pollNote(job))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printJob(w io.Writer, job server.VideoStatusResponse) error {
	if outputFormat != formatTable {
		return printStructured(w, job)
	}
	fmt.Fprintf(w, "Job ID:   %s\n", job.JobID)
	fmt.Fprintf(w, "Kind:     %s\n", job.Kind)
	fmt.Fprintf(w, "Status:   %s%s\n", job.Status, pollNote(job))
	fmt.Fprintf(w, "Progress: %d%%\n", job.Progress)
	if job.VideoURL != "" {
		fmt.Fprintf(w, "Video:    %s\n", job.VideoURL)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", job.Error)
	}
	fmt.Fprintf(w, "Created:  %s\n", job.CreatedAt)
	fmt.Fprintf(w, "Updated:  %s\n", job.UpdatedAt)
	return nil
}

func detailOf(job server.VideoStatusResponse) string {
	switch {
	case job.Error != "":
		return job.Error
	case job.VideoURL != "":
		return job.VideoURL
	default:
		return ""
	}
}

func pollNote(job server.VideoStatusResponse) string {
	if job.PollError {
		return " (last status check failed)"
	}
	return ""
}
