package generation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/logger"
	"github.com/ekho-app/ekho/pulse/async"
)

// Job kinds
const (
	KindVideo  = "video"
	KindAvatar = "avatar"
)

// Config tunes the orchestrator
type Config struct {
	OutputURI        string
	DurationSeconds  int
	AspectRatio      string
	PersonGeneration string
	SampleCount      int
	MaxReferences    int
	SubmitTimeout    time.Duration
	PollTimeout      time.Duration
	URLTTL           time.Duration
}

// ConfigFromAm maps the generation section of am.toml
func ConfigFromAm(c am.GenerationConfig) Config {
	return Config{
		OutputURI:        c.OutputURI,
		DurationSeconds:  c.DurationSeconds,
		AspectRatio:      c.AspectRatio,
		PersonGeneration: c.PersonGeneration,
		SampleCount:      c.SampleCount,
		MaxReferences:    c.MaxReferences,
		SubmitTimeout:    am.Seconds(c.SubmitTimeoutSeconds, 60*time.Second),
		PollTimeout:      am.Seconds(c.PollTimeoutSeconds, 30*time.Second),
		URLTTL:           am.Seconds(c.SignedURLTTLSeconds, time.Hour),
	}
}

func (c Config) withDefaults() Config {
	if c.DurationSeconds <= 0 {
		c.DurationSeconds = am.DefaultDurationSeconds
	}
	if c.MaxReferences <= 0 {
		c.MaxReferences = am.DefaultMaxReferences
	}
	if c.SampleCount <= 0 {
		c.SampleCount = 1
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 60 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.URLTTL <= 0 {
		c.URLTTL = time.Hour
	}
	return c
}

// JobRequest asks for one generated artifact
type JobRequest struct {
	Owner      string
	Kind       string
	Prompt     string
	Style      string
	References []artifact.Input
	// DurationHint is advisory; the remote only supports a fixed duration
	DurationHint int
}

// Orchestrator owns the submit, poll and resolve lifecycle of generation jobs.
// It has no background workers: status advances only when ResolveStatus runs.
type Orchestrator struct {
	client RemoteClient
	store  artifact.Store
	jobs   *async.Registry
	cfg    Config
	logger *zap.SugaredLogger
}

// NewOrchestrator wires the orchestrator to its collaborators
func NewOrchestrator(client RemoteClient, store artifact.Store, jobs *async.Registry, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		client: client,
		store:  store,
		jobs:   jobs,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Registry exposes the job registry (subscriptions, stats)
func (o *Orchestrator) Registry() *async.Registry {
	return o.jobs
}

// CreateJob validates the request, stores raw references, and submits the
// remote operation. The returned job is always persisted when it has an
// owner; on failure it is in the failed state and the error wraps
// async.ErrValidation or async.ErrPermanentSubmission.
func (o *Orchestrator) CreateJob(ctx context.Context, req JobRequest) (async.Job, error) {
	if req.Kind == "" {
		req.Kind = KindVideo
	}
	if strings.TrimSpace(req.Owner) == "" {
		return async.Job{}, errors.Wrap(async.ErrValidation, "owner is required")
	}

	job, err := async.NewJob(req.Kind, req.Owner)
	if err != nil {
		return async.Job{}, errors.Wrap(async.ErrValidation, err.Error())
	}
	log := logger.FromContext(ctx, o.logger).With(logger.FieldJobID, job.ID, logger.FieldUserID, job.Owner)

	if len(req.References) == 0 {
		return o.reject(job, log, "no reference artifacts", async.ErrValidation)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return o.reject(job, log, "prompt is required", async.ErrValidation)
	}

	inputs := req.References
	if len(inputs) > o.cfg.MaxReferences {
		inputs = inputs[:o.cfg.MaxReferences]
	}
	for i, in := range inputs {
		if in.Stored() && !o.canRead(in.Ref()) {
			return o.reject(job, log, fmt.Sprintf("reference %d: %s references are not supported by the generation service", i, in.Ref().Scheme()), async.ErrValidation)
		}
	}

	refs, err := o.resolveReferences(ctx, job, inputs)
	if err != nil {
		return o.reject(job, log, "reference upload failed: "+err.Error(), async.ErrPermanentSubmission)
	}
	for _, ref := range refs {
		if !o.canRead(ref) {
			return o.reject(job, log, fmt.Sprintf("artifact store produced %s references the generation service cannot read", ref.Scheme()), async.ErrPermanentSubmission)
		}
	}

	submit := SubmitRequest{
		Prompt:           buildPrompt(req.Prompt, req.Style),
		References:       refs,
		OutputPrefix:     o.outputPrefix(job),
		DurationSeconds:  o.cfg.DurationSeconds,
		AspectRatio:      o.cfg.AspectRatio,
		PersonGeneration: o.cfg.PersonGeneration,
		SampleCount:      o.cfg.SampleCount,
	}
	if req.DurationHint > 0 && req.DurationHint != submit.DurationSeconds {
		log.Debugw("Clamped requested duration", "requested", req.DurationHint, "duration", submit.DurationSeconds)
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	handle, err := o.client.Submit(submitCtx, submit)
	cancel()
	if err == nil && handle == "" {
		err = errors.New("remote returned no operation handle")
	}
	if err != nil {
		return o.reject(job, log, "submit: "+err.Error(), async.ErrPermanentSubmission)
	}

	refStrings := make([]string, len(refs))
	for i, r := range refs {
		refStrings[i] = string(r)
	}
	job.Submitted(handle, refStrings)
	if err := o.jobs.Put(job); err != nil {
		return async.Job{}, err
	}

	log.Infow("Generation job submitted",
		logger.FieldHandle, handle,
		"kind", job.Kind,
		"references", len(refs))
	return job.Clone(), nil
}

// reject persists job as failed with reason and returns it with an error
// wrapping kind.
func (o *Orchestrator) reject(job *async.Job, log *zap.SugaredLogger, reason string, kind error) (async.Job, error) {
	stage := "submit"
	if kind == async.ErrValidation {
		stage = "validate"
	}
	cause := errors.Wrap(kind, reason)
	ec := async.ClassifyError(stage, cause)

	job.Fail(reason)
	if err := o.jobs.Put(job); err != nil {
		return async.Job{}, errors.WithSecondaryError(cause, err)
	}

	log.Warnw("Generation job failed at creation",
		logger.FieldError, cause.Error(),
		logger.FieldErrorCode, string(ec.Code))
	return job.Clone(), errors.WithDetail(cause, "job_id: "+job.ID)
}

func (o *Orchestrator) canRead(ref artifact.Ref) bool {
	if rr, ok := o.client.(ReferenceReader); ok {
		return rr.CanRead(ref)
	}
	return true
}

// resolveReferences keeps stored refs and uploads raw inputs concurrently.
// All uploads finish before it returns.
func (o *Orchestrator) resolveReferences(ctx context.Context, job *async.Job, inputs []artifact.Input) ([]artifact.Ref, error) {
	refs := make([]artifact.Ref, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		if in.Stored() {
			refs[i] = in.Ref()
			continue
		}
		g.Go(func() error {
			ext := artifact.ExtensionForContentType(in.ContentType())
			hint := fmt.Sprintf("users/%s/references/%s_%d%s", safeSegment(job.Owner), job.ID, i, ext)
			ref, err := o.store.Store(gctx, in.Data(), in.ContentType(), hint)
			if err != nil {
				return errors.Wrapf(err, "reference %d", i)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (o *Orchestrator) outputPrefix(job *async.Job) string {
	base := o.cfg.OutputURI
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + safeSegment(job.Owner) + "/" + job.ID + "/"
}

// ResolveStatus polls the remote operation once and applies the outcome.
// Jobs without a handle or already terminal are returned untouched. A
// failed poll leaves the state alone, flags the job, and returns an error
// wrapping async.ErrTransientPoll alongside the job.
func (o *Orchestrator) ResolveStatus(ctx context.Context, jobID string) (async.Job, error) {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return async.Job{}, err
	}
	if job.RemoteHandle == "" || job.State.Terminal() {
		return job, nil
	}
	log := logger.FromContext(ctx, o.logger).With(logger.FieldJobID, job.ID, logger.FieldHandle, job.RemoteHandle)

	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	status, err := o.client.FetchStatus(pollCtx, job.RemoteHandle)
	cancel()
	if err == nil && status == nil {
		err = errors.New("remote returned no status")
	}
	if err != nil {
		return o.pollFailed(jobID, log, errors.Wrap(err, "poll"))
	}

	var mutate func(*async.Job)
	switch {
	case !status.Done:
		mutate = func(j *async.Job) { j.Processing(status.Progress) }

	case status.Error != "":
		mutate = func(j *async.Job) { j.Fail(status.Error) }

	default:
		ref, found := FindArtifactLocator(status.Response, status.Operation)
		if !found {
			mutate = func(j *async.Job) { j.Fail("operation completed without an artifact locator") }
			break
		}
		url, err := artifact.URLFor(ctx, o.store, ref, o.cfg.URLTTL)
		if err != nil {
			return o.pollFailed(jobID, log, errors.Wrapf(err, "exchange %s", string(ref)))
		}
		log.Debugw("Resolved artifact locator", logger.FieldArtifact, string(ref))
		mutate = func(j *async.Job) { j.Complete(url) }
	}

	updated, ok := o.jobs.Update(jobID, mutate)
	if !ok {
		return async.Job{}, errors.NewNotFoundError("job %s", jobID)
	}
	if updated.State.Terminal() && updated.State != job.State {
		log.Infow("Generation job finished",
			logger.FieldState, string(updated.State),
			"failure_reason", updated.FailureReason)
	}
	return updated, nil
}

func (o *Orchestrator) pollFailed(jobID string, log *zap.SugaredLogger, cause error) (async.Job, error) {
	ec := async.ClassifyError("poll", cause)
	log.Warnw("Status check failed",
		logger.FieldError, cause.Error(),
		logger.FieldErrorCode, string(ec.Code))

	updated, ok := o.jobs.Update(jobID, func(j *async.Job) { j.PollFailed(cause) })
	if !ok {
		return async.Job{}, errors.NewNotFoundError("job %s", jobID)
	}
	return updated, errors.Mark(cause, async.ErrTransientPoll)
}

// ListJobs returns the owner's jobs, newest first
func (o *Orchestrator) ListJobs(owner string) []async.Job {
	return o.jobs.ListByOwner(owner)
}

// CreateAgedAvatar submits a portrait of the user aged ageYears into the future.
func (o *Orchestrator) CreateAgedAvatar(ctx context.Context, owner string, captures []artifact.Input, ageYears int) (async.Job, error) {
	return o.CreateJob(ctx, JobRequest{
		Owner:      owner,
		Kind:       KindAvatar,
		Prompt:     AgedAvatarPrompt(ageYears),
		References: captures,
	})
}

// AgedAvatarPrompt describes the aged portrait video
func AgedAvatarPrompt(ageYears int) string {
	return fmt.Sprintf("Portrait video of this person, aged %d years older. "+
		"Natural, calm expression, subtle smile, direct eye contact, "+
		"soft professional lighting, neutral background.", ageYears)
}

func buildPrompt(prompt, style string) string {
	prompt = strings.TrimSpace(prompt)
	if style == "" {
		return prompt
	}
	return prompt + " Visual style: " + style + "."
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeSegment makes an owner id usable as a single storage path segment
func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
