package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/telemetry"
	"github.com/eugener/scribe/internal/tokencount"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultMaxConcurrent = 3
	defaultMaxRetries    = 3
	defaultJobTimeout    = 60 * time.Second
	defaultPromptBudget  = 855_000
	defaultHeadMessages  = 5
	defaultTailMessages  = 20

	persistTimeout = 10 * time.Second
	maxErrorText   = 2048

	retryBaseDelay = 2 * time.Second
	retryFactor    = 2.0
	retryJitter    = 0.2
	retryMaxDelay  = 60 * time.Second
)

// Store is the storage surface the worker drives: the claim queue, result
// persistence, the branch read for transcript building, and the audit log.
type Store interface {
	ClaimAnalyses(ctx context.Context, limit int) ([]*scribe.Analysis, error)
	CompleteAnalysis(ctx context.Context, a *scribe.Analysis) error
	RetryAnalysis(ctx context.Context, id, errText string, nextRetryAt time.Time) error
	FailAnalysis(ctx context.Context, id, errText string) error
	LatestRequestInBranch(ctx context.Context, conversationID, branchID string) (*scribe.Request, error)
	AppendAudit(ctx context.Context, e *scribe.AuditEntry) error
}

// Analyzer produces one completion for a rendered prompt.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (*Result, error)
}

// Options tune the worker. Zero values take the defaults above.
type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int
	MaxRetries    int
	JobTimeout    time.Duration
	PromptBudget  int
	HeadMessages  int
	TailMessages  int
	// Model picks the tokenizer family for budget estimates.
	Model string
	// Scrub removes secrets from error text before it is persisted.
	Scrub   func(string) string
	Metrics *telemetry.Metrics
}

// Worker polls the analysis queue and runs claimed jobs. Claiming is
// transactional in the store, so multiple instances across machines share
// the queue without double-processing.
type Worker struct {
	store   Store
	client  Analyzer
	counter *tokencount.Counter

	pollInterval  time.Duration
	maxConcurrent int
	maxRetries    int
	jobTimeout    time.Duration
	promptBudget  int
	headMessages  int
	tailMessages  int
	model         string
	scrub         func(string) string
	metrics       *telemetry.Metrics
}

// NewWorker builds a Worker over the given store and analyzer.
func NewWorker(store Store, client Analyzer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.PromptBudget <= 0 {
		opts.PromptBudget = defaultPromptBudget
	}
	if opts.HeadMessages <= 0 {
		opts.HeadMessages = defaultHeadMessages
	}
	if opts.TailMessages <= 0 {
		opts.TailMessages = defaultTailMessages
	}
	if opts.Scrub == nil {
		opts.Scrub = func(s string) string { return s }
	}
	return &Worker{
		store:         store,
		client:        client,
		counter:       tokencount.NewCounter(),
		pollInterval:  opts.PollInterval,
		maxConcurrent: opts.MaxConcurrent,
		maxRetries:    opts.MaxRetries,
		jobTimeout:    opts.JobTimeout,
		promptBudget:  opts.PromptBudget,
		headMessages:  opts.HeadMessages,
		tailMessages:  opts.TailMessages,
		model:         opts.Model,
		scrub:         opts.Scrub,
		metrics:       opts.Metrics,
	}
}

// Name returns the worker identifier.
func (w *Worker) Name() string { return "analysis_worker" }

// Run polls immediately, then on every tick until ctx is cancelled. A tick
// finishes its claimed batch before the next claim, so at most MaxConcurrent
// jobs run per instance at any moment.
func (w *Worker) Run(ctx context.Context) error {
	w.poll(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	jobs, err := w.store.ClaimAnalyses(ctx, w.maxConcurrent)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analysis claim failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(jobs) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(w.maxConcurrent)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) process(ctx context.Context, job *scribe.Analysis) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "analysis.process",
		attribute.String("conversation.id", job.ConversationID),
		attribute.String("branch.id", job.BranchID),
	)
	defer span.End()
	w.audit(ctx, job, "claim", nil)

	jctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	req, err := w.store.LatestRequestInBranch(jctx, job.ConversationID, job.BranchID)
	if err != nil {
		w.finishWithError(ctx, job, start, fmt.Errorf("load branch: %w", err))
		return
	}
	msgs := FlattenRequest(req)
	if len(msgs) == 0 {
		// The branch row may still be in the write pipeline; retry.
		w.finishWithError(ctx, job, start, errors.New("branch has no analyzable messages"))
		return
	}
	msgs, truncated := Truncate(w.counter, msgs, TruncateOptions{
		Budget: w.promptBudget,
		Head:   w.headMessages,
		Tail:   w.tailMessages,
		Model:  w.model,
	})

	res, err := w.client.Analyze(jctx, RenderPrompt(msgs, job.CustomPrompt))
	if err != nil {
		w.finishWithError(ctx, job, start, err)
		return
	}

	content, data := ParseResponse(res.Text)
	now := time.Now().UTC()
	job.Status = scribe.AnalysisCompleted
	job.Model = res.Model
	job.Content = content
	job.Data = data
	job.ErrorMessage = ""
	job.PromptTokens = res.PromptTokens
	job.CompletionTokens = res.CompletionTokens
	job.GeneratedAt = &now
	job.CompletedAt = &now

	pctx, pcancel := persistContext(ctx)
	defer pcancel()
	if err := w.store.CompleteAnalysis(pctx, job); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analysis completion write failed",
			slog.String("analysis_id", job.ID),
			slog.String("error", err.Error()),
		)
		w.observe("persist_error", start)
		return
	}
	w.audit(pctx, job, "complete", map[string]any{
		"truncated":        truncated,
		"promptTokens":     res.PromptTokens,
		"completionTokens": res.CompletionTokens,
	})
	slog.LogAttrs(ctx, slog.LevelInfo, "analysis completed",
		slog.String("analysis_id", job.ID),
		slog.String("conversation_id", job.ConversationID),
		slog.String("branch_id", job.BranchID),
		slog.Bool("truncated", truncated),
		slog.Duration("took", time.Since(start)),
	)
	w.observe("completed", start)
}

// finishWithError schedules a retry with exponential backoff while budget
// remains, and fails the row permanently afterwards. Error text is scrubbed
// and capped before it is stored.
func (w *Worker) finishWithError(ctx context.Context, job *scribe.Analysis, start time.Time, cause error) {
	errText := w.scrub(cause.Error())
	if len(errText) > maxErrorText {
		errText = errText[:maxErrorText]
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()

	attempt := job.RetryCount + 1
	if attempt <= w.maxRetries {
		delay := backoffDelay(attempt)
		if err := w.store.RetryAnalysis(pctx, job.ID, errText, time.Now().UTC().Add(delay)); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "analysis retry write failed",
				slog.String("analysis_id", job.ID),
				slog.String("error", err.Error()),
			)
			w.observe("persist_error", start)
			return
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "analysis retry scheduled",
			slog.String("analysis_id", job.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", errText),
		)
		w.observe("retried", start)
		return
	}

	if err := w.store.FailAnalysis(pctx, job.ID, errText); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analysis fail write failed",
			slog.String("analysis_id", job.ID),
			slog.String("error", err.Error()),
		)
		w.observe("persist_error", start)
		return
	}
	w.audit(pctx, job, "fail", map[string]any{
		"error":      errText,
		"retryCount": job.RetryCount,
	})
	slog.LogAttrs(ctx, slog.LevelError, "analysis failed permanently",
		slog.String("analysis_id", job.ID),
		slog.String("conversation_id", job.ConversationID),
		slog.String("error", errText),
	)
	w.observe("failed", start)
}

func (w *Worker) audit(ctx context.Context, job *scribe.Analysis, action string, details any) {
	e := &scribe.AuditEntry{
		Timestamp:      time.Now().UTC(),
		ConversationID: job.ConversationID,
		BranchID:       job.BranchID,
		Action:         action,
		Actor:          "worker",
		AnalysisID:     job.ID,
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = raw
		}
	}
	if err := w.store.AppendAudit(ctx, e); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "audit append failed",
			slog.String("action", action),
			slog.String("analysis_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) observe(outcome string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.AnalysisJobs.WithLabelValues(outcome).Inc()
	w.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
}

// persistContext detaches a status write from job cancellation so a timeout
// cannot strand the row in processing until the sweeper finds it.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// backoffDelay is base * factor^(attempt-1), capped, with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := float64(retryBaseDelay) * math.Pow(retryFactor, float64(attempt-1))
	if d > float64(retryMaxDelay) {
		d = float64(retryMaxDelay)
	}
	d += d * retryJitter * (rand.Float64()*2 - 1)
	return time.Duration(d)
}
