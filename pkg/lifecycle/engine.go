// Package lifecycle drives a contact list from submission to its final
// result file.
//
// A submission uploads the sanitized list, stores a pending Record keyed by
// the remote job id and only then removes the source file. Poll sweeps move
// each record through awaiting, processing and error_checking until the
// remote reports a ready status; the job is then finalized into a result
// file and its record deleted. The store is always written before the side
// effect it protects, so a crash can repeat work but never lose a job.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/listwatch/pkg/jobstore"
	"github.com/3leaps/listwatch/pkg/notify"
	"github.com/3leaps/listwatch/pkg/remote"
	"github.com/3leaps/listwatch/pkg/resultsink"
	"github.com/3leaps/listwatch/pkg/tabular"
)

// Remote is the part of the validation API the engine drives.
type Remote interface {
	Submit(ctx context.Context, req remote.SubmitRequest, token string) (string, error)
	Poll(ctx context.Context, jobID, token string) ([]remote.Item, error)
}

// Credentials supplies the bearer token.
type Credentials interface {
	EnsureValid(ctx context.Context) bool
	Token() string
	Invalidate()
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Remote      Remote
	Credentials Credentials
	Store       jobstore.Store

	// Sink receives every result file. A write failure keeps the job open.
	Sink resultsink.Sink

	// Mirrors receive a copy after Sink succeeded. Failures are logged only.
	Mirrors []resultsink.Sink

	Publisher notify.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Config tunes the engine.
type Config struct {
	// OutputFormat selects the result file format (csv or xlsx).
	OutputFormat tabular.Format

	// MaxAttempts abandons a job after this many unfinished polls.
	// Zero keeps polling forever.
	MaxAttempts int

	// DeadLetterDir receives abandoned records as JSON.
	DeadLetterDir string

	// Concurrency bounds parallel polls within a sweep. Values below 2 poll
	// sequentially in store order.
	Concurrency int
}

// Outcome is the result of polling one job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeErrored   Outcome = "errored"
	OutcomeAbandoned Outcome = "abandoned"
)

// SweepSummary counts the outcomes of one PollAll.
type SweepSummary struct {
	SweepID   string `json:"sweep_id,omitempty"`
	Checked   int    `json:"checked"`
	Completed int    `json:"completed"`
	Waiting   int    `json:"waiting"`
	Errored   int    `json:"errored"`
	Abandoned int    `json:"abandoned"`
}

func (s *SweepSummary) add(o Outcome) {
	s.Checked++
	switch o {
	case OutcomeCompleted:
		s.Completed++
	case OutcomeWaiting:
		s.Waiting++
	case OutcomeErrored:
		s.Errored++
	case OutcomeAbandoned:
		s.Abandoned++
	}
}

// Engine runs submissions and poll sweeps.
type Engine struct {
	remote    Remote
	creds     Credentials
	store     jobstore.Store
	sink      resultsink.Sink
	mirrors   []resultsink.Sink
	publisher notify.Publisher
	logger    *zap.Logger
	now       func() time.Time
	cfg       Config

	removeSource func(string) error
}

// New creates an engine. Remote, Credentials, Store and Sink are required.
func New(deps Deps, cfg Config) *Engine {
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = tabular.FormatCSV
	}
	return &Engine{
		remote:    deps.Remote,
		creds:     deps.Credentials,
		store:     deps.Store,
		sink:      deps.Sink,
		mirrors:   deps.Mirrors,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       deps.Now,
		cfg:       cfg,

		removeSource: os.Remove,
	}
}

// Submit uploads the list at path and records the returned job. On any error
// the source file is left in place and no record exists.
func (e *Engine) Submit(ctx context.Context, path string) (*jobstore.Record, error) {
	name := filepath.Base(path)
	log := e.logger.With(zap.String("file", name))

	if err := e.checkNotSubmitted(ctx, path); err != nil {
		return nil, err
	}

	if !e.creds.EnsureValid(ctx) {
		return nil, submitError(path, ErrAuth, nil)
	}

	table, err := tabular.ReadFile(path)
	if err != nil {
		return nil, submitError(path, ErrRead, err)
	}
	if !table.HasColumn(tabular.ColumnRecipient) {
		return nil, submitError(path, ErrSchema, fmt.Errorf("column %q not found", tabular.ColumnRecipient))
	}
	tag, _ := table.ExtractTag(tabular.ColumnTag)

	payload, err := table.CSVBytes()
	if err != nil {
		return nil, submitError(path, ErrRead, err)
	}

	now := e.now()
	jobID, err := e.remote.Submit(ctx, remote.SubmitRequest{
		FileName:   strings.TrimSuffix(name, filepath.Ext(name)) + ".csv",
		Content:    payload,
		CostCenter: tag,
		SentAt:     now,
	}, e.creds.Token())
	if err != nil {
		if remote.IsUnauthorized(err) {
			e.creds.Invalidate()
		}
		if errors.Is(err, remote.ErrNoJobID) {
			return nil, submitError(path, ErrNoJobID, err)
		}
		return nil, submitError(path, ErrTransport, err)
	}

	rec := &jobstore.Record{
		JobID:          jobID,
		SourcePath:     path,
		SourceFileName: name,
		CostCenterTag:  tag,
		CreatedAt:      now.UTC(),
		State:          jobstore.StatePending,
		RowCount:       table.Len(),
	}
	// The remote job exists now; record it even if the caller is shutting down.
	if err := e.store.Insert(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("Remote job accepted but could not be recorded",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return nil, submitError(path, ErrStore, err)
	}

	if err := e.removeSource(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Source file already gone after submission", zap.String("job_id", jobID))
		} else {
			log.Error("Failed to remove submitted source file", zap.String("job_id", jobID), zap.Error(err))
			if merr := os.WriteFile(path+SubmittedMarker, []byte(jobID+"\n"), 0o644); merr != nil {
				log.Error("Failed to mark submitted source file",
					zap.String("job_id", jobID),
					zap.String("marker", filepath.Base(path)+SubmittedMarker),
					zap.Error(merr),
				)
			}
		}
	}

	log.Info("List submitted",
		zap.String("job_id", jobID),
		zap.Int("rows", rec.RowCount),
		zap.String("cost_center", tag),
	)
	ev := notify.NewEvent(notify.EventSubmitted, jobID, now)
	ev.File = name
	ev.Rows = rec.RowCount
	e.publish(ctx, ev)

	return rec, nil
}

// checkNotSubmitted rejects a path that an open record already came from and
// that has not been replaced since.
func (e *Engine) checkNotSubmitted(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		// Reading the file reports it.
		return nil
	}
	recs, err := e.store.List(ctx)
	if err != nil {
		return submitError(path, ErrStore, err)
	}
	for _, r := range recs {
		if r.SourcePath == path && !info.ModTime().After(r.CreatedAt) {
			return submitError(path, ErrAlreadySubmitted, fmt.Errorf("job %s", r.JobID))
		}
	}
	return nil
}

// PollAll checks every stored job once.
//
// An empty store returns a zero summary without touching the credential. A
// credential failure returns ErrAuth before any record is polled. Per-job
// failures are logged and counted, never returned.
func (e *Engine) PollAll(ctx context.Context) (SweepSummary, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list jobs: %w", err)
	}
	if len(recs) == 0 {
		return SweepSummary{}, nil
	}
	if !e.creds.EnsureValid(ctx) {
		return SweepSummary{}, ErrAuth
	}

	summary := SweepSummary{SweepID: uuid.NewString()}
	log := e.logger.With(zap.String("sweep_id", summary.SweepID))
	var mu sync.Mutex

	limit := e.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i := range recs {
		if ctx.Err() != nil {
			break
		}
		rec := recs[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Job check panicked",
						zap.String("job_id", rec.JobID),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					mu.Lock()
					summary.add(OutcomeErrored)
					mu.Unlock()
				}
			}()
			out, err := e.PollOne(ctx, &rec)
			if err != nil {
				log.Warn("Job check failed", zap.String("job_id", rec.JobID), zap.Error(err))
			}
			if out != "" {
				mu.Lock()
				summary.add(out)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("completed", summary.Completed),
		zap.Int("waiting", summary.Waiting),
		zap.Int("errored", summary.Errored),
		zap.Int("abandoned", summary.Abandoned),
	)
	return summary, ctx.Err()
}

// PollOne checks a single job and applies the resulting transition.
func (e *Engine) PollOne(ctx context.Context, rec *jobstore.Record) (Outcome, error) {
	log := e.logger.With(
		zap.String("job_id", rec.JobID),
		zap.String("file", rec.SourceFileName),
	)

	items, err := e.remote.Poll(ctx, rec.JobID, e.creds.Token())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if remote.IsUnauthorized(err) {
			e.creds.Invalidate()
		}
		log.Warn("Poll failed", zap.Error(err))
		return e.advance(ctx, rec.JobID, jobstore.StateErrorChecking, err.Error(), log)
	}

	if len(items) == 0 {
		return e.advance(ctx, rec.JobID, jobstore.StateAwaiting, "", log)
	}
	if !IsReady(items[0].Status) {
		return e.advance(ctx, rec.JobID, jobstore.StateProcessing, "", log)
	}

	// Claim the job before writing output. A record removed meanwhile means
	// another sweep already finalized it; a fresh claim means one is doing so.
	claimed, before, err := e.claim(ctx, rec.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, errClaimed) {
			return "", nil
		}
		return "", err
	}

	if _, err := e.finalize(ctx, claimed, items); err != nil {
		if ctx.Err() != nil {
			e.release(ctx, before, log)
			return "", ctx.Err()
		}
		log.Error("Finalize failed", zap.Error(err))
		return e.advance(ctx, rec.JobID, jobstore.StateErrorChecking, "finalize: "+err.Error(), log)
	}

	if err := e.store.Delete(context.WithoutCancel(ctx), rec.JobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return OutcomeCompleted, fmt.Errorf("remove completed job: %w", err)
	}
	return OutcomeCompleted, nil
}

// claim marks the job completed without counting an attempt and returns the
// record as it was before.
func (e *Engine) claim(ctx context.Context, jobID string) (*jobstore.Record, jobstore.Record, error) {
	now := e.now().UTC()
	var before jobstore.Record
	claimed, err := e.store.Update(context.WithoutCancel(ctx), jobID, func(r *jobstore.Record) error {
		if r.State == jobstore.StateCompleted && r.LastCheckedAt != nil && now.Sub(*r.LastCheckedAt) < claimLease {
			return errClaimed
		}
		before = *r
		r.State = jobstore.StateCompleted
		r.LastCheckedAt = &now
		return nil
	})
	return claimed, before, err
}

// release undoes a claim whose finalize was interrupted.
func (e *Engine) release(ctx context.Context, before jobstore.Record, log *zap.Logger) {
	_, err := e.store.Update(context.WithoutCancel(ctx), before.JobID, func(r *jobstore.Record) error {
		r.State = before.State
		r.LastCheckedAt = before.LastCheckedAt
		r.LastError = before.LastError
		return nil
	})
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("Could not release interrupted claim", zap.Error(err))
	}
}

func (e *Engine) transition(ctx context.Context, jobID string, state jobstore.State, lastErr string) (*jobstore.Record, error) {
	now := e.now().UTC()
	return e.store.Update(context.WithoutCancel(ctx), jobID, func(r *jobstore.Record) error {
		r.State = state
		r.AttemptCount++
		r.LastCheckedAt = &now
		r.LastError = lastErr
		return nil
	})
}

// advance records an unfinished poll and abandons the job once the attempt
// limit is reached.
func (e *Engine) advance(ctx context.Context, jobID string, state jobstore.State, lastErr string, log *zap.Logger) (Outcome, error) {
	rec, err := e.transition(ctx, jobID, state, lastErr)
	if err != nil {
		return "", fmt.Errorf("update job: %w", err)
	}
	log.Debug("Job not ready",
		zap.String("state", string(rec.State)),
		zap.Int("attempt", rec.AttemptCount),
	)

	if e.cfg.MaxAttempts > 0 && rec.AttemptCount >= e.cfg.MaxAttempts {
		return e.abandon(ctx, rec, log)
	}
	if state == jobstore.StateErrorChecking {
		return OutcomeErrored, nil
	}
	return OutcomeWaiting, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// claimLease is how long a claim keeps other sweeps from finalizing a job.
const claimLease = 10 * time.Minute

var errClaimed = errors.New("job claimed by another sweep")

func (e *Engine) abandon(ctx context.Context, rec *jobstore.Record, log *zap.Logger) (Outcome, error) {
	if e.cfg.DeadLetterDir != "" {
		if err := writeDeadLetter(e.cfg.DeadLetterDir, rec); err != nil {
			// Keep the record rather than lose it.
			return "", fmt.Errorf("dead-letter job: %w", err)
		}
	}
	if err := e.store.Delete(context.WithoutCancel(ctx), rec.JobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return "", fmt.Errorf("remove abandoned job: %w", err)
	}

	log.Error("Job abandoned after attempt limit",
		zap.Int("attempt", rec.AttemptCount),
		zap.String("state", string(rec.State)),
		zap.String("last_error", rec.LastError),
		zap.String("dead_letter_dir", e.cfg.DeadLetterDir),
	)
	ev := notify.NewEvent(notify.EventAbandoned, rec.JobID, e.now())
	ev.File = rec.SourceFileName
	ev.Reason = fmt.Sprintf("%d attempts, last state %s", rec.AttemptCount, rec.State)
	e.publish(ctx, ev)
	return OutcomeAbandoned, nil
}

func writeDeadLetter(dir string, rec *jobstore.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, unsafeName.ReplaceAllString(rec.JobID, "_")+".json")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// finalize writes the result table for items and returns its location.
func (e *Engine) finalize(ctx context.Context, rec *jobstore.Record, items []remote.Item) (string, error) {
	rows := make([]tabular.ResultRow, 0, len(items))
	valid := 0
	for _, it := range items {
		num, _ := NormalizePhone(it.Recipient)
		ok := IsValid(it)
		if ok {
			valid++
		}
		rows = append(rows, tabular.ResultRow{Number: num, Valid: ok})
	}
	table := tabular.NewResult(rows)

	now := e.now()
	name := ResultFileName(rec.SourceFileName, now, string(e.cfg.OutputFormat))

	dest, err := e.sink.Write(ctx, name, table)
	if err != nil {
		return "", err
	}
	for _, m := range e.mirrors {
		loc, err := m.Write(ctx, name, table)
		if err != nil {
			e.logger.Warn("Result mirror failed", zap.String("job_id", rec.JobID), zap.Error(err))
			continue
		}
		e.logger.Debug("Result mirrored", zap.String("job_id", rec.JobID), zap.String("location", loc))
	}

	e.logger.Info("Job finalized",
		zap.String("job_id", rec.JobID),
		zap.String("file", rec.SourceFileName),
		zap.String("output", dest),
		zap.Int("rows", len(rows)),
		zap.Int("valid", valid),
		zap.Int("invalid", len(rows)-valid),
	)

	ev := notify.NewEvent(notify.EventCompleted, rec.JobID, now)
	ev.File = rec.SourceFileName
	ev.Output = dest
	ev.Rows = len(rows)
	ev.Valid = valid
	ev.Invalid = len(rows) - valid
	e.publish(ctx, ev)

	return dest, nil
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("Event publish failed",
			zap.String("job_id", ev.JobID),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
	}
}
