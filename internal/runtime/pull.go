package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/upload"
	"github.com/rakunlabs/logi"
)

// runPull drives one source's pull to completion (or cancellation). It
// always releases runKey from the running set and persists whatever
// checkpoint progress it made, even when it exits early.
func (r *Runtime) runPull(ctx context.Context, aj *activeJob, conn Connector, sourceKey string, params model.SyncParams, runKey string) {
	defer r.running.Delete(runKey)
	defer aj.cancel()

	r.setStatus(aj, model.JobRunning)

	cp, err := r.checkpoints.Get(ctx, conn.InstanceID(), sourceKey)
	if err != nil {
		r.fail(aj, "checkpoint", err)
		return
	}

	since := params.Since
	cursor := ""
	maxUpdatedAt := time.Time{}
	if cp != nil && !params.FullSync {
		since = types.NewTimeNull(cp.UpdatedAt)
		cursor = cp.Cursor
		maxUpdatedAt = cp.UpdatedAt
	}

	pullParams := params
	pullParams.Since = since

	transformer := conn.Transformer(sourceKey)

	for {
		if ctx.Err() != nil {
			r.finish(aj, model.JobCancelled)
			return
		}

		if err := r.limiter.Wait(ctx, runKey); err != nil {
			r.finish(aj, model.JobCancelled)
			return
		}

		pullParams.Params = withCursor(pullParams.Params, cursor)

		var (
			records    []transform.Record
			nextCursor string
			hasMore    bool
			attempts   int
		)
		err := r.retrier.Do(ctx, "runtime.Pull", func(ctx context.Context) error {
			attempts++
			var pullErr error
			records, nextCursor, hasMore, pullErr = conn.Pull(ctx, sourceKey, pullParams)
			if pullErr != nil {
				var rlErr *errtax.RateLimitError
				if errors.As(pullErr, &rlErr) {
					// Spec §4.3: a 429 must drain the shared bucket so every
					// caller on this source (not just this retry attempt)
					// waits out retryAfter, preventing a stampede the moment
					// the Retrier's own backoff elapses.
					r.limiter.Drain(runKey, time.Duration(rlErr.RetryAfter)*time.Second)
				}
			}
			return pullErr
		})
		if attempts > 1 {
			r.addRetries(aj, attempts-1)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.finish(aj, model.JobCancelled)
				return
			}
			r.fail(aj, sourceKey, err)
			return
		}

		envelopes := make([]model.Envelope, 0, len(records))
		for _, rec := range records {
			envs, err := transformer.Transform(rec)
			if err != nil {
				var drift *transform.DriftError
				if errors.As(err, &drift) {
					r.appendError(aj, sourceKey, err, false)
					continue
				}
				r.fail(aj, sourceKey, err)
				return
			}
			envelopes = append(envelopes, envs...)
		}

		for _, env := range envelopes {
			if v, ok := env.Metadata[model.MetaSourceUpdatedAt]; ok {
				if parsed, err := time.Parse(time.RFC3339, v); err == nil && parsed.After(maxUpdatedAt) {
					maxUpdatedAt = parsed
				}
			}
		}

		// A cancel that lands after this page was fetched does not abort its
		// upload or checkpoint write; the loop stops at its next check.
		batchCtx := context.WithoutCancel(ctx)

		if len(envelopes) > 0 {
			result, err := r.uploader.UploadBatch(batchCtx, conn.InstanceID(), envelopes, upload.BatchBestEffort)
			if err != nil {
				r.fail(aj, sourceKey, err)
				return
			}
			r.recordUploadResult(aj, result)
		}

		// An empty page marks the end of this source's backlog: the spec
		// requires treating it as "caught up to now" rather than leaving
		// the checkpoint's timestamp stuck at the last seen record.
		if len(records) == 0 {
			maxUpdatedAt = time.Now().UTC()
		}

		cursor = nextCursor
		cp := model.Checkpoint{
			Cursor:           cursor,
			UpdatedAt:        maxUpdatedAt,
			RecordsProcessed: r.jobStats(aj).RecordsRead,
		}
		if err := r.checkpoints.Set(batchCtx, conn.InstanceID(), sourceKey, cp); err != nil {
			r.fail(aj, sourceKey, err)
			return
		}

		r.addRecordsRead(aj, len(records))

		if !hasMore {
			break
		}
	}

	r.finish(aj, model.JobCompleted)
}

func withCursor(params map[string]any, cursor string) map[string]any {
	if cursor == "" {
		return params
	}
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["cursor"] = cursor
	return out
}

func (r *Runtime) setStatus(aj *activeJob, status model.JobStatus) {
	aj.mu.Lock()
	aj.job.Status = status
	aj.mu.Unlock()
}

func (r *Runtime) finish(aj *activeJob, status model.JobStatus) {
	aj.mu.Lock()
	aj.job.Status = status
	aj.job.CompletedAt = types.NewTimeNull(time.Now().UTC())
	aj.mu.Unlock()
}

func (r *Runtime) fail(aj *activeJob, where string, err error) {
	_, retryable := errtax.RetryAfterSeconds(err)
	aj.mu.Lock()
	aj.job.AppendError(model.JobError{
		When:      time.Now().UTC(),
		Where:     where,
		Kind:      errKind(err),
		Message:   err.Error(),
		Retryable: retryable || errtax.Retryable(err),
	})
	aj.job.Status = model.JobFailed
	aj.job.CompletedAt = types.NewTimeNull(time.Now().UTC())
	aj.mu.Unlock()

	logi.Ctx(context.Background()).Error("runtime: source failed", "instance_id", aj.job.ConnectorInstanceID, "where", where, "error", err)
}

func (r *Runtime) appendError(aj *activeJob, where string, err error, retryable bool) {
	aj.mu.Lock()
	aj.job.AppendError(model.JobError{
		When:      time.Now().UTC(),
		Where:     where,
		Kind:      errKind(err),
		Message:   err.Error(),
		Retryable: retryable,
	})
	aj.mu.Unlock()
}

func (r *Runtime) addRecordsRead(aj *activeJob, n int) {
	aj.mu.Lock()
	aj.job.Stats.RecordsRead += n
	aj.mu.Unlock()
}

func (r *Runtime) addRetries(aj *activeJob, n int) {
	aj.mu.Lock()
	aj.job.Stats.Retries += n
	aj.mu.Unlock()
}

func (r *Runtime) jobStats(aj *activeJob) model.JobStats {
	aj.mu.Lock()
	defer aj.mu.Unlock()
	return aj.job.Stats
}

func (r *Runtime) recordUploadResult(aj *activeJob, result *upload.BatchResult) {
	aj.mu.Lock()
	defer aj.mu.Unlock()
	for _, item := range result.Items {
		if item.Success {
			aj.job.Stats.RecordsUploaded++
			continue
		}
		aj.job.Stats.RecordsFailed++
		aj.job.AppendError(model.JobError{
			When:      time.Now().UTC(),
			Where:     "upload",
			Kind:      "UploadItemError",
			Message:   item.Message,
			Retryable: item.Retryable,
		})
	}
}

func errKind(err error) string {
	switch {
	case errors.As(err, new(*errtax.ValidationError)):
		return "ValidationError"
	case errors.As(err, new(*errtax.AuthError)):
		return "AuthError"
	case errors.As(err, new(*errtax.RateLimitError)):
		return "RateLimitError"
	case errors.As(err, new(*errtax.ServerError)):
		return "ServerError"
	case errors.As(err, new(*errtax.NetworkError)):
		return "NetworkError"
	case errors.As(err, new(*errtax.TimeoutError)):
		return "TimeoutError"
	case errors.As(err, new(*errtax.AlreadyRunningError)):
		return "AlreadyRunningError"
	default:
		return "Unknown"
	}
}
