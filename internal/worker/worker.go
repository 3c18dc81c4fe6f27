// Package worker consumes job descriptors one at a time and drives each job
// to a terminal state: transform, upload, record, report, clean up. A
// message is acknowledged only once the job's final disposition is durably
// recorded; everything unrecoverable is dead-lettered instead.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/queue"
	"server/internal/storage"
	"server/internal/swap"
)

// Generic user-facing message for infrastructure failures. The technical
// detail stays in the job record, never in client responses.
const genericFailureMessage = "processing failed, please try again"

// ResultUploader is the slice of storage.Store the worker needs.
type ResultUploader interface {
	Upload(ctx context.Context, localPath, jobID string) (storage.UploadResult, error)
}

// Source yields deliveries from the work and dead-letter queues.
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	ConsumeDeadLetters() (<-chan amqp.Delivery, error)
}

// Worker processes one delivery at a time. Multiple worker processes may run
// in parallel; the broker's competing-consumer semantics and the session
// lock coordinate them.
type Worker struct {
	jobs    domain.JobRepository
	locks   domain.LockManager
	engine  swap.Engine
	uploads ResultUploader
	api     Callback
	workDir string
	logger  zerolog.Logger
}

func New(jobs domain.JobRepository, locks domain.LockManager, engine swap.Engine, uploads ResultUploader, api Callback, workDir string, logger zerolog.Logger) *Worker {
	return &Worker{
		jobs:    jobs,
		locks:   locks,
		engine:  engine,
		uploads: uploads,
		api:     api,
		workDir: workDir,
		logger:  logger,
	}
}

// Run blocks consuming the work queue until ctx is canceled. The dead-letter
// queue is drained concurrently so expired or rejected jobs still reach a
// terminal state and free their sessions.
func (w *Worker) Run(ctx context.Context, src Source) error {
	deliveries, err := src.Consume()
	if err != nil {
		return err
	}
	deadLetters, err := src.ConsumeDeadLetters()
	if err != nil {
		return err
	}

	go w.drainDeadLetters(ctx, deadLetters)

	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("work queue channel closed")
			}
			w.HandleDelivery(ctx, d)
		}
	}
}

// HandleDelivery runs the per-message state machine and settles the message.
// Malformed payloads are dead-lettered immediately: a retry cannot fix them.
func (w *Worker) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	desc, err := queue.ParseDescriptor(d.Body)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: malformed descriptor, dead-lettering")
		if nackErr := d.Nack(false, false); nackErr != nil {
			w.logger.Error().Err(nackErr).Msg("worker: nack failed")
		}
		return
	}

	w.logger.Info().Str("job_id", desc.JobID).Str("session_id", desc.SessionID).Msg("worker: received job")

	if err := w.process(ctx, desc); err != nil {
		// Terminal state could not be recorded; the message is the only
		// remaining record of the job, so hand it to the dead-letter queue.
		w.logger.Error().Err(err).Str("job_id", desc.JobID).Msg("worker: could not record outcome, dead-lettering")
		if nackErr := d.Nack(false, false); nackErr != nil {
			w.logger.Error().Err(nackErr).Str("job_id", desc.JobID).Msg("worker: nack failed")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		w.logger.Error().Err(err).Str("job_id", desc.JobID).Msg("worker: ack failed")
		return
	}
	w.logger.Info().Str("job_id", desc.JobID).Msg("worker: job acknowledged")
}

// process drives one job to a terminal state. It returns an error only when
// that terminal state could not be durably recorded. Temporary files are
// removed on every exit path.
func (w *Worker) process(ctx context.Context, desc queue.Descriptor) error {
	jobDir := filepath.Join(w.workDir, desc.JobID)
	defer w.cleanup(desc, jobDir)

	// A redelivered copy can arrive after an earlier delivery already drove
	// the job to a terminal state and removed its inputs. The recorded
	// outcome stands: re-driving would fail on the missing artifacts, wipe
	// the result URL, and could free a lock a newer job of the same
	// session now holds.
	if job, err := w.jobs.GetByID(ctx, desc.JobID); err == nil && job.Status.Terminal() {
		w.logger.Info().Str("job_id", desc.JobID).Str("status", string(job.Status)).Msg("worker: redelivery for settled job dropped")
		return nil
	}

	if err := w.jobs.UpdateStatus(ctx, desc.JobID, domain.JobStatusProcessing, domain.StatusUpdate{}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return w.fail(ctx, desc, genericFailureMessage, fmt.Sprintf("create job dir: %v", err))
	}
	resultPath := filepath.Join(jobDir, "result.jpg")

	if err := w.engine.Swap(ctx, desc.Img1Path, desc.Img2Path, resultPath); err != nil {
		if de, ok := swap.AsDomainError(err); ok {
			return w.fail(ctx, desc, de.Message, de.Detail)
		}
		return w.fail(ctx, desc, genericFailureMessage, err.Error())
	}

	res, err := w.uploads.Upload(ctx, resultPath, desc.JobID)
	if err != nil {
		return w.fail(ctx, desc, genericFailureMessage, fmt.Sprintf("store result: %v", err))
	}
	if res.Via == storage.ViaFallback {
		w.logger.Warn().Str("job_id", desc.JobID).Str("url", res.URL).Msg("worker: result stored via local fallback")
	}

	if err := w.jobs.UpdateStatus(ctx, desc.JobID, domain.JobStatusCompleted, domain.StatusUpdate{
		ResultURL: &res.URL,
	}); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	// The callback releases the session lock on the intake side. If intake
	// is unreachable, release directly so the session is never stranded.
	if err := w.api.UpdateStatus(ctx, desc.JobID, res.URL); err != nil {
		w.logger.Warn().Err(err).Str("job_id", desc.JobID).Msg("worker: completion callback failed, releasing lock directly")
		w.releaseDirect(ctx, desc.SessionID)
	}

	w.logger.Info().Str("job_id", desc.JobID).Str("url", res.URL).Msg("worker: job completed")
	return nil
}

// fail records a failed outcome. The user-facing message and the technical
// detail are stored separately; only the former ever reaches clients.
func (w *Worker) fail(ctx context.Context, desc queue.Descriptor, userMsg, technical string) error {
	if err := w.jobs.UpdateStatus(ctx, desc.JobID, domain.JobStatusFailed, domain.StatusUpdate{
		Error:          &userMsg,
		TechnicalError: &technical,
	}); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if err := w.api.ReleaseLock(ctx, desc.SessionID); err != nil {
		w.logger.Warn().Err(err).Str("session_id", desc.SessionID).Msg("worker: failure callback failed, releasing lock directly")
		w.releaseDirect(ctx, desc.SessionID)
	}

	w.logger.Info().Str("job_id", desc.JobID).Str("error", userMsg).Msg("worker: job failed")
	return nil
}

func (w *Worker) releaseDirect(ctx context.Context, sessionID string) {
	if err := w.locks.ForceRelease(ctx, sessionID); err != nil {
		w.logger.Warn().Err(err).Str("session_id", sessionID).Msg("worker: direct lock release failed, relying on TTL")
	}
}

// cleanup removes all temporary artifacts for a job: the job directory and
// any input files living outside it. Failures are logged, never escalated.
func (w *Worker) cleanup(desc queue.Descriptor, jobDir string) {
	if err := os.RemoveAll(jobDir); err != nil {
		w.logger.Warn().Err(err).Str("job_id", desc.JobID).Msg("worker: job dir cleanup failed")
	}
	for _, path := range []string{desc.Img1Path, desc.Img2Path} {
		if path == "" || strings.HasPrefix(path, jobDir+string(os.PathSeparator)) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Str("path", path).Msg("worker: input cleanup failed")
		}
	}
	// Inputs may share a directory outside our own work dir; drop it too
	// once its files are gone.
	for _, path := range []string{desc.Img1Path, desc.Img2Path} {
		dir := filepath.Dir(path)
		if path == "" || dir == jobDir || dir == w.workDir {
			continue
		}
		_ = os.Remove(dir)
	}
}

// drainDeadLetters gives expired and rejected messages a terminal
// disposition: mark the job error and free its session. Without this the
// dead-letter queue would accumulate silently and crashed jobs would hold
// their sessions until lock TTL.
func (w *Worker) drainDeadLetters(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.HandleDeadLetter(ctx, d)
		}
	}
}

// HandleDeadLetter settles one dead-lettered message. Unparseable bodies are
// acked and logged; there is no job to tie them to.
func (w *Worker) HandleDeadLetter(ctx context.Context, d amqp.Delivery) {
	desc, err := queue.ParseDescriptor(d.Body)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: unparseable dead letter dropped")
		if ackErr := d.Ack(false); ackErr != nil {
			w.logger.Error().Err(ackErr).Msg("worker: dead letter ack failed")
		}
		return
	}

	// Dead-lettering is a terminal outcome like any other; the job's
	// artifacts must not outlive it.
	defer w.cleanup(desc, filepath.Join(w.workDir, desc.JobID))

	// A redelivered copy can be dead-lettered after another delivery
	// already finished the job; a recorded terminal state stands.
	if job, err := w.jobs.GetByID(ctx, desc.JobID); err == nil && job.Status.Terminal() {
		w.logger.Info().Str("job_id", desc.JobID).Str("status", string(job.Status)).Msg("worker: dead letter for settled job dropped")
		if ackErr := d.Ack(false); ackErr != nil {
			w.logger.Error().Err(ackErr).Str("job_id", desc.JobID).Msg("worker: dead letter ack failed")
		}
		return
	}

	userMsg := "the job could not be processed in time"
	technical := "message dead-lettered (expired or rejected)"
	if err := w.jobs.UpdateStatus(ctx, desc.JobID, domain.JobStatusError, domain.StatusUpdate{
		Error:          &userMsg,
		TechnicalError: &technical,
	}); err != nil {
		w.logger.Error().Err(err).Str("job_id", desc.JobID).Msg("worker: dead letter status write failed")
	}
	w.releaseDirect(ctx, desc.SessionID)

	if err := d.Ack(false); err != nil {
		w.logger.Error().Err(err).Str("job_id", desc.JobID).Msg("worker: dead letter ack failed")
	}
	w.logger.Info().Str("job_id", desc.JobID).Msg("worker: dead letter settled")
}
