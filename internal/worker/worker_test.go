package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/queue"
	"server/internal/storage"
	"server/internal/swap"
)

type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	failUpdate bool
}

func newFakeJobs(ids ...string) *fakeJobs {
	f := &fakeJobs{jobs: map[string]*domain.Job{}}
	for _, id := range ids {
		f.jobs[id] = &domain.Job{JobID: id, SessionID: "s1", Status: domain.JobStatusProcessing}
	}
	return f
}

func (f *fakeJobs) Create(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeJobs) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, update domain.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return errors.New("store down")
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = status
	if status == domain.JobStatusCompleted {
		if update.ResultURL != nil {
			job.ResultURL = update.ResultURL
		}
	} else {
		job.ResultURL = nil
	}
	if update.Error != nil {
		job.Error = update.Error
	}
	if update.TechnicalError != nil {
		job.TechnicalError = update.TechnicalError
	}
	return nil
}

func (f *fakeJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) get(t *testing.T, jobID string) domain.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		t.Fatalf("job %s not found", jobID)
	}
	return *job
}

type fakeLocks struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeLocks) Acquire(ctx context.Context, sessionID string) (string, error) {
	return "token", nil
}

func (f *fakeLocks) Release(ctx context.Context, sessionID, token string) error { return nil }

func (f *fakeLocks) ForceRelease(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sessionID)
	return nil
}

type fakeEngine struct {
	run func(ctx context.Context, img1, img2, out string) error
}

func (f *fakeEngine) Swap(ctx context.Context, img1, img2, out string) error {
	return f.run(ctx, img1, img2, out)
}

func writeResult(ctx context.Context, img1, img2, out string) error {
	return os.WriteFile(out, []byte("swapped"), 0o644)
}

type fakeUploads struct {
	result storage.UploadResult
	err    error
}

func (f *fakeUploads) Upload(ctx context.Context, localPath, jobID string) (storage.UploadResult, error) {
	if f.err != nil {
		return storage.UploadResult{}, f.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return storage.UploadResult{}, fmt.Errorf("artifact missing: %w", err)
	}
	return f.result, nil
}

type fakeCallback struct {
	mu        sync.Mutex
	updates   []string
	releases  []string
	failState bool
}

func (f *fakeCallback) UpdateStatus(ctx context.Context, jobID, resultURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failState {
		return errors.New("api unreachable")
	}
	f.updates = append(f.updates, jobID)
	return nil
}

func (f *fakeCallback) ReleaseLock(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failState {
		return errors.New("api unreachable")
	}
	f.releases = append(f.releases, sessionID)
	return nil
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type env struct {
	jobs    *fakeJobs
	locks   *fakeLocks
	uploads *fakeUploads
	api     *fakeCallback
	workDir string
	worker  *Worker
}

func newEnv(t *testing.T, engine swap.Engine) *env {
	t.Helper()
	e := &env{
		jobs:    newFakeJobs("j1"),
		locks:   &fakeLocks{},
		uploads: &fakeUploads{result: storage.UploadResult{URL: "https://cdn.example.com/j1", Via: storage.ViaPrimary}},
		api:     &fakeCallback{},
		workDir: t.TempDir(),
	}
	e.worker = New(e.jobs, e.locks, engine, e.uploads, e.api, e.workDir, zerolog.Nop())
	return e
}

// seedInputs writes two input artifacts under the job's work directory and
// returns a matching descriptor.
func (e *env) seedInputs(t *testing.T, jobID string) queue.Descriptor {
	t.Helper()
	jobDir := filepath.Join(e.workDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img1 := filepath.Join(jobDir, "image1_abc.jpg")
	img2 := filepath.Join(jobDir, "image2_def.jpg")
	for _, p := range []string{img1, img2} {
		if err := os.WriteFile(p, []byte("input"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	return queue.Descriptor{JobID: jobID, Img1Path: img1, Img2Path: img2, SessionID: "s1"}
}

func delivery(t *testing.T, desc queue.Descriptor, ack *fakeAcknowledger) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func (e *env) assertClean(t *testing.T, desc queue.Descriptor) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(e.workDir, desc.JobID)); !os.IsNotExist(err) {
		t.Fatalf("job dir survived cleanup (stat err %v)", err)
	}
	for _, p := range []string{desc.Img1Path, desc.Img2Path} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("input %s survived cleanup (stat err %v)", p, err)
		}
	}
}

func TestSuccessfulJobCompletes(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.ResultURL == nil || *job.ResultURL != "https://cdn.example.com/j1" {
		t.Fatalf("resultUrl = %v", job.ResultURL)
	}
	if len(e.api.updates) != 1 || e.api.updates[0] != "j1" {
		t.Fatalf("callback updates = %v", e.api.updates)
	}
	if !ack.acked || ack.nacked {
		t.Fatalf("message not acked cleanly: %+v", ack)
	}
	e.assertClean(t, desc)
}

func TestDomainFailureKeepsTechnicalDetailPrivate(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: func(ctx context.Context, img1, img2, out string) error {
		return swap.ErrNoFaceFound("no faces detected in source image")
	}})
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == nil || *job.Error != "no detectable face found in the uploaded images" {
		t.Fatalf("user error = %v", job.Error)
	}
	if job.TechnicalError == nil || *job.TechnicalError == "" {
		t.Fatal("technical detail was dropped")
	}
	if job.ResultURL != nil {
		t.Fatalf("failed job has resultUrl %q", *job.ResultURL)
	}
	if len(e.api.releases) != 1 || e.api.releases[0] != "s1" {
		t.Fatalf("release callbacks = %v", e.api.releases)
	}
	if !ack.acked {
		t.Fatal("failed outcome was recorded but message not acked")
	}
	e.assertClean(t, desc)
}

func TestInfrastructureFailureUsesGenericMessage(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: func(ctx context.Context, img1, img2, out string) error {
		return errors.New("model runner segfaulted")
	}})
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == nil || *job.Error != genericFailureMessage {
		t.Fatalf("user error = %v, want generic message", job.Error)
	}
	if job.TechnicalError == nil || *job.TechnicalError != "model runner segfaulted" {
		t.Fatalf("technical error = %v", job.TechnicalError)
	}
	e.assertClean(t, desc)
}

func TestCallbackFailureReleasesLockDirectly(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	e.api.failState = true
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	if job := e.jobs.get(t, "j1"); job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if len(e.locks.released) != 1 || e.locks.released[0] != "s1" {
		t.Fatalf("direct releases = %v, want [s1]", e.locks.released)
	}
	if !ack.acked {
		t.Fatal("message not acked")
	}
}

func TestUploadFallbackStillCompletes(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	e.uploads.result = storage.UploadResult{URL: "http://localhost:8080/results/j1.jpg", Via: storage.ViaFallback}
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed despite fallback", job.Status)
	}
	if job.ResultURL == nil || *job.ResultURL != "http://localhost:8080/results/j1.jpg" {
		t.Fatalf("resultUrl = %v", job.ResultURL)
	}
}

func TestMalformedMessageIsDeadLettered(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"this is": not json`),
	})

	if !ack.nacked || ack.requeue {
		t.Fatalf("malformed message must be nacked without requeue: %+v", ack)
	}
	if job := e.jobs.get(t, "j1"); job.Status != domain.JobStatusProcessing {
		t.Fatalf("job mutated by malformed message: %s", job.Status)
	}
}

func TestUnrecordableOutcomeIsDeadLettered(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	e.jobs.failUpdate = true
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	if !ack.nacked || ack.requeue {
		t.Fatalf("unrecordable outcome must be nacked without requeue: %+v", ack)
	}
	if ack.acked {
		t.Fatal("message acked before outcome was durably recorded")
	}
	e.assertClean(t, desc)
}

func TestRedeliveryConvergesToSameState(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	desc := e.seedInputs(t, "j1")

	// First delivery completes the job and removes its inputs. The broker
	// may still redeliver the same message, e.g. after a crash between the
	// status write and the ack; the second copy arrives with the artifacts
	// already gone.
	for i := 0; i < 2; i++ {
		ack := &fakeAcknowledger{}
		e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))
		if !ack.acked || ack.nacked {
			t.Fatalf("delivery %d not acked cleanly: %+v", i+1, ack)
		}
		job := e.jobs.get(t, "j1")
		if job.Status != domain.JobStatusCompleted {
			t.Fatalf("delivery %d: status = %s, want completed", i+1, job.Status)
		}
		if job.ResultURL == nil || *job.ResultURL != "https://cdn.example.com/j1" {
			t.Fatalf("delivery %d: resultUrl = %v", i+1, job.ResultURL)
		}
	}
	if len(e.api.updates) != 1 {
		t.Fatalf("callback count = %d, want exactly one", len(e.api.updates))
	}
	if len(e.locks.released) != 0 {
		t.Fatalf("redelivery released session locks: %v", e.locks.released)
	}
}

func TestRedeliveryOfFailedJobPreservesOutcome(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: func(ctx context.Context, img1, img2, out string) error {
		return swap.ErrNoFaceFound("no faces detected in source image")
	}})
	desc := e.seedInputs(t, "j1")

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, &fakeAcknowledger{}))
	first := e.jobs.get(t, "j1")
	if first.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", first.Status)
	}

	ack := &fakeAcknowledger{}
	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))
	if !ack.acked {
		t.Fatal("redelivery not acked")
	}
	second := e.jobs.get(t, "j1")
	if second.Status != domain.JobStatusFailed || second.Error == nil || *second.Error != *first.Error {
		t.Fatalf("redelivery changed recorded outcome: %+v", second)
	}
	if got := len(e.api.releases); got != 1 {
		t.Fatalf("release callbacks = %d, want exactly one", got)
	}
}

func TestDeadLetterSettlesJobAndSession(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	desc := e.seedInputs(t, "j1")
	ack := &fakeAcknowledger{}

	e.worker.HandleDeadLetter(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if len(e.locks.released) != 1 || e.locks.released[0] != "s1" {
		t.Fatalf("releases = %v, want [s1]", e.locks.released)
	}
	if !ack.acked {
		t.Fatal("dead letter not acked")
	}
	e.assertClean(t, desc)
}

func TestDeadLetterForSettledJobIsDropped(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	url := "https://cdn.example.com/j1"
	e.jobs.jobs["j1"].Status = domain.JobStatusCompleted
	e.jobs.jobs["j1"].ResultURL = &url
	desc := queue.Descriptor{JobID: "j1", Img1Path: "/tmp/x/a.jpg", Img2Path: "/tmp/x/b.jpg", SessionID: "s1"}
	ack := &fakeAcknowledger{}

	e.worker.HandleDeadLetter(context.Background(), delivery(t, desc, ack))

	job := e.jobs.get(t, "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("settled job clobbered to %s", job.Status)
	}
	if job.ResultURL == nil || *job.ResultURL != url {
		t.Fatalf("resultUrl = %v", job.ResultURL)
	}
	if !ack.acked {
		t.Fatal("dead letter for settled job not acked")
	}
}

func TestDeadLetterWithUnparseableBodyIsDropped(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	ack := &fakeAcknowledger{}

	e.worker.HandleDeadLetter(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte("garbage"),
	})

	if !ack.acked {
		t.Fatal("unparseable dead letter must still be acked")
	}
	if len(e.locks.released) != 0 {
		t.Fatalf("releases = %v, want none", e.locks.released)
	}
}

func TestInputsOutsideJobDirAreRemoved(t *testing.T) {
	e := newEnv(t, &fakeEngine{run: writeResult})
	ext := t.TempDir()
	img1 := filepath.Join(ext, "image1_abc.jpg")
	img2 := filepath.Join(ext, "image2_def.jpg")
	for _, p := range []string{img1, img2} {
		if err := os.WriteFile(p, []byte("input"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	desc := queue.Descriptor{JobID: "j1", Img1Path: img1, Img2Path: img2, SessionID: "s1"}
	ack := &fakeAcknowledger{}

	e.worker.HandleDelivery(context.Background(), delivery(t, desc, ack))

	for _, p := range []string{img1, img2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("external input %s survived cleanup", p)
		}
	}
}
