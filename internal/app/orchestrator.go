package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/scoop/internal/archivestore"
	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/catalog"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/proxy"
	"github.com/raysh454/scoop/internal/wacz"
)

type JobEventType string

const (
	JobEventStatus JobEventType = "status"
	JobEventState  JobEventType = "capture_state"
	JobEventResult JobEventType = "result"
)

type JobEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`

	Status JobStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`

	// CaptureState is set on capture_state events.
	CaptureState string `json:"capture_state,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Job is one capture run in the background.
type Job struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Status    JobStatus     `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Events    chan JobEvent `json:"-"`

	Result *catalog.Entry `json:"result,omitempty"`

	done chan struct{}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBrowserLauncher replaces Chrome, for tests.
func WithBrowserLauncher(fn interfaces.BrowserLauncher) Option {
	return func(o *Orchestrator) { o.launcher = fn }
}

// WithExporter replaces the default WACZ exporter.
func WithExporter(e *wacz.Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// Orchestrator runs captures, packages them and records the result in the
// archive store and the catalog.
type Orchestrator struct {
	cfg      *Config
	store    *archivestore.Store
	catalog  *catalog.Catalog
	logger   logging.Logger
	launcher interfaces.BrowserLauncher
	exporter *wacz.Exporter
	importer *wacz.Importer

	jobsMu     sync.Mutex
	jobs       map[string]*Job
	jobCancels map[string]context.CancelFunc
	wg         sync.WaitGroup
}

func NewOrchestrator(cfg *Config, store *archivestore.Store, cat *catalog.Catalog, logger logging.Logger, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		catalog:    cat,
		logger:     logger,
		jobs:       make(map[string]*Job),
		jobCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exporter == nil {
		o.exporter = wacz.NewExporter(wacz.WithExporterLogger(logger))
	}
	o.importer = wacz.NewImporter(wacz.WithImporterLogger(logger))
	return o
}

// Capture runs one capture of url to completion and archives it.
// onState, when set, is called as the capture changes state.
func (o *Orchestrator) Capture(ctx context.Context, url string, onState func(capture.State)) (*catalog.Entry, error) {
	logger := o.logger.With(logging.String("url", url))
	metrics := proxy.NewMetrics()
	options := []capture.Option{capture.WithLogger(logger), capture.WithMetrics(metrics)}
	if o.launcher != nil {
		options = append(options, capture.WithBrowserLauncher(o.launcher))
	}
	c, err := capture.New(url, o.cfg.Capture, options...)
	if err != nil {
		return nil, err
	}

	if onState != nil {
		stop := watchState(c, onState)
		defer stop()
	}
	runErr := c.Run(ctx)
	logTraffic(logger, metrics)
	if runErr != nil {
		return nil, runErr
	}
	if onState != nil {
		onState(c.State())
	}
	return o.Archive(ctx, c)
}

// logTraffic reports what the capture's proxy saw.
func logTraffic(logger logging.Logger, m *proxy.Metrics) {
	s, err := m.Stats()
	if err != nil {
		logger.Warn("gather proxy metrics", logging.Err(err))
		return
	}
	logger.Info("proxy traffic",
		logging.Int64("request_bytes", s.RequestBytes),
		logging.Int64("response_bytes", s.ResponseBytes),
		logging.Int64("exchanges", s.Exchanges),
		logging.Int64("blocked", s.Blocked),
		logging.Int64("noarchive", s.NoArchive),
		logging.Int64("connection_errors", s.ConnErrors),
	)
}

// watchState polls the capture state until stop is called.
func watchState(c *capture.Capture, fn func(capture.State)) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		last := capture.State(-1)
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for {
			if s := c.State(); s != last {
				last = s
				fn(s)
			}
			select {
			case <-done:
				return
			case <-t.C:
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// Archive packages an exportable capture, stores the WACZ and records it.
func (o *Orchestrator) Archive(ctx context.Context, c *capture.Capture) (*catalog.Entry, error) {
	data, err := o.exporter.Export(ctx, c, wacz.ExportOptions{
		IncludeRaw: o.cfg.Export.IncludeRaw,
		Gzip:       o.cfg.Export.Gzip,
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	id, err := o.store.Put(data)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	entry := catalog.Entry{
		ID:            c.ID(),
		URL:           c.URL(),
		State:         c.State().String(),
		PartialReason: c.PartialReason(),
		Title:         c.PageInfo().Title,
		CapturedAt:    c.CreatedAt(),
		ExportedAt:    time.Now().UTC(),
		ExchangeCount: len(c.Exchanges()),
		ArchiveID:     id,
		ArchiveBytes:  int64(len(data)),
		Signed:        c.Options().SigningURL != "",
	}
	if err := o.catalog.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	o.logger.Info("capture archived",
		logging.String("capture_id", entry.ID),
		logging.String("state", entry.State),
		logging.String("archive", o.store.Path(id)),
		logging.Int64("bytes", entry.ArchiveBytes),
	)
	return &entry, nil
}

// ArchivePath returns where the WACZ of a cataloged capture is stored.
func (o *Orchestrator) ArchivePath(ctx context.Context, captureID string) (string, error) {
	e, err := o.catalog.Get(ctx, captureID)
	if err != nil {
		return "", err
	}
	return o.store.Path(e.ArchiveID), nil
}

// Open rebuilds a cataloged capture from its stored archive.
func (o *Orchestrator) Open(ctx context.Context, captureID string) (*capture.Capture, error) {
	e, err := o.catalog.Get(ctx, captureID)
	if err != nil {
		return nil, err
	}
	data, err := o.store.Get(e.ArchiveID)
	if err != nil {
		return nil, err
	}
	return o.importer.ImportBytes(ctx, data)
}

// Inspect rebuilds a capture from a WACZ file anywhere on disk.
func (o *Orchestrator) Inspect(ctx context.Context, path string) (*capture.Capture, error) {
	return o.importer.Import(ctx, path)
}

func (o *Orchestrator) List(ctx context.Context, opts catalog.ListOptions) ([]catalog.Entry, error) {
	return o.catalog.List(ctx, opts)
}

// Delete removes a capture from the catalog, and its archive once no other
// entry points at it.
func (o *Orchestrator) Delete(ctx context.Context, captureID string) error {
	e, err := o.catalog.Get(ctx, captureID)
	if err != nil {
		return err
	}
	if err := o.catalog.Delete(ctx, captureID); err != nil {
		return err
	}
	inUse, err := o.catalog.ArchiveInUse(ctx, e.ArchiveID)
	if err != nil || inUse {
		return err
	}
	return o.store.Delete(e.ArchiveID)
}

// ─── Jobs ──────────────────────────────────────────────────────────────

func (o *Orchestrator) emitJobEvent(job *Job, ev JobEvent) {
	ev.JobID = job.ID
	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

func (o *Orchestrator) setStatus(job *Job, status JobStatus, errMsg string) {
	o.jobsMu.Lock()
	job.Status = status
	job.Error = errMsg
	o.jobsMu.Unlock()
	o.emitJobEvent(job, JobEvent{Type: JobEventStatus, Status: status, Error: errMsg})
}

// StartCaptureJob runs Capture in the background. Events are delivered on
// job.Events, which is closed when the job ends.
func (o *Orchestrator) StartCaptureJob(ctx context.Context, url string) (*Job, error) {
	if _, err := capture.New(url, o.cfg.Capture); err != nil {
		return nil, err
	}
	job := &Job{
		ID:        uuid.New().String(),
		URL:       url,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan JobEvent, 32),
		done:      make(chan struct{}),
	}
	jobCtx, cancel := context.WithCancel(ctx)

	o.jobsMu.Lock()
	o.jobs[job.ID] = job
	o.jobCancels[job.ID] = cancel
	o.jobsMu.Unlock()
	o.emitJobEvent(job, JobEvent{Type: JobEventStatus, Status: JobPending})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.jobsMu.Lock()
			job.EndedAt = time.Now().UTC()
			delete(o.jobCancels, job.ID)
			o.jobsMu.Unlock()
			cancel()
			close(job.Events)
			close(job.done)
			o.scheduleJobCleanup(job.ID)
		}()

		o.setStatus(job, JobRunning, "")
		entry, err := o.Capture(jobCtx, url, func(s capture.State) {
			o.emitJobEvent(job, JobEvent{Type: JobEventState, CaptureState: s.String()})
		})
		switch {
		case err != nil && jobCtx.Err() != nil && errors.Is(err, capture.ErrNothingCaptured):
			o.setStatus(job, JobCanceled, jobCtx.Err().Error())
		case err != nil:
			o.setStatus(job, JobFailed, err.Error())
		default:
			o.jobsMu.Lock()
			job.Status = JobDone
			job.Result = entry
			o.jobsMu.Unlock()
			o.emitJobEvent(job, JobEvent{Type: JobEventResult, Status: JobDone})
		}
	}()
	return job, nil
}

func (o *Orchestrator) scheduleJobCleanup(jobID string) {
	if o.cfg.JobRetentionTime <= 0 {
		return
	}
	time.AfterFunc(o.cfg.JobRetentionTime, func() {
		o.jobsMu.Lock()
		delete(o.jobs, jobID)
		o.jobsMu.Unlock()
	})
}

// GetJob returns a snapshot of a job.
func (o *Orchestrator) GetJob(jobID string) (Job, bool) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	snap := *j
	snap.Events = nil
	return snap, true
}

// CancelJob cancels a running job. A capture cancelled after it recorded
// traffic still ends PARTIAL and is archived.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.jobsMu.Lock()
	cancel, ok := o.jobCancels[jobID]
	o.jobsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every running job and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.jobsMu.Lock()
	for _, cancel := range o.jobCancels {
		cancel()
	}
	o.jobsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
