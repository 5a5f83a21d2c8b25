// Package admin exposes the administrative operations shared by the bot and the CLI.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ferrysync/internal/config"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/ingest"
	"ferrysync/internal/mail"
	"ferrysync/internal/model"
	"ferrysync/internal/scheduler"
	"ferrysync/internal/storage"
)

// Response is the outcome of an administrative trigger.
type Response struct {
	Success    bool
	Message    string
	NextUpdate *time.Time
}

// Status is a snapshot of the pipeline for display.
type Status struct {
	Running         bool
	NextUpdate      *time.Time
	Busy            bool
	Config          config.UpdateConfig
	Counts          model.TableCounts
	HistoricalCount int
	Files           []ingest.FileInfo
}

// FileStats summarizes the contents of a feed file.
type FileStats struct {
	Name    string
	Size    int64
	Routes  int
	Vessels int
	Ports   int
}

// ConnectionTester checks that credentials can open a mailbox session.
type ConnectionTester func(ctx context.Context, creds model.EmailCredentials) error

// Service implements the administrative operations.
type Service struct {
	sched      *scheduler.Scheduler
	pipeline   *ingest.Pipeline
	historical storage.HistoricalStore
	testConn   ConnectionTester
	mailOpts   []mail.Option
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithConnectionTester replaces the mailbox check used by TestConnection.
func WithConnectionTester(f ConnectionTester) Option {
	return func(s *Service) { s.testConn = f }
}

// WithMailOptions sets the client options used by the default mailbox check.
func WithMailOptions(opts ...mail.Option) Option {
	return func(s *Service) { s.mailOpts = append(s.mailOpts, opts...) }
}

// WithClock overrides the time source used for upload names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. historical may be nil.
func New(sched *scheduler.Scheduler, pipeline *ingest.Pipeline, historical storage.HistoricalStore, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		sched:      sched,
		pipeline:   pipeline,
		historical: historical,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.testConn == nil {
		s.testConn = s.connectMailbox
	}
	return s
}

func (s *Service) respond(ok bool, msg string) Response {
	r := Response{Success: ok, Message: msg}
	if next, scheduled := s.sched.NextUpdateTime(); scheduled {
		r.NextUpdate = &next
	}
	return r
}

// Start starts the scheduler.
func (s *Service) Start() Response {
	if !s.sched.Start() {
		return s.respond(false, "Scheduler is already running")
	}
	return s.respond(true, "Scheduler started")
}

// Stop stops the scheduler.
func (s *Service) Stop() Response {
	if !s.sched.Stop() {
		return s.respond(false, "Scheduler is not running")
	}
	return s.respond(true, "Scheduler stopped")
}

// RunNow runs one cycle immediately. When loading the fetched file fails, the
// newest valid file already on disk is loaded instead.
func (s *Service) RunNow(ctx context.Context) Response {
	res, err := s.sched.RunUpdateNow(ctx)
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		return s.respond(false, "An update is already in progress")
	case err != nil:
		return s.fallbackAfter(ctx, err)
	}

	switch res.Outcome {
	case ingest.OutcomeUpdated:
		return s.respond(true, "Update completed. "+res.Message)
	case ingest.OutcomeNoUpdate:
		return s.respond(true, "No new updates found")
	default:
		return s.respond(false, "Update failed. "+res.Message)
	}
}

func (s *Service) fallbackAfter(ctx context.Context, cause error) Response {
	s.log.Warn("live update failed, trying fallback", "error", cause)
	dir := s.sched.Config().UpdateDirectory

	res, err := s.pipeline.RunFallback(ctx, dir)
	if err != nil {
		return s.respond(false, fmt.Sprintf("Live update failed: %v. Fallback failed: %v", cause, err))
	}
	return s.respond(true, fmt.Sprintf("Live update failed: %v. Fallback loaded %s. %s",
		cause, filepath.Base(res.File), res.Message))
}

// Fallback loads the newest valid file from the update directory.
func (s *Service) Fallback(ctx context.Context) Response {
	res, err := s.pipeline.RunFallback(ctx, s.sched.Config().UpdateDirectory)
	if errors.Is(err, ingest.ErrCycleInProgress) {
		return s.respond(false, "An update is already in progress")
	}
	if err != nil {
		return s.respond(false, res.Message)
	}
	return s.respond(true, fmt.Sprintf("Loaded %s. %s", filepath.Base(res.File), res.Message))
}

// UpdateConfig applies a partial configuration change.
func (s *Service) UpdateConfig(patch config.UpdatePatch) Response {
	if patch.Empty() {
		return s.respond(false, "Nothing to change")
	}
	if _, err := s.sched.UpdateConfig(patch); err != nil {
		return s.respond(false, "Configuration not updated: "+err.Error())
	}
	return s.respond(true, "Configuration updated")
}

// Config returns the live update configuration.
func (s *Service) Config() config.UpdateConfig {
	return s.sched.Config()
}

// NextUpdate returns the next scheduled slot, or false when no weekday is configured.
func (s *Service) NextUpdate() (time.Time, bool) {
	return s.sched.NextUpdateTime()
}

// LoadFile validates and loads a file that is already on disk.
func (s *Service) LoadFile(ctx context.Context, path string) Response {
	res, err := s.pipeline.LoadFile(ctx, path)
	if errors.Is(err, ingest.ErrCycleInProgress) {
		return s.respond(false, "An update is already in progress")
	}
	if err != nil {
		return s.respond(false, res.Message)
	}
	return s.respond(true, res.Message)
}

// SaveUpload stores an uploaded file in the update directory and loads it.
func (s *Service) SaveUpload(ctx context.Context, name string, content []byte) Response {
	if !gtfs.IsFeedFile(name) {
		return s.respond(false, "Only .json files are accepted")
	}
	path, err := gtfs.SaveUpdate(s.sched.Config().UpdateDirectory, s.now(), name, content)
	if err != nil {
		s.log.Error("saving upload", "file", name, "error", err)
		return s.respond(false, "Could not save the file")
	}
	s.log.Info("upload saved", "path", path)

	r := s.LoadFile(ctx, path)
	r.Message = fmt.Sprintf("Saved %s. %s", filepath.Base(path), r.Message)
	return r
}

// Download fetches a feed from rawURL into the update directory and optionally loads it.
func (s *Service) Download(ctx context.Context, rawURL string, load bool) Response {
	path, err := s.pipeline.Download(ctx, rawURL, s.sched.Config().UpdateDirectory)
	if err != nil {
		return s.respond(false, "Download failed: "+err.Error())
	}
	if !load {
		return s.respond(true, "Downloaded "+filepath.Base(path))
	}
	r := s.LoadFile(ctx, path)
	r.Message = fmt.Sprintf("Downloaded %s. %s", filepath.Base(path), r.Message)
	return r
}

// Status collects the scheduler state, row counts and recent files.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		Running: s.sched.Running(),
		Busy:    s.pipeline.Busy(),
		Config:  s.sched.Config(),
	}
	if next, ok := s.sched.NextUpdateTime(); ok {
		st.NextUpdate = &next
	}

	counts, err := s.pipeline.Counts(ctx)
	if err != nil {
		return st, err
	}
	st.Counts = counts

	if s.historical != nil {
		if st.HistoricalCount, err = s.historical.Count(ctx); err != nil {
			return st, fmt.Errorf("count historical ranges: %w", err)
		}
	}

	files, err := s.ListFiles()
	if err != nil {
		s.log.Warn("listing update files", "error", err)
	}
	if len(files) > 10 {
		files = files[:10]
	}
	st.Files = files
	return st, nil
}

// ListFiles returns the feed files in the update directory, newest first.
func (s *Service) ListFiles() ([]ingest.FileInfo, error) {
	files, err := ingest.ListFiles(s.sched.Config().UpdateDirectory)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

// FileStats parses a file from the update directory and summarizes it.
func (s *Service) FileStats(name string) (FileStats, error) {
	path, err := s.updatePath(name)
	if err != nil {
		return FileStats{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return FileStats{}, fmt.Errorf("file %s: %w", filepath.Base(path), err)
	}
	records, err := gtfs.ParseRoutesFile(path)
	if err != nil {
		return FileStats{}, err
	}

	vessels := map[string]struct{}{}
	ports := map[string]struct{}{}
	for _, r := range records {
		for _, e := range r.Schedule {
			vessels[e.Vessel] = struct{}{}
		}
		ports[r.Route.OriginPortName] = struct{}{}
		ports[r.Route.DestinationPortName] = struct{}{}
	}
	return FileStats{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Routes:  len(records),
		Vessels: len(vessels),
		Ports:   len(ports),
	}, nil
}

// DeleteFile removes a file from the update directory.
func (s *Service) DeleteFile(name string) Response {
	path, err := s.updatePath(name)
	if err != nil {
		return s.respond(false, err.Error())
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.respond(false, "File not found")
		}
		return s.respond(false, "Could not delete the file")
	}
	s.log.Info("update file deleted", "path", path)
	return s.respond(true, "Deleted "+filepath.Base(path))
}

// updatePath resolves name inside the update directory. Directory parts are rejected.
func (s *Service) updatePath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.sched.Config().UpdateDirectory, name), nil
}

func (s *Service) connectMailbox(ctx context.Context, creds model.EmailCredentials) error {
	c := mail.New(creds, s.log, s.mailOpts...)
	defer c.Disconnect()
	return c.Connect(ctx)
}

// TestConnection checks the configured mailbox credentials.
func (s *Service) TestConnection(ctx context.Context) Response {
	creds := s.sched.Credentials()
	if !creds.Complete() {
		return s.respond(false, "Email credentials are not configured")
	}
	if err := s.testConn(ctx, creds); err != nil {
		s.log.Warn("mailbox connection test failed", "error", err)
		return s.respond(false, "Failed to connect to email server: "+err.Error())
	}
	return s.respond(true, "Successfully connected to email server")
}

// Historical looks up the date ranges of a port pair.
func (s *Service) Historical(ctx context.Context, q model.HistoricalQuery) ([]model.HistoricalDateRange, error) {
	if s.historical == nil {
		return nil, errors.New("historical store is not configured")
	}
	return s.historical.Lookup(ctx, q)
}
