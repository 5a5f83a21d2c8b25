package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ferrysync/internal/config"
	"ferrysync/internal/fault"
	"ferrysync/internal/fetcher"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/mail"
	"ferrysync/internal/metrics"
	"ferrysync/internal/model"
)

// ErrCycleInProgress is returned when another store-writing operation is running.
var ErrCycleInProgress = errors.New("an update is already in progress")

// Outcome summarizes how a cycle ended.
type Outcome string

// Cycle outcomes.
const (
	OutcomeUpdated      Outcome = "updated"
	OutcomeNoUpdate     Outcome = "no_update"
	OutcomeNoValidFiles Outcome = "no_valid_files"
	OutcomeFetchFailed  Outcome = "fetch_failed"
	OutcomeLoadFailed   Outcome = "load_failed"
)

// Triggers label what started a cycle in logs and metrics.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerFallback = "fallback"
	TriggerFile     = "file"
)

// Result describes one finished pipeline operation.
type Result struct {
	CycleID        string
	Outcome        Outcome
	Kind           fault.Kind
	File           string
	HistoricalFile string
	Counts         model.TableCounts
	HistoricalRows int
	Message        string
}

// Mailbox is the part of the mail client a cycle uses.
type Mailbox interface {
	Connect(ctx context.Context) error
	Search(ctx context.Context, q mail.SearchQuery) ([]uint32, error)
	FetchAttachments(ctx context.Context, uid uint32, saveDir string, jsonOnly bool) ([]model.Attachment, error)
	Disconnect()
}

// MailboxFactory builds a fresh Mailbox for one cycle.
type MailboxFactory func(creds model.EmailCredentials) Mailbox

// CycleParams is the configuration snapshot a cycle runs with.
type CycleParams struct {
	Config      config.UpdateConfig
	Credentials model.EmailCredentials
	Trigger     string
}

// Pipeline runs ingestion cycles, fallback loads and explicit file loads.
// At most one of them writes to the stores at any time.
type Pipeline struct {
	loader     *Loader
	newMailbox MailboxFactory
	fetcher    *fetcher.Fetcher
	loc        *time.Location
	now        func() time.Time
	log        *slog.Logger

	guard chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocation sets the zone in which "today" is computed for the search window.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) { p.loc = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithFetcher sets the HTTP fetcher used by Download.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// NewPipeline creates a Pipeline.
func NewPipeline(loader *Loader, newMailbox MailboxFactory, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		loader:     loader,
		newMailbox: newMailbox,
		fetcher:    fetcher.New(&http.Client{Timeout: 60 * time.Second}),
		loc:        time.Local,
		now:        time.Now,
		log:        log,
		guard:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MailboxFactoryFor returns a factory that builds IMAP clients with the given options.
func MailboxFactoryFor(log *slog.Logger, opts ...mail.Option) MailboxFactory {
	return func(creds model.EmailCredentials) Mailbox {
		return mail.New(creds, log, opts...)
	}
}

func (p *Pipeline) acquire() (func(), error) {
	select {
	case p.guard <- struct{}{}:
		return func() { <-p.guard }, nil
	default:
		return nil, ErrCycleInProgress
	}
}

// Busy reports whether a store-writing operation is running.
func (p *Pipeline) Busy() bool {
	return len(p.guard) > 0
}

// RunCycle fetches new attachments from the mailbox and loads the newest valid one.
// Mail failures end the cycle with OutcomeFetchFailed and a nil error. Load
// failures are returned as LoadFailed errors alongside the partial Result.
func (p *Pipeline) RunCycle(ctx context.Context, params CycleParams) (res Result, err error) {
	release, err := p.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	res.CycleID = uuid.NewString()
	log := p.log.With("cycle_id", res.CycleID, "trigger", params.Trigger)
	log.Info("ingestion cycle started")
	defer func() { finish(log, params.Trigger, &res, err) }()

	cfg := params.Config
	saved, found, ferr := p.fetch(ctx, log, params)
	if ferr != nil {
		res.Outcome = OutcomeFetchFailed
		res.Kind = fault.KindOf(ferr)
		res.Message = "Fetching email failed: " + ferr.Error()
		return res, nil
	}
	if found == 0 {
		res.Outcome = OutcomeNoUpdate
		res.Message = "No new update emails found"
		return res, nil
	}

	chosen, ok := newestValid(log, saved)
	if !ok {
		res.Outcome = OutcomeNoValidFiles
		res.Kind = fault.ValidationFailed
		res.Message = fmt.Sprintf("None of the %d downloaded files is a valid feed", len(saved))
		return res, nil
	}
	res.File = chosen

	res.Counts, err = p.loader.LoadCurrent(ctx, chosen)
	if err != nil {
		res.Outcome = OutcomeLoadFailed
		res.Kind = fault.KindOf(err)
		res.Message = "Loading " + chosen + " failed: " + err.Error()
		return res, err
	}

	if cfg.EnableHistorical {
		if companion, ok := gtfs.CompanionOf(chosen, saved); ok {
			res.HistoricalFile = companion
			res.HistoricalRows, err = p.loader.LoadHistorical(ctx, companion)
			if err != nil {
				res.Outcome = OutcomeLoadFailed
				res.Kind = fault.KindOf(err)
				res.Message = "Loading historical file " + companion + " failed: " + err.Error()
				return res, err
			}
		}
	}

	res.Outcome = OutcomeUpdated
	res.Message = updatedMessage(res)
	return res, nil
}

// fetch runs the mail part of a cycle and returns the saved paths together with
// the number of matching messages.
func (p *Pipeline) fetch(ctx context.Context, log *slog.Logger, params CycleParams) ([]string, int, error) {
	mb := p.newMailbox(params.Credentials)
	defer mb.Disconnect()

	if err := mb.Connect(ctx); err != nil {
		log.Error("connecting to mailbox", "error", err)
		return nil, 0, err
	}

	filter := params.Config.EmailFilter
	q := mail.SearchQuery{
		Subject: filter.Subject,
		Since:   p.searchSince(filter.DaysBack),
		Limit:   mail.DefaultLimit,
	}
	if filter.Sender != nil {
		q.Sender = *filter.Sender
	}

	uids, err := mb.Search(ctx, q)
	if err != nil {
		log.Error("searching mailbox", "error", err)
		return nil, 0, err
	}
	if len(uids) == 0 {
		log.Info("no matching emails", "subject", q.Subject, "since", q.Since.Format(time.DateOnly))
		return nil, 0, nil
	}

	dir := params.Config.UpdateDirectory
	var saved []string
	for _, uid := range uids {
		atts, err := mb.FetchAttachments(ctx, uid, dir, true)
		if fault.Is(err, fault.ParseFailed) {
			log.Warn("skipping unreadable message", "uid", uid, "error", err)
			continue
		}
		if err != nil {
			log.Error("fetching attachments", "uid", uid, "error", err)
			return nil, len(uids), err
		}
		for _, a := range atts {
			saved = append(saved, a.Path)
		}
	}
	log.Info("attachments downloaded", "messages", len(uids), "files", len(saved))
	return saved, len(uids), nil
}

// searchSince returns local midnight daysBack days ago.
func (p *Pipeline) searchSince(daysBack int) time.Time {
	now := p.now().In(p.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc).AddDate(0, 0, -daysBack)
}

// LoadFile validates and loads an explicitly supplied file. Files marked as
// historical go to the historical store.
func (p *Pipeline) LoadFile(ctx context.Context, path string) (res Result, err error) {
	release, err := p.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	res.CycleID = uuid.NewString()
	log := p.log.With("cycle_id", res.CycleID, "trigger", TriggerFile)
	defer func() { finish(log, TriggerFile, &res, err) }()

	if gtfs.IsHistoricalName(path) {
		res.HistoricalFile = path
		res.HistoricalRows, err = p.loader.LoadHistorical(ctx, path)
		if err != nil {
			res.Outcome, res.Kind = OutcomeLoadFailed, fault.KindOf(err)
			res.Message = "Loading historical file failed: " + err.Error()
			return res, err
		}
		res.Outcome = OutcomeUpdated
		res.Message = updatedMessage(res)
		return res, nil
	}

	if err = gtfs.Validate(path); err != nil {
		res.Outcome, res.Kind = OutcomeNoValidFiles, fault.ValidationFailed
		res.Message = "File is not a valid feed: " + err.Error()
		return res, err
	}
	res.File = path
	res.Counts, err = p.loader.LoadCurrent(ctx, path)
	if err != nil {
		res.Outcome, res.Kind = OutcomeLoadFailed, fault.KindOf(err)
		res.Message = "Loading file failed: " + err.Error()
		return res, err
	}
	res.Outcome = OutcomeUpdated
	res.Message = updatedMessage(res)
	return res, nil
}

// LoadHistoricalFile loads path into the historical store regardless of its name.
func (p *Pipeline) LoadHistoricalFile(ctx context.Context, path string) (res Result, err error) {
	release, err := p.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	res.CycleID = uuid.NewString()
	log := p.log.With("cycle_id", res.CycleID, "trigger", TriggerFile)
	defer func() { finish(log, TriggerFile, &res, err) }()

	res.HistoricalFile = path
	res.HistoricalRows, err = p.loader.LoadHistorical(ctx, path)
	if err != nil {
		res.Outcome, res.Kind = OutcomeLoadFailed, fault.KindOf(err)
		res.Message = "Loading historical file failed: " + err.Error()
		return res, err
	}
	res.Outcome = OutcomeUpdated
	res.Message = updatedMessage(res)
	return res, nil
}

// Download saves the body of rawURL into dir. The file is not loaded.
func (p *Pipeline) Download(ctx context.Context, rawURL, dir string) (string, error) {
	path, err := p.fetcher.Download(ctx, rawURL, dir)
	if err != nil {
		return "", fault.New(fault.ConnectionFailed, "download "+rawURL, err)
	}
	p.log.Info("feed downloaded", "url", rawURL, "path", path)
	return path, nil
}

// Counts returns the current table counts.
func (p *Pipeline) Counts(ctx context.Context) (model.TableCounts, error) {
	return p.loader.Counts(ctx)
}

func finish(log *slog.Logger, trigger string, res *Result, err error) {
	metrics.RecordCycle(trigger, string(res.Outcome))
	switch {
	case err != nil:
		log.Error("update failed", "outcome", res.Outcome, "kind", res.Kind, "error", err)
	case res.Outcome == OutcomeUpdated:
		metrics.RecordSuccess(time.Now())
		log.Info("update finished", "outcome", res.Outcome, "file", res.File, "historical_file", res.HistoricalFile)
	case res.Outcome == OutcomeFetchFailed:
		log.Warn("update finished", "outcome", res.Outcome, "kind", res.Kind, "retryable", res.Kind.Retryable())
	default:
		log.Info("update finished", "outcome", res.Outcome)
	}
}

func updatedMessage(res Result) string {
	msg := ""
	if res.File != "" {
		msg = fmt.Sprintf("Loaded %d routes, %d sailings, %d prices and %d accommodation prices",
			res.Counts.Routes, res.Counts.Schedules, res.Counts.Prices, res.Counts.AccommodationPrices)
	}
	if res.HistoricalFile != "" {
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("loaded %d historical date ranges", res.HistoricalRows)
	}
	return msg
}
