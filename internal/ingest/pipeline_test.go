package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ferrysync/internal/config"
	"ferrysync/internal/fault"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/mail"
	"ferrysync/internal/model"
	"ferrysync/internal/storage"
)

var (
	testNow       = time.Date(2024, 7, 10, 5, 0, 0, 0, time.UTC)
	minimalCounts = model.TableCounts{Routes: 1, Schedules: 1, Prices: 1, AccommodationPrices: 1}
	arrayCounts   = model.TableCounts{Routes: 2, Schedules: 3, Prices: 2, AccommodationPrices: 2}
)

type fakeFile struct {
	name    string
	content string
	mod     time.Time
}

type fakeMailbox struct {
	connectErr error
	searchErr  error
	uids       []uint32
	messages   map[uint32][]fakeFile

	// When entered is set, Connect signals it and waits for release.
	entered chan struct{}
	release chan struct{}

	query        mail.SearchQuery
	disconnected bool
}

func (m *fakeMailbox) Connect(_ context.Context) error {
	if m.entered != nil {
		close(m.entered)
		<-m.release
	}
	return m.connectErr
}

func (m *fakeMailbox) Search(_ context.Context, q mail.SearchQuery) ([]uint32, error) {
	m.query = q
	if m.searchErr != nil {
		return []uint32{}, m.searchErr
	}
	return m.uids, nil
}

func (m *fakeMailbox) FetchAttachments(_ context.Context, uid uint32, dir string, _ bool) ([]model.Attachment, error) {
	var out []model.Attachment
	for _, f := range m.messages[uid] {
		path, err := gtfs.SaveUpdate(dir, f.mod, f.name, []byte(f.content))
		if err != nil {
			return nil, err
		}
		if err := os.Chtimes(path, f.mod, f.mod); err != nil {
			return nil, err
		}
		out = append(out, model.Attachment{MessageUID: uid, Path: path, FileName: f.name, SavedAt: f.mod})
	}
	return out, nil
}

func (m *fakeMailbox) Disconnect() { m.disconnected = true }

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("../../testdata", name)) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return string(b)
}

type testEnv struct {
	pipeline   *Pipeline
	routes     *storage.RoutesSQLite
	historical *storage.HistoricalSQLite
	dir        string
}

func newTestEnv(t *testing.T, mb *fakeMailbox) testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	routes, err := storage.NewRoutesSQLite(":memory:")
	if err != nil {
		t.Fatalf("open routes: %v", err)
	}
	t.Cleanup(func() { _ = routes.Close() })
	historical, err := storage.NewHistoricalSQLite(":memory:")
	if err != nil {
		t.Fatalf("open historical: %v", err)
	}
	t.Cleanup(func() { _ = historical.Close() })

	p := NewPipeline(
		NewLoader(routes, historical, log),
		func(model.EmailCredentials) Mailbox { return mb },
		log,
		WithLocation(time.UTC),
		WithClock(func() time.Time { return testNow }),
	)
	return testEnv{pipeline: p, routes: routes, historical: historical, dir: t.TempDir()}
}

func (e testEnv) params(historical bool) CycleParams {
	cfg := config.DefaultUpdateConfig()
	cfg.UpdateDirectory = e.dir
	cfg.EnableHistorical = historical
	return CycleParams{Config: cfg, Trigger: TriggerManual}
}

func TestRunCycle(t *testing.T) {
	t1, t2, t3 := testNow.Add(-3*time.Hour), testNow.Add(-2*time.Hour), testNow.Add(-time.Hour)
	minimal := fixture(t, "routes_minimal.json")
	array := fixture(t, "routes_array.json")
	historical := fixture(t, "historical_minimal.json")

	tests := []struct {
		name           string
		mailbox        *fakeMailbox
		historical     bool
		wantOutcome    Outcome
		wantKind       fault.Kind
		wantFile       string
		wantCounts     model.TableCounts
		wantHistorical int
	}{
		{
			name:        "no matching emails",
			mailbox:     &fakeMailbox{},
			wantOutcome: OutcomeNoUpdate,
		},
		{
			name:        "login rejected",
			mailbox:     &fakeMailbox{connectErr: fault.New(fault.AuthFailed, "login", errors.New("bad password"))},
			wantOutcome: OutcomeFetchFailed,
			wantKind:    fault.AuthFailed,
		},
		{
			name:        "search fails",
			mailbox:     &fakeMailbox{searchErr: fault.New(fault.ConnectionFailed, "search", errors.New("reset"))},
			wantOutcome: OutcomeFetchFailed,
			wantKind:    fault.ConnectionFailed,
		},
		{
			name: "only invalid files",
			mailbox: &fakeMailbox{
				uids:     []uint32{1},
				messages: map[uint32][]fakeFile{1: {{name: "empty.json", content: "{}", mod: t1}}},
			},
			wantOutcome: OutcomeNoValidFiles,
			wantKind:    fault.ValidationFailed,
		},
		{
			name: "newest valid file wins",
			mailbox: &fakeMailbox{
				uids: []uint32{1, 2},
				messages: map[uint32][]fakeFile{
					1: {{name: "older.json", content: array, mod: t1}},
					2: {
						{name: "newer.json", content: minimal, mod: t2},
						{name: "broken.json", content: "[", mod: t3},
					},
				},
			},
			wantOutcome: OutcomeUpdated,
			wantFile:    "newer.json",
			wantCounts:  minimalCounts,
		},
		{
			name: "historical companion loaded",
			mailbox: &fakeMailbox{
				uids: []uint32{1},
				messages: map[uint32][]fakeFile{1: {
					{name: "ferries.json", content: array, mod: t1},
					{name: "ferries_historical.json", content: historical, mod: t2},
				}},
			},
			historical:     true,
			wantOutcome:    OutcomeUpdated,
			wantFile:       "ferries.json",
			wantCounts:     arrayCounts,
			wantHistorical: 3,
		},
		{
			name: "historical disabled",
			mailbox: &fakeMailbox{
				uids: []uint32{1},
				messages: map[uint32][]fakeFile{1: {
					{name: "ferries.json", content: array, mod: t1},
					{name: "ferries_historical.json", content: historical, mod: t2},
				}},
			},
			wantOutcome: OutcomeUpdated,
			wantFile:    "ferries.json",
			wantCounts:  arrayCounts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mailbox)
			ctx := context.Background()

			res, err := env.pipeline.RunCycle(ctx, env.params(tt.historical))
			if err != nil {
				t.Fatalf("RunCycle() error = %v", err)
			}

			if diff := cmp.Diff(tt.wantOutcome, res.Outcome); diff != "" {
				t.Errorf("outcome mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantKind, res.Kind); diff != "" {
				t.Errorf("kind mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCounts, res.Counts); diff != "" {
				t.Errorf("counts mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantHistorical, res.HistoricalRows); diff != "" {
				t.Errorf("historical rows mismatch (-want +got):\n%s", diff)
			}
			if tt.wantFile != "" && gtfs.Stem(res.File)+".json" != tt.wantFile {
				t.Errorf("loaded %s, want file named %s", res.File, tt.wantFile)
			}
			if res.CycleID == "" {
				t.Error("missing cycle id")
			}
			if !tt.mailbox.disconnected {
				t.Error("mailbox was not disconnected")
			}

			stored, err := env.routes.Counts(ctx)
			if err != nil {
				t.Fatalf("counts: %v", err)
			}
			if diff := cmp.Diff(tt.wantCounts, stored); diff != "" {
				t.Errorf("stored counts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunCycleSearchWindow(t *testing.T) {
	mb := &fakeMailbox{}
	env := newTestEnv(t, mb)

	params := env.params(true)
	sender := "timetables@example.com"
	params.Config.EmailFilter = config.EmailFilter{Subject: "GTFS", Sender: &sender, DaysBack: 7}

	if _, err := env.pipeline.RunCycle(context.Background(), params); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	want := mail.SearchQuery{
		Subject: "GTFS",
		Sender:  sender,
		Since:   time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC),
		Limit:   mail.DefaultLimit,
	}
	if diff := cmp.Diff(want, mb.query); diff != "" {
		t.Errorf("search query mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleLoadFailureKeepsStore(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		uids: []uint32{1},
		// Passes the shape check but holds no route objects.
		messages: map[uint32][]fakeFile{1: {{name: "numbers.json", content: "[1, 2]", mod: testNow}}},
	}
	env := newTestEnv(t, mb)

	seed := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(seed, []byte(fixture(t, "routes_minimal.json")), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := env.pipeline.LoadFile(ctx, seed); err != nil {
		t.Fatalf("seed load: %v", err)
	}

	res, err := env.pipeline.RunCycle(ctx, env.params(true))
	if !fault.Is(err, fault.LoadFailed) {
		t.Fatalf("RunCycle() error = %v, want load_failed", err)
	}
	if diff := cmp.Diff(OutcomeLoadFailed, res.Outcome); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}

	got, err := env.routes.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if diff := cmp.Diff(minimalCounts, got); diff != "" {
		t.Errorf("previous dataset not intact (-want +got):\n%s", diff)
	}
}

func TestOverlappingRunsAreRejected(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{
		uids:     []uint32{1},
		messages: map[uint32][]fakeFile{1: {{name: "ferries.json", content: fixture(t, "routes_array.json"), mod: testNow}}},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	env := newTestEnv(t, mb)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := env.pipeline.RunCycle(ctx, env.params(false))
		first <- outcome{res, err}
	}()
	<-mb.entered

	if !env.pipeline.Busy() {
		t.Error("Busy() = false during a cycle")
	}
	if _, err := env.pipeline.RunCycle(ctx, env.params(false)); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("second RunCycle() error = %v, want ErrCycleInProgress", err)
	}
	if _, err := env.pipeline.RunFallback(ctx, env.dir); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("RunFallback() error = %v, want ErrCycleInProgress", err)
	}
	if _, err := env.pipeline.LoadFile(ctx, filepath.Join("../../testdata", "routes_minimal.json")); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("LoadFile() error = %v, want ErrCycleInProgress", err)
	}

	close(mb.release)
	got := <-first
	if got.err != nil {
		t.Fatalf("first RunCycle() error = %v", got.err)
	}
	if diff := cmp.Diff(OutcomeUpdated, got.res.Outcome); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}

	stored, err := env.routes.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if diff := cmp.Diff(arrayCounts, stored); diff != "" {
		t.Errorf("stored counts mismatch (-want +got):\n%s", diff)
	}

	// The guard is released once the cycle returns.
	if _, err := env.pipeline.RunFallback(ctx, env.dir); err != nil {
		t.Errorf("RunFallback() after cycle error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}
	current := write("upload.json", fixture(t, "routes_array.json"))
	hist := write("upload_historical.json", fixture(t, "historical_minimal.json"))
	invalid := write("invalid.json", `{"routes": []}`)

	tests := []struct {
		name           string
		path           string
		wantKind       fault.Kind
		wantCounts     model.TableCounts
		wantHistorical int
	}{
		{name: "current feed", path: current, wantCounts: arrayCounts},
		{name: "historical feed", path: hist, wantHistorical: 3},
		{name: "invalid feed", path: invalid, wantKind: fault.ValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeMailbox{})
			res, err := env.pipeline.LoadFile(context.Background(), tt.path)
			if diff := cmp.Diff(tt.wantKind, fault.KindOf(err)); diff != "" {
				t.Errorf("error kind mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCounts, res.Counts); diff != "" {
				t.Errorf("counts mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantHistorical, res.HistoricalRows); diff != "" {
				t.Errorf("historical rows mismatch (-want +got):\n%s", diff)
			}
			if err == nil && !strings.HasPrefix(res.Message, "Loaded") && !strings.HasPrefix(res.Message, "loaded") {
				t.Errorf("unexpected message %q", res.Message)
			}
		})
	}
}
