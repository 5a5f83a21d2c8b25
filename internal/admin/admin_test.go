package admin

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

	"github.com/emersion/go-imap"
	"github.com/google/go-cmp/cmp"

	"ferrysync/internal/config"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/ingest"
	"ferrysync/internal/mail"
	"ferrysync/internal/model"
	"ferrysync/internal/scheduler"
	"ferrysync/internal/storage"
)

var testNow = time.Date(2024, 7, 10, 5, 0, 0, 0, time.UTC)

type stubMailbox struct {
	uids  []uint32
	files map[uint32]string
	mod   time.Time
}

func (m *stubMailbox) Connect(context.Context) error { return nil }

func (m *stubMailbox) Search(context.Context, mail.SearchQuery) ([]uint32, error) {
	return m.uids, nil
}

func (m *stubMailbox) FetchAttachments(_ context.Context, uid uint32, dir string, _ bool) ([]model.Attachment, error) {
	content, ok := m.files[uid]
	if !ok {
		return nil, nil
	}
	path, err := gtfs.SaveUpdate(dir, m.mod, "feed.json", []byte(content))
	if err != nil {
		return nil, err
	}
	if err := os.Chtimes(path, m.mod, m.mod); err != nil {
		return nil, err
	}
	return []model.Attachment{{MessageUID: uid, Path: path, FileName: "feed.json"}}, nil
}

func (m *stubMailbox) Disconnect() {}

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("../../testdata", name)) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return string(b)
}

type testEnv struct {
	svc    *Service
	sched  *scheduler.Scheduler
	routes *storage.RoutesSQLite
	dir    string
}

func newTestEnv(t *testing.T, mb *stubMailbox, opts ...Option) testEnv {
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

	dir := t.TempDir()
	cfg := config.DefaultUpdateConfig()
	cfg.UpdateDirectory = filepath.Join(dir, "updates")
	if err := os.MkdirAll(cfg.UpdateDirectory, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	pipeline := ingest.NewPipeline(
		ingest.NewLoader(routes, historical, log),
		func(model.EmailCredentials) ingest.Mailbox { return mb },
		log,
		ingest.WithLocation(time.UTC),
		ingest.WithClock(func() time.Time { return testNow }),
	)
	creds := model.EmailCredentials{Address: "feeds@example.com", Secret: "s3cret", Host: "imap.example.com", Port: 993}
	sched := scheduler.New(pipeline, cfg, filepath.Join(dir, "update_config.json"), creds, time.UTC, log,
		scheduler.WithClock(func() time.Time { return testNow }, func(time.Duration) <-chan time.Time { return nil }))

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	svc := New(sched, pipeline, historical, log, opts...)
	return testEnv{svc: svc, sched: sched, routes: routes, dir: cfg.UpdateDirectory}
}

func (e testEnv) write(t *testing.T, name, content string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return p
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, &stubMailbox{})

	steps := []struct {
		name string
		call func() Response
		want bool
	}{
		{name: "start", call: env.svc.Start, want: true},
		{name: "start again", call: env.svc.Start, want: false},
		{name: "stop", call: env.svc.Stop, want: true},
		{name: "stop again", call: env.svc.Stop, want: false},
	}
	for _, s := range steps {
		r := s.call()
		if r.Success != s.want {
			t.Errorf("%s: Success = %v, want %v (%s)", s.name, r.Success, s.want, r.Message)
		}
		if r.NextUpdate == nil {
			t.Errorf("%s: NextUpdate not set", s.name)
		}
	}
}

func TestRunNow(t *testing.T) {
	tests := []struct {
		name        string
		mailbox     *stubMailbox
		seed        bool
		wantSuccess bool
		wantPrefix  string
		wantRoutes  int
	}{
		{
			name:        "no emails",
			mailbox:     &stubMailbox{},
			wantSuccess: true,
			wantPrefix:  "No new updates found",
		},
		{
			name: "fresh file",
			mailbox: &stubMailbox{
				uids:  []uint32{7},
				files: map[uint32]string{7: fixture(t, "routes_minimal.json")},
				mod:   testNow,
			},
			wantSuccess: true,
			wantPrefix:  "Update completed.",
			wantRoutes:  1,
		},
		{
			name: "load failure falls back to stored file",
			mailbox: &stubMailbox{
				uids:  []uint32{7},
				files: map[uint32]string{7: "[1, 2]"},
				mod:   testNow.Add(-time.Hour),
			},
			seed:        true,
			wantSuccess: true,
			wantPrefix:  "Live update failed",
			wantRoutes:  2,
		},
		{
			name: "load failure without fallback",
			mailbox: &stubMailbox{
				uids:  []uint32{7},
				files: map[uint32]string{7: "[1, 2]"},
				mod:   testNow,
			},
			wantSuccess: false,
			wantPrefix:  "Live update failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, tt.mailbox)
			if tt.seed {
				env.write(t, "stored.json", fixture(t, "routes_array.json"), testNow)
			}

			r := env.svc.RunNow(ctx)
			if r.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%s)", r.Success, tt.wantSuccess, r.Message)
			}
			if !strings.HasPrefix(r.Message, tt.wantPrefix) {
				t.Errorf("Message = %q, want prefix %q", r.Message, tt.wantPrefix)
			}

			counts, err := env.routes.Counts(ctx)
			if err != nil {
				t.Fatalf("counts: %v", err)
			}
			if diff := cmp.Diff(tt.wantRoutes, counts.Routes); diff != "" {
				t.Errorf("routes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, &stubMailbox{})

	if r := env.svc.UpdateConfig(config.UpdatePatch{}); r.Success {
		t.Errorf("empty patch accepted: %s", r.Message)
	}

	bad := "25:00"
	if r := env.svc.UpdateConfig(config.UpdatePatch{UpdateTime: &bad}); r.Success {
		t.Errorf("invalid time accepted: %s", r.Message)
	}

	at := "06:30"
	r := env.svc.UpdateConfig(config.UpdatePatch{UpdateTime: &at})
	if !r.Success {
		t.Fatalf("UpdateConfig() failed: %s", r.Message)
	}
	if diff := cmp.Diff("06:30", env.sched.Config().UpdateTime); diff != "" {
		t.Errorf("update time mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveUpload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &stubMailbox{})

	if r := env.svc.SaveUpload(ctx, "routes.csv", []byte("a,b")); r.Success {
		t.Errorf("non-json upload accepted: %s", r.Message)
	}

	r := env.svc.SaveUpload(ctx, "../routes.json", []byte(fixture(t, "routes_minimal.json")))
	if !r.Success {
		t.Fatalf("SaveUpload() failed: %s", r.Message)
	}
	want := "Saved 20240710T050000.000000000_routes.json."
	if !strings.HasPrefix(r.Message, want) {
		t.Errorf("Message = %q, want prefix %q", r.Message, want)
	}

	r = env.svc.SaveUpload(ctx, "broken.json", []byte(`{"routes": []}`))
	if r.Success {
		t.Errorf("invalid upload reported as loaded: %s", r.Message)
	}

	files, err := env.svc.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if diff := cmp.Diff(2, len(files)); diff != "" {
		t.Errorf("uploads are kept on disk (-want +got):\n%s", diff)
	}
}

func TestFileStats(t *testing.T) {
	env := newTestEnv(t, &stubMailbox{})
	env.write(t, "array.json", fixture(t, "routes_array.json"), testNow)

	got, err := env.svc.FileStats("array.json")
	if err != nil {
		t.Fatalf("FileStats() error = %v", err)
	}
	if diff := cmp.Diff("array.json", got.Name); diff != "" {
		t.Errorf("name mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, got.Routes); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
	if got.Size == 0 || got.Ports == 0 || got.Vessels == 0 {
		t.Errorf("FileStats() = %+v, want non-zero size, ports and vessels", got)
	}

	if _, err := env.svc.FileStats("../update_config.json"); err == nil {
		t.Error("expected error for a path outside the update directory")
	}
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t, &stubMailbox{})
	p := env.write(t, "old.json", "[]", testNow)

	tests := []struct {
		name string
		file string
		want bool
	}{
		{name: "traversal", file: "../update_config.json", want: false},
		{name: "existing", file: "old.json", want: true},
		{name: "already gone", file: "old.json", want: false},
	}
	for _, tt := range tests {
		if r := env.svc.DeleteFile(tt.file); r.Success != tt.want {
			t.Errorf("%s: Success = %v, want %v (%s)", tt.name, r.Success, tt.want, r.Message)
		}
	}
	if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present: %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	var gotCreds model.EmailCredentials
	ok := func(_ context.Context, c model.EmailCredentials) error {
		gotCreds = c
		return nil
	}
	env := newTestEnv(t, &stubMailbox{}, WithConnectionTester(ok))

	r := env.svc.TestConnection(context.Background())
	if !r.Success {
		t.Fatalf("TestConnection() failed: %s", r.Message)
	}
	if diff := cmp.Diff("feeds@example.com", gotCreds.Address); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}

	failing := func(context.Context, model.EmailCredentials) error { return errors.New("login rejected") }
	env = newTestEnv(t, &stubMailbox{}, WithConnectionTester(failing))
	r = env.svc.TestConnection(context.Background())
	if r.Success || strings.Contains(r.Message, "s3cret") {
		t.Errorf("TestConnection() = %+v, want failure without secret", r)
	}

	if err := env.sched.ConfigureCredentials(model.EmailCredentials{}, false); err != nil {
		t.Fatalf("ConfigureCredentials() error = %v", err)
	}
	if r := env.svc.TestConnection(context.Background()); r.Success {
		t.Errorf("connection test passed without credentials")
	}
}

// recordingSession remembers the folder the connection test selects.
type recordingSession struct {
	folder string
}

func (r *recordingSession) Login(_, _ string) error { return nil }

func (r *recordingSession) Select(name string, _ bool) (*imap.MailboxStatus, error) {
	r.folder = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (r *recordingSession) UidSearch(*imap.SearchCriteria) ([]uint32, error) { return nil, nil }

func (r *recordingSession) UidFetch(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
	close(ch)
	return nil
}

func (r *recordingSession) Logout() error { return nil }

func TestTestConnectionUsesMailOptions(t *testing.T) {
	sess := &recordingSession{}
	var gotAddr string
	var gotTimeout time.Duration
	dial := func(addr string, timeout time.Duration) (mail.Session, error) {
		gotAddr, gotTimeout = addr, timeout
		return sess, nil
	}
	env := newTestEnv(t, &stubMailbox{}, WithMailOptions(
		mail.WithDialer(dial),
		mail.WithFolder("Timetables"),
		mail.WithTimeout(7*time.Second),
	))

	r := env.svc.TestConnection(context.Background())
	if !r.Success {
		t.Fatalf("TestConnection() failed: %s", r.Message)
	}
	want := []any{"imap.example.com:993", 7 * time.Second, "Timetables"}
	if diff := cmp.Diff(want, []any{gotAddr, gotTimeout, sess.folder}); diff != "" {
		t.Errorf("connection settings mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &stubMailbox{})
	p := env.write(t, "routes.json", fixture(t, "routes_minimal.json"), testNow)
	if r := env.svc.LoadFile(ctx, p); !r.Success {
		t.Fatalf("LoadFile() failed: %s", r.Message)
	}

	st, err := env.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Running || st.Busy {
		t.Errorf("Status() = %+v, want idle", st)
	}
	if diff := cmp.Diff(model.TableCounts{Routes: 1, Schedules: 1, Prices: 1, AccommodationPrices: 1}, st.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(st.Files)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if st.NextUpdate == nil {
		t.Error("NextUpdate not set")
	}
}
