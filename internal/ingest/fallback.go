package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"ferrysync/internal/fault"
	"ferrysync/internal/gtfs"
)

// ErrNoValidFiles is returned when a directory holds no loadable feed.
var ErrNoValidFiles = errors.New("no valid feed files")

// FileInfo describes a feed file in the update directory.
type FileInfo struct {
	Path       string
	Size       int64
	ModTime    time.Time
	Historical bool
}

// ListFiles returns the feed files in dir, newest first.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read update dir: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || !gtfs.IsFeedFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path:       filepath.Join(dir, e.Name()),
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Historical: gtfs.IsHistoricalName(e.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Path > files[j].Path
	})
	return files, nil
}

// NewestValid returns the current feed in dir with the latest modification time
// that passes validation. Historical files are never chosen.
func NewestValid(dir string) (string, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if !f.Historical && gtfs.Valid(f.Path) {
			return f.Path, nil
		}
	}
	return "", ErrNoValidFiles
}

// newestValid picks among the paths of one batch.
func newestValid(log *slog.Logger, paths []string) (string, bool) {
	var (
		best    string
		bestMod time.Time
	)
	for _, p := range paths {
		if gtfs.IsHistoricalName(p) {
			continue
		}
		if err := gtfs.Validate(p); err != nil {
			log.Warn("discarding invalid file", "path", p, "error", err)
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			log.Warn("discarding unreadable file", "path", p, "error", err)
			continue
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestMod) || (mod.Equal(bestMod) && p > best) {
			best, bestMod = p, mod
		}
	}
	return best, best != ""
}

// RunFallback reloads the newest valid file already present in dir.
// It never deletes or moves files, so repeated calls reload the same file.
func (p *Pipeline) RunFallback(ctx context.Context, dir string) (res Result, err error) {
	release, err := p.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	res.CycleID = uuid.NewString()
	log := p.log.With("cycle_id", res.CycleID, "trigger", TriggerFallback)
	log.Info("fallback load started", "dir", dir)
	defer func() { finish(log, TriggerFallback, &res, err) }()

	path, err := NewestValid(dir)
	if err != nil {
		res.Outcome, res.Kind = OutcomeNoValidFiles, fault.ValidationFailed
		res.Message = "No valid files available for fallback in " + dir
		return res, fault.New(fault.ValidationFailed, "fallback", err)
	}
	res.File = path

	res.Counts, err = p.loader.LoadCurrent(ctx, path)
	if err != nil {
		res.Outcome, res.Kind = OutcomeLoadFailed, fault.KindOf(err)
		res.Message = "Fallback load of " + path + " failed: " + err.Error()
		return res, err
	}
	res.Outcome = OutcomeUpdated
	res.Message = "Fallback: " + updatedMessage(res)
	return res, nil
}
