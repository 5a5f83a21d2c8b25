package gtfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// TimestampLayout prefixes every file saved into the update directory.
const TimestampLayout = "20060102T150405.000000000"

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}_.-]`)

// SanitizeFileName replaces every character outside letters, digits, "_", "." and "-" with "_".
func SanitizeFileName(name string) string {
	return unsafeName.ReplaceAllString(filepath.Base(name), "_")
}

// SaveUpdate writes content to dir as "<timestamp>_<name>" without overwriting
// an existing file. On collision a counter is appended to the timestamp, so the
// part after the first "_" stays the same and Stem still matches.
func SaveUpdate(dir string, at time.Time, name string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create update dir: %w", err)
	}
	prefix := at.Format(TimestampLayout)
	name = SanitizeFileName(name)

	for i := 0; ; i++ {
		p := prefix
		if i > 0 {
			p += "-" + strconv.Itoa(i)
		}
		path := filepath.Join(dir, p+"_"+name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(content); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
}
