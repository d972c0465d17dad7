package importlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// ErrInvalidName is returned for names that are not import log files
var ErrInvalidName = errors.New("invalid log file name")

var namePattern = regexp.MustCompile(`^import-details-(\d{4}-\d{2}-\d{2})(?:-([A-Za-z0-9_.-]+))?\.log$`)

// FileInfo describes one log file
type FileInfo struct {
	Name     string    `json:"name"`
	Day      string    `json:"day"`
	FeedFile string    `json:"feed_file,omitempty"` // empty for the general log
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListFiles returns the import log files in dir, newest first
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Day:      m[1],
			FeedFile: m[2],
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].Modified.Equal(files[j].Modified) {
			return files[i].Modified.After(files[j].Modified)
		}
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// ReadFile returns the content of a log file. Only names produced by
// FileName are accepted.
func ReadFile(dir, name string) (string, error) {
	if !namePattern.MatchString(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clear removes every import log file from dir
func Clear(dir string) (int, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if err := os.Remove(filepath.Join(dir, f.Name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
