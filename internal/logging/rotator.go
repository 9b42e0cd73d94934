package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that is renamed aside once it
// grows past a size limit.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewFileRotator opens path for appending, creating its directory.
// A maxSizeMB of zero disables rotation.
func NewFileRotator(path string, maxSizeMB int64, maxBackups int, compress bool) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &FileRotator{
		path:       path,
		maxBytes:   maxSizeMB * 1024 * 1024,
		maxBackups: maxBackups,
		compress:   compress,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	ext := filepath.Ext(r.path)
	rotated := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.compress {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			gzipFile(rotated)
		}()
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

// prune removes the oldest rotated files beyond maxBackups.
func (r *FileRotator) prune() {
	if r.maxBackups <= 0 {
		return
	}
	files, err := r.Backups()
	if err != nil || len(files) <= r.maxBackups {
		return
	}
	for _, f := range files[:len(files)-r.maxBackups] {
		os.Remove(f)
	}
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	matches, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	// Timestamped names sort chronologically.
	sort.Strings(matches)
	return matches, nil
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wg.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	out.Close()
	os.Remove(path)
}
