// Package logtail follows a growing log file, such as the one a service
// process writes through the worker.
package logtail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Tail copies bytes appended to a file to a writer
type Tail struct {
	path    string
	watcher *fsnotify.Watcher
	file    *os.File
}

// New starts watching path. With fromStart false only bytes written after New
// returns are delivered. The file may not exist yet; it is picked up when
// created.
func New(path string, fromStart bool) (*Tail, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so creation, rotation and writes are all seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	t := &Tail{path: path, watcher: watcher}
	f, err := os.Open(path)
	switch {
	case err == nil:
		t.file = f
		if !fromStart {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				t.Close()
				return nil, err
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		watcher.Close()
		return nil, err
	}
	return t, nil
}

// Run copies new content to out until ctx is done
func (t *Tail) Run(ctx context.Context, out io.Writer) error {
	defer t.Close()

	if err := t.drain(out); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.closeFile()
				continue
			}
			if err := t.drain(out); err != nil {
				return err
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", t.path, err)
		}
	}
}

// drain copies everything between the current offset and EOF. A file that
// shrank was truncated and is re-read from the start.
func (t *Tail) drain(out io.Writer) error {
	if t.file == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		t.file = f
	}

	info, err := t.file.Stat()
	if err != nil {
		return err
	}
	offset, err := t.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if info.Size() < offset {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	_, err = io.Copy(out, t.file)
	return err
}

func (t *Tail) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// Close releases the watcher and file
func (t *Tail) Close() error {
	t.closeFile()
	return t.watcher.Close()
}
