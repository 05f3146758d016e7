package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/songzhibin97/edgegate/pkg/config"
)

// FileSource implements the config.Source interface for file-based configuration.
// It watches the parent directory so editors that replace the file and
// ConfigMap symlink swaps are both noticed.
type FileSource struct {
	filePath string
	debounce time.Duration
	mu       sync.Mutex
	watchers map[int]context.CancelFunc
	nextID   int
	closed   bool
	wg       sync.WaitGroup
}

// NewFileSource creates a new file-based configuration source.
//
// Parameters:
//   - filePath: Path to the routing document
//   - debounce: Quiet period after the last change event before the file is
//     re-read (default: 500ms)
func NewFileSource(filePath string, debounce time.Duration) (config.Source, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("failed to access file %s: %w", filePath, err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &FileSource{
		filePath: filepath.Clean(filePath),
		debounce: debounce,
		watchers: make(map[int]context.CancelFunc),
	}, nil
}

// Name implements config.Named.
func (fs *FileSource) Name() string {
	return "file:" + fs.filePath
}

// Get reads the complete file.
func (fs *FileSource) Get() ([]byte, error) {
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fs.filePath, err)
	}
	return data, nil
}

// Watch delivers the current document immediately and then the complete
// document after every debounced change. Unchanged content is not re-sent.
func (fs *FileSource) Watch(ctx context.Context) (<-chan []byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, fmt.Errorf("file source is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(fs.filePath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	id := fs.nextID
	fs.nextID++
	fs.watchers[id] = cancel

	ch := make(chan []byte, 1)
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		defer func() {
			_ = watcher.Close()
			fs.mu.Lock()
			delete(fs.watchers, id)
			fs.mu.Unlock()
			close(ch)
		}()
		fs.run(watchCtx, watcher, ch)
	}()

	return ch, nil
}

func (fs *FileSource) run(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- []byte) {
	var last []byte
	send := func() bool {
		data, err := fs.Get()
		if err != nil {
			// the file may be mid-replace; the next event retries
			return true
		}
		if last != nil && bytes.Equal(last, data) {
			return true
		}
		last = data
		select {
		case ch <- data:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send() {
		return
	}

	timer := time.NewTimer(fs.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !fs.relevant(event) {
				continue
			}
			timer.Reset(fs.debounce)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-timer.C:
			if !send() {
				return
			}
		}
	}
}

// relevant reports whether the event can have changed the watched file.
func (fs *FileSource) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// ConfigMap mounts swap a "..data" symlink instead of writing the file
	return name == fs.filePath || filepath.Base(name) == "..data"
}

// Close stops every watcher and waits for them to exit.
func (fs *FileSource) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	for _, cancel := range fs.watchers {
		cancel()
	}
	fs.mu.Unlock()

	fs.wg.Wait()
	return nil
}
