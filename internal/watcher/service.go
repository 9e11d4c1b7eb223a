// Package watcher monitors the exported workspace directory for markdown
// edits made outside the editor, so external changes can be folded back
// into the document store.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileEvent is one debounced markdown change.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"` // "write" | "create" | "remove" | "rename"
	Timestamp time.Time `json:"timestamp"`
}

// Service implements workspace watching with fsnotify.
type Service struct {
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	handlers []func(FileEvent)
	debounce map[string]*time.Timer
	roots    map[string]bool
	loopOn   bool
	done     chan struct{}
	closed   bool
	window   time.Duration
}

func NewService() (*Service, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Service{
		watcher:  w,
		handlers: make([]func(FileEvent), 0),
		debounce: make(map[string]*time.Timer),
		roots:    make(map[string]bool),
		done:     make(chan struct{}),
		window:   200 * time.Millisecond,
	}, nil
}

// Watch starts monitoring a workspace directory.
func (s *Service) Watch(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("watcher is closed")
	}

	dir = filepath.Clean(dir)
	if s.roots[dir] {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}

	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.roots[dir] = true
	log.Printf("[WATCHER] Watching %s", dir)

	if !s.loopOn {
		s.loopOn = true
		go s.eventLoop()
	}
	return nil
}

// Unwatch stops monitoring a workspace directory.
func (s *Service) Unwatch(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir = filepath.Clean(dir)
	if !s.roots[dir] {
		return nil
	}
	_ = s.watcher.Remove(dir)
	delete(s.roots, dir)
	log.Printf("[WATCHER] Unwatched %s", dir)
	return nil
}

// OnChange registers a handler for debounced markdown events.
func (s *Service) OnChange(handler func(FileEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Close stops the watcher and cancels pending debounce timers.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, timer := range s.debounce {
		timer.Stop()
	}

	close(s.done)
	return s.watcher.Close()
}

func (s *Service) eventLoop() {
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isMarkdown(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) &&
				!event.Has(fsnotify.Remove) {
				continue
			}

			// Editors save through temp+rename bursts; one debounced
			// event per path is enough.
			key := filepath.Clean(event.Name)
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if timer, exists := s.debounce[key]; exists {
				timer.Stop()
			}
			ev := event
			s.debounce[key] = time.AfterFunc(s.window, func() {
				s.emit(ev)
			})
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WATCHER] Error: %v", err)
		}
	}
}

func (s *Service) emit(event fsnotify.Event) {
	fileEvent := FileEvent{
		Path:      filepath.Clean(event.Name),
		Op:        classifyOp(event),
		Timestamp: time.Now(),
	}

	s.mu.RLock()
	handlers := make([]func(FileEvent), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(fileEvent)
	}
}

func classifyOp(event fsnotify.Event) string {
	switch {
	case event.Has(fsnotify.Create):
		return "create"
	case event.Has(fsnotify.Remove):
		return "remove"
	case event.Has(fsnotify.Rename):
		return "rename"
	default:
		return "write"
	}
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
