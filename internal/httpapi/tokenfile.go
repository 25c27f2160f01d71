package httpapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TokenFile is a JSON array of operator tokens loaded from disk and
// reloaded whenever the file changes, so tokens can be rotated without
// restarting the service. The watch covers the parent directory because
// most editors and config tooling replace the file instead of writing it
// in place.
type TokenFile struct {
	path    string
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	tokens map[string]struct{}
}

func NewTokenFile(path string, log zerolog.Logger) (*TokenFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty token file path")
	}
	tf := &TokenFile{path: path, log: log, tokens: map[string]struct{}{}}
	if err := tf.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	tf.watcher = watcher
	go tf.watch()
	return tf, nil
}

func (tf *TokenFile) Has(token string) bool {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	_, ok := tf.tokens[token]
	return ok
}

func (tf *TokenFile) Close() error {
	if tf.watcher == nil {
		return nil
	}
	return tf.watcher.Close()
}

func (tf *TokenFile) watch() {
	for {
		select {
		case event, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tf.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := tf.reload(); err != nil {
				tf.log.Error().Err(err).Str("path", tf.path).Msg("token file reload failed, keeping previous set")
				continue
			}
			tf.log.Info().Str("path", tf.path).Msg("operator token file reloaded")
		case err, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
			tf.log.Error().Err(err).Msg("token file watcher error")
		}
	}
}

func (tf *TokenFile) reload() error {
	data, err := os.ReadFile(tf.path)
	if err != nil {
		return err
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse token file: %w", err)
	}
	next := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		token = strings.TrimSpace(token)
		if token != "" {
			next[token] = struct{}{}
		}
	}
	tf.mu.Lock()
	tf.tokens = next
	tf.mu.Unlock()
	return nil
}
