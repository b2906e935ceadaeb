package catalogue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

const reloadDebounce = 150 * time.Millisecond

// Apply validates c and swaps it into the registry and router. The registry
// is replaced as a unit, so a catalogue that fails validation changes nothing.
// Router settings change together with the registry. Health set at runtime
// survives unless c changes that agent's declared health.
func Apply(reg *registry.Registry, r *router.Router, c Catalogue, f *Factory) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ds, err := c.Descriptors(f)
	if err != nil {
		return err
	}
	swap := func() error {
		if err := reg.Replace(ds); err != nil {
			return fmt.Errorf("apply catalogue: %w", err)
		}
		return nil
	}
	if r == nil {
		return swap()
	}
	return r.Reconfigure(c.Settings(), swap)
}

// Watcher reloads a catalogue file whenever it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	apply    func(Catalogue) error
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewWatcher(path string, apply func(Catalogue) error, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		apply:    apply,
		logger:   logger.With().Str("component", "catalogue").Str("path", path).Logger(),
		debounce: reloadDebounce,
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.mu.Unlock()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	go w.loop(ctx, watcher)
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// Reload loads and applies the file once. A catalogue that would not apply
// is logged and the previous one stays in force.
func (w *Watcher) Reload() error {
	c, err := Load(w.path)
	if err == nil {
		err = w.apply(c)
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("catalogue reload rejected")
		return err
	}
	w.logger.Info().Int("agents", len(c.Agents)).Msg("catalogue reloaded")
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
