package rules

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// fileSchema is the YAML layout of a rules file.
type fileSchema struct {
	Correlation struct {
		WindowMinutes     int      `yaml:"window_minutes"`
		MerchantThreshold int      `yaml:"merchant_threshold"`
		MonitoredTypes    []string `yaml:"monitored_types"`
	} `yaml:"correlation"`
}

// Loader reads rules from a YAML file and watches it for changes. Fields
// absent from the file fall back to the base rules given to NewLoader.
type Loader struct {
	path   string
	base   Rules
	logger log.Logger

	mu       sync.RWMutex
	current  Rules
	onChange []func(Rules)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, base Rules, logger log.Logger) (*Loader, error) {
	if logger == nil {
		logger = log.Nop()
	}
	l := &Loader{path: path, base: base, logger: logger}
	r, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = r
	return l, nil
}

// Rules implements Source.
func (l *Loader) Rules() Rules {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Static(l.current).Rules()
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(Rules)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload forces an immediate re-read of the rules file. On error the
// previous rules stay in effect.
func (l *Loader) Reload() (Rules, error) {
	r, err := l.load()
	if err != nil {
		return Rules{}, err
	}
	l.mu.Lock()
	l.current = r
	callbacks := make([]func(Rules), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(r)
	}
	return r, nil
}

// Watch hot-reloads the rules file on change until ctx is done or the
// returned stop function is called.
func (l *Loader) Watch(ctx context.Context) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				r, err := l.Reload()
				if err != nil {
					l.logger.Error(ctx, err, "rules reload failed, keeping previous rules", "path", l.path)
					continue
				}
				l.logger.Info(ctx, "rules reloaded",
					"path", l.path,
					"window_minutes", r.WindowMinutes(),
					"merchant_threshold", r.MerchantThreshold,
					"monitored_types", r.MonitoredTypes,
				)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn(ctx, "rules watcher error", "path", l.path, "error", err)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *Loader) load() (Rules, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", l.path, err)
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", l.path, err)
	}

	r := Static(l.base).Rules()
	if f.Correlation.WindowMinutes != 0 {
		r.Window = time.Duration(f.Correlation.WindowMinutes) * time.Minute
	}
	if f.Correlation.MerchantThreshold != 0 {
		r.MerchantThreshold = f.Correlation.MerchantThreshold
	}
	if len(f.Correlation.MonitoredTypes) > 0 {
		r.MonitoredTypes = r.MonitoredTypes[:0:0]
		for _, t := range f.Correlation.MonitoredTypes {
			r.MonitoredTypes = append(r.MonitoredTypes, event.Type(t))
		}
	}
	if err := r.Validate(); err != nil {
		return Rules{}, fmt.Errorf("rules %s: %w", l.path, err)
	}
	return r, nil
}
