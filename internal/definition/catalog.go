package definition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shaiso/Stagehand/internal/domain"
)

const defaultDebounce = 500 * time.Millisecond

// CatalogConfig — конфигурация каталога.
type CatalogConfig struct {
	// Dir — директория с файлами определений (без рекурсии).
	Dir string

	// Debounce — окно группировки событий файловой системы. По умолчанию 500ms.
	Debounce time.Duration

	// OnReload вызывается после каждой перезагрузки по событию Watch.
	OnReload func(defs []*domain.PipelineDef)

	Logger *slog.Logger
}

// Catalog — определения pipeline, загруженные из директории.
type Catalog struct {
	dir      string
	debounce time.Duration
	onReload func([]*domain.PipelineDef)
	logger   *slog.Logger

	mu   sync.RWMutex
	defs map[string]*domain.PipelineDef
	// sources — файл, из которого загружен pipeline (пусто для Register).
	sources map[string]string
}

// NewCatalog создаёт пустой каталог. Определения загружаются через Load.
func NewCatalog(cfg CatalogConfig) *Catalog {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Catalog{
		dir:      cfg.Dir,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		logger:   cfg.Logger.With("component", "catalog"),
		defs:     make(map[string]*domain.PipelineDef),
		sources:  make(map[string]string),
	}
}

// Load перечитывает директорию.
//
// Некорректные файлы пропускаются, их ошибки возвращаются вместе;
// корректные определения при этом применяются. Определения,
// добавленные через Register, сохраняются.
func (c *Catalog) Load() error {
	if c.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read pipelines dir: %w", err)
	}

	loaded := make(map[string]*domain.PipelineDef)
	sources := make(map[string]string)
	var errs []error

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if _, err := FormatFromPath(path); err != nil {
			continue
		}

		def, _, err := LoadAndCheck(path)
		if err != nil {
			c.logger.Warn("skipping invalid definition", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		if prev, ok := sources[def.Name]; ok {
			err := fmt.Errorf("%w: %s in %s and %s", ErrDuplicatePipeline, def.Name, prev, path)
			c.logger.Warn("skipping duplicate definition", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}

		loaded[def.Name] = def
		sources[def.Name] = path
	}

	c.mu.Lock()
	for name, src := range c.sources {
		if src == "" {
			if _, clash := loaded[name]; !clash {
				loaded[name] = c.defs[name]
				sources[name] = ""
			}
		}
	}
	c.defs = loaded
	c.sources = sources
	c.mu.Unlock()

	c.logger.Info("pipeline definitions loaded", "dir", c.dir, "count", len(loaded), "errors", len(errs))
	return errors.Join(errs...)
}

// Register проверяет и добавляет определение в обход директории.
func (c *Catalog) Register(def *domain.PipelineDef) error {
	if _, err := Check(def); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if src, ok := c.sources[def.Name]; ok && src != "" {
		return fmt.Errorf("%w: %s already loaded from %s", ErrDuplicatePipeline, def.Name, src)
	}
	c.defs[def.Name] = def
	c.sources[def.Name] = ""
	return nil
}

// Get возвращает определение по имени.
func (c *Catalog) Get(name string) (*domain.PipelineDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return def, nil
}

// List возвращает определения, отсортированные по имени.
func (c *Catalog) List() []*domain.PipelineDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.PipelineDef, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch перезагружает каталог при изменении файлов директории.
// Блокируется до отмены ctx.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return errors.New("catalog has no directory to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.logger.Info("watching pipeline definitions", "dir", c.dir)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.debounce)
			} else {
				timer.Reset(c.debounce)
			}
			timerC = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watcher error", "error", err)

		case <-timerC:
			timerC = nil
			if err := c.Load(); err != nil {
				c.logger.Warn("reload finished with errors", "error", err)
			}
			if c.onReload != nil {
				c.onReload(c.List())
			}
		}
	}
}

// relevant отбрасывает события по файлам неподдерживаемых форматов и chmod.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	_, err := FormatFromPath(ev.Name)
	return err == nil
}
