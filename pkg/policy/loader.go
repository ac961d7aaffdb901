package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// BundleManifest is the optional file naming a bundle directory.
const BundleManifest = "bundle.json"

// defaultDebounce is how long Watch waits after the last change before it
// reloads.
const defaultDebounce = 250 * time.Millisecond

// Loader reads user policies. A policy path is one of:
//
//   - a .rego file, a single policy named after the file
//   - a .json bundle file listing policies inline
//   - a bundle directory: every .rego file below it, plus the inline
//     policies of its bundle.json when present
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: defaultDebounce,
	}
}

// LoadFromPaths loads the policies of every path. Two sources defining the
// same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		loaded, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, p := range loaded {
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, p.source())
			}
			sources[p.Name] = p.source()
			policies = append(policies, p)
		}
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("User policies loaded")
	return policies, nil
}

func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	switch {
	case info.IsDir(), filepath.Ext(path) == ".json":
		bundle, err := l.LoadBundle(ctx, path)
		if err != nil {
			return nil, err
		}
		return bundle.Policies, nil
	case filepath.Ext(path) == ".rego":
		p, err := readRego(path)
		if err != nil {
			return nil, err
		}
		return []Policy{p}, nil
	default:
		return nil, fmt.Errorf("unsupported policy file %s, expected .rego or .json", filepath.Base(path))
	}
}

// LoadBundle reads a bundle file or directory. A directory without a
// bundle.json is a bundle named after the directory.
func (l *Loader) LoadBundle(ctx context.Context, path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	manifest := path
	if info.IsDir() {
		manifest = filepath.Join(path, BundleManifest)
	}

	bundle := &Bundle{Name: strings.TrimSuffix(filepath.Base(path), ".json"), Source: path}
	data, err := os.ReadFile(manifest)
	switch {
	case err == nil:
		if err := bundle.decode(data); err != nil {
			return nil, fmt.Errorf("invalid bundle %s: %w", manifest, err)
		}
	case info.IsDir() && os.IsNotExist(err):
	default:
		return nil, err
	}

	if info.IsDir() {
		err := filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(file) != ".rego" {
				return nil
			}
			p, err := readRego(file)
			if err != nil {
				return err
			}
			bundle.Policies = append(bundle.Policies, p)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["bundle"] = bundle.Name
		if bundle.Version != "" {
			p.Metadata["bundle_version"] = bundle.Version
		}
		if _, ok := p.Metadata["source"]; !ok {
			p.Metadata["source"] = manifest
		}
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return bundle, nil
}

// bundleFile is the JSON form of a bundle. Policies are enabled unless
// they say otherwise.
type bundleFile struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Policies    []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Rego        string   `json:"rego"`
		Severity    Severity `json:"severity"`
		Enabled     *bool    `json:"enabled"`
		Tags        []string `json:"tags"`
	} `json:"policies"`
}

func (b *Bundle) decode(data []byte) error {
	var f bundleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Name != "" {
		b.Name = f.Name
	}
	b.Version = f.Version
	b.Description = f.Description

	for i, fp := range f.Policies {
		if fp.Name == "" {
			return fmt.Errorf("policies[%d] has no name", i)
		}
		if fp.Rego == "" {
			return fmt.Errorf("policy %s has no rego", fp.Name)
		}
		p := Policy{
			Name:        fp.Name,
			Description: fp.Description,
			Rego:        fp.Rego,
			Severity:    fp.Severity,
			Enabled:     fp.Enabled == nil || *fp.Enabled,
			Tags:        fp.Tags,
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		b.Policies = append(b.Policies, p)
	}
	return nil
}

// readRego reads one .rego policy. Leading comments are its description and
// a "# severity: <level>" comment overrides the default error severity.
func readRego(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	content := string(data)
	description, severity := regoHeader(content)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path},
	}, nil
}

// regoHeader scans the comment block before the first statement.
func regoHeader(content string) (string, Severity) {
	severity := SeverityError
	var description []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if value, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch sev := Severity(strings.ToLower(strings.TrimSpace(value))); sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				severity = sev
			}
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	return strings.Join(description, " "), severity
}

// Watch reloads the policies of paths after they change and passes them to
// reloadFn. It returns once the watches are in place; watching stops when
// ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		n, err := addWatches(watcher, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
			continue
		}
		watched += n
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of the %d policy paths can be watched", len(paths))
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addWatches watches every directory below a bundle directory, or the
// directory holding a policy file so that editors replacing it are seen.
func addWatches(watcher *fsnotify.Watcher, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 1, watcher.Add(filepath.Dir(path))
	}

	n := 0
	err = filepath.WalkDir(path, func(dir string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		n++
		return watcher.Add(dir)
	})
	return n, err
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := addWatches(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new policy directory")
					}
					continue
				}
			}
			switch filepath.Ext(event.Name) {
			case ".rego", ".json":
				l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
				reload = time.After(l.debounce)
			}

		case <-reload:
			reload = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			if err := reloadFn(policies); err != nil {
				l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
