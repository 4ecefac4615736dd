// Package toolresolve locates external executables by probing a fixed,
// priority-ordered list of strategies and caches the first success per kind.
package toolresolve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"media-downloader/internal/domain"
	"media-downloader/internal/platform"
)

const (
	// DefaultProbeTimeout bounds the bundled and PATH probe phases.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultLookupTimeout bounds the secondary runtime query phase.
	DefaultLookupTimeout = 5 * time.Second

	probeWaitDelay = 250 * time.Millisecond
)

// ResolutionError reports that no strategy located a usable executable.
// The accompanying ResolvedTool still carries a launchable default.
type ResolutionError struct {
	Kind     domain.ToolKind
	Fallback string
}

// Error formats the failed kind and the fallback in use.
func (e *ResolutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("resolve %s: no strategy succeeded, falling back to %q", e.Kind, e.Fallback)
}

// ProbeFunc runs an executable with harmless args and reports failure.
type ProbeFunc func(ctx context.Context, path string, args ...string) error

// QueryFunc runs source code in a secondary interpreter and returns stdout.
type QueryFunc func(ctx context.Context, interpreter, code string) (string, error)

// Options configures a production resolver.
type Options struct {
	BundleDir     string
	AppBinDir     string
	ProbeTimeout  time.Duration
	LookupTimeout time.Duration
	Logger        *zap.Logger
}

// Resolver resolves tool kinds to executable paths.
type Resolver struct {
	specs         map[domain.ToolKind]ToolSpec
	bundleDir     string
	probeTimeout  time.Duration
	lookupTimeout time.Duration
	interpreters  []string
	probe         ProbeFunc
	lookPath      func(string) (string, error)
	stat          func(string) (os.FileInfo, error)
	query         QueryFunc
	now           func() time.Time
	logger        *zap.Logger
	// self is the running executable. It is never a candidate, since
	// probing it would start another copy of this program.
	self os.FileInfo

	mu    sync.RWMutex
	cache map[domain.ToolKind]domain.ResolvedTool
	group singleflight.Group
}

// New builds a resolver using real OS dependencies.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bundleDir := opts.BundleDir
	if bundleDir == "" {
		bundleDir = defaultBundleDir()
	}

	r := newResolver(DefaultSpecs(opts.AppBinDir), bundleDir, execProbe, exec.LookPath, os.Stat, execQuery)
	if opts.ProbeTimeout > 0 {
		r.probeTimeout = opts.ProbeTimeout
	}
	if opts.LookupTimeout > 0 {
		r.lookupTimeout = opts.LookupTimeout
	}
	r.logger = logger.Named("toolresolve")
	return r
}

// NewForTests builds a resolver with injectable dependencies.
func NewForTests(
	specs map[domain.ToolKind]ToolSpec,
	bundleDir string,
	probe ProbeFunc,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	query QueryFunc,
	probeTimeout time.Duration,
	lookupTimeout time.Duration,
) *Resolver {
	r := newResolver(specs, bundleDir, probe, lookPath, stat, query)
	r.probeTimeout = probeTimeout
	r.lookupTimeout = lookupTimeout
	return r
}

func newResolver(
	specs map[domain.ToolKind]ToolSpec,
	bundleDir string,
	probe ProbeFunc,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	query QueryFunc,
) *Resolver {
	return &Resolver{
		specs:         specs,
		bundleDir:     bundleDir,
		probeTimeout:  DefaultProbeTimeout,
		lookupTimeout: DefaultLookupTimeout,
		interpreters:  defaultInterpreters(),
		probe:         probe,
		lookPath:      lookPath,
		stat:          stat,
		query:         query,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        zap.NewNop(),
		cache:         make(map[domain.ToolKind]domain.ResolvedTool),
		self:          selfInfo(),
	}
}

// Resolve returns the cached tool for kind or probes every strategy in
// order. When all fail it returns the default path with a *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, kind domain.ToolKind) (domain.ResolvedTool, error) {
	if tool, ok := r.Cached(kind); ok {
		return tool, nil
	}

	spec, ok := r.specs[kind]
	if !ok {
		return domain.ResolvedTool{}, fmt.Errorf("unknown tool kind: %s", kind)
	}

	v, _, _ := r.group.Do(string(kind), func() (any, error) {
		if tool, ok := r.Cached(kind); ok {
			return tool, nil
		}

		tool := r.probeAll(ctx, spec)
		if tool.Strategy != domain.StrategyDefault {
			r.mu.Lock()
			r.cache[kind] = tool
			r.mu.Unlock()
		}
		return tool, nil
	})

	tool := v.(domain.ResolvedTool)
	if tool.Strategy == domain.StrategyDefault {
		return tool, &ResolutionError{Kind: kind, Fallback: tool.Path}
	}
	return tool, nil
}

// Cached returns a previously resolved tool without probing.
func (r *Resolver) Cached(kind domain.ToolKind) (domain.ResolvedTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.cache[kind]
	return tool, ok
}

// ClearCache forces the next Resolve of every kind to probe again.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[domain.ToolKind]domain.ResolvedTool)
}

// probeAll walks the strategies and returns the first hit or the default.
func (r *Resolver) probeAll(ctx context.Context, spec ToolSpec) domain.ResolvedTool {
	strategies := []struct {
		name domain.ResolveStrategy
		find func(context.Context, ToolSpec) (string, bool)
	}{
		{domain.StrategyBundled, r.fromBundle},
		{domain.StrategyPath, r.fromPath},
		{domain.StrategyWellKnown, r.fromWellKnown},
		{domain.StrategyRuntime, r.fromRuntime},
	}

	for _, strategy := range strategies {
		if ctx.Err() != nil {
			break
		}
		path, ok := strategy.find(ctx, spec)
		if !ok {
			continue
		}

		r.logger.Info("tool resolved",
			zap.String("kind", string(spec.Kind)),
			zap.String("path", path),
			zap.String("strategy", string(strategy.name)),
		)
		return domain.ResolvedTool{
			Kind:       spec.Kind,
			Path:       path,
			ResolvedAt: r.now(),
			Strategy:   strategy.name,
		}
	}

	r.logger.Warn("tool not found, using default name",
		zap.String("kind", string(spec.Kind)),
		zap.String("path", spec.Default),
	)
	return domain.ResolvedTool{
		Kind:       spec.Kind,
		Path:       spec.Default,
		ResolvedAt: r.now(),
		Strategy:   domain.StrategyDefault,
	}
}

// fromBundle checks executables shipped next to the application.
func (r *Resolver) fromBundle(ctx context.Context, spec ToolSpec) (string, bool) {
	if r.bundleDir == "" {
		return "", false
	}

	phaseCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	for _, alias := range spec.Aliases {
		name := platform.ExecutableName(alias)
		for _, candidate := range []string{
			filepath.Join(r.bundleDir, name),
			filepath.Join(r.bundleDir, alias, name),
		} {
			if !r.isFile(candidate) || r.isSelf(candidate) {
				continue
			}
			if r.probeOK(phaseCtx, candidate, spec) {
				return candidate, true
			}
		}
	}
	return "", false
}

// fromPath searches PATH for each alias and version-probes the hit.
func (r *Resolver) fromPath(ctx context.Context, spec ToolSpec) (string, bool) {
	phaseCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	for _, alias := range spec.Aliases {
		path, err := r.lookPath(alias)
		if err != nil || r.isSelf(path) {
			continue
		}
		if r.probeOK(phaseCtx, path, spec) {
			return path, true
		}
	}
	return "", false
}

// fromWellKnown checks fixed installation directories without probing.
func (r *Resolver) fromWellKnown(_ context.Context, spec ToolSpec) (string, bool) {
	for _, dir := range spec.WellKnownDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		for _, alias := range spec.Aliases {
			candidate := filepath.Join(dir, platform.ExecutableName(alias))
			if r.isFile(candidate) && !r.isSelf(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

// fromRuntime asks a secondary interpreter where it installed the tool.
func (r *Resolver) fromRuntime(ctx context.Context, spec ToolSpec) (string, bool) {
	if spec.RuntimeQuery == "" || r.query == nil {
		return "", false
	}

	phaseCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	for _, interpreter := range r.interpreters {
		out, err := r.query(phaseCtx, interpreter, spec.RuntimeQuery)
		if err != nil {
			r.logger.Debug("runtime query failed",
				zap.String("kind", string(spec.Kind)),
				zap.String("interpreter", interpreter),
				zap.Error(err),
			)
			if phaseCtx.Err() != nil {
				return "", false
			}
			continue
		}

		path := firstLine(out)
		if path != "" && r.isFile(path) && !r.isSelf(path) {
			return path, true
		}
	}
	return "", false
}

func (r *Resolver) probeOK(ctx context.Context, path string, spec ToolSpec) bool {
	if err := r.probe(ctx, path, spec.VersionArgs...); err != nil {
		r.logger.Debug("version probe failed",
			zap.String("kind", string(spec.Kind)),
			zap.String("path", path),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (r *Resolver) isFile(path string) bool {
	info, err := r.stat(path)
	return err == nil && !info.IsDir()
}

func (r *Resolver) isSelf(path string) bool {
	if r.self == nil {
		return false
	}
	info, err := r.stat(path)
	if err != nil {
		return false
	}
	if os.SameFile(info, r.self) {
		r.logger.Debug("skipping own executable", zap.String("path", path))
		return true
	}
	return false
}

func selfInfo() os.FileInfo {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	info, err := os.Stat(exe)
	if err != nil {
		return nil
	}
	return info
}

// execProbe runs the tool and treats a zero exit within ctx as success.
func execProbe(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	platform.ConfigureCommand(cmd)
	cmd.Cancel = func() error { return platform.KillTree(cmd.Process) }
	cmd.WaitDelay = probeWaitDelay
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return err
	}
	return nil
}

// execQuery runs interpreter -c code and captures stdout.
func execQuery(ctx context.Context, interpreter, code string) (string, error) {
	cmd := exec.CommandContext(ctx, interpreter, "-c", code)
	platform.ConfigureCommand(cmd)
	cmd.Cancel = func() error { return platform.KillTree(cmd.Process) }
	cmd.WaitDelay = probeWaitDelay
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func firstLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func defaultInterpreters() []string {
	if goruntime.GOOS == "windows" {
		return []string{"python", "py"}
	}
	return []string{"python3", "python"}
}

// defaultBundleDir is the tools directory next to the running binary.
func defaultBundleDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "tools")
}
