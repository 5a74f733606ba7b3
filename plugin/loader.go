package plugin

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/dns"
)

// PluginsConfig is the name of the configuration holding the plugin list.
const PluginsConfig = "plugins"

// Config is the content of one named configuration file.
type Config struct {
	Name    string
	Path    string
	Lines   []string
	ModTime time.Time
	Found   bool
}

// Value returns the first line, for configurations holding one scalar.
func (c Config) Value() string {
	if len(c.Lines) == 0 {
		return ""
	}
	return c.Lines[0]
}

// Loader reads named configuration files from a directory and builds
// plugin instances from the plugin list.
type Loader struct {
	Dir    string
	Logger *slog.Logger

	// Resolver, when set, is the DNS backend plugins use outside a
	// connection, for example during start-up checks.
	Resolver dns.Resolver
}

// NewLoader returns a loader reading configuration from dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Dir: dir, Logger: logger}
}

// Path returns the file backing configuration name. Absolute names are
// used as is.
func (l *Loader) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Dir, name)
}

// Config reads configuration name. Blank lines and lines starting with
// '#' are dropped and surrounding whitespace is trimmed. A missing file
// yields a Config with Found false and no error.
func (l *Loader) Config(name string) (Config, error) {
	c := Config{Name: name, Path: l.Path(name)}
	f, err := os.Open(c.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		c.ModTime = info.ModTime()
	}
	c.Found = true
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c.Lines = append(c.Lines, line)
	}
	if err := sc.Err(); err != nil {
		return c, fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
	}
	return c, nil
}

// Load builds every plugin listed in the plugins configuration and
// registers it with reg.
func (l *Loader) Load(reg *rook.Registry) ([]Plugin, error) {
	c, err := l.Config(PluginsConfig)
	if err != nil {
		return nil, err
	}
	if !c.Found {
		return nil, fmt.Errorf("%w: %s not found", ErrConfig, c.Path)
	}
	return l.LoadLines(reg, c.Lines)
}

// LoadLines builds and registers one plugin per line, in order. A plugin
// named twice gets a numbered instance name ("dnsbl:2"); "name:label"
// sets the instance name explicitly.
func (l *Loader) LoadLines(reg *rook.Registry, lines []string) ([]Plugin, error) {
	seen := make(map[string]int)
	var plugins []Plugin
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		instance := fields[0]
		seen[instance]++
		if n := seen[instance]; n > 1 {
			instance = fmt.Sprintf("%s:%d", instance, n)
		}
		p, err := l.New(instance, fields[1:])
		if err != nil {
			return nil, fmt.Errorf("plugin line %d: %w", i+1, err)
		}
		if err := p.Register(reg); err != nil {
			return nil, fmt.Errorf("plugin line %d: registering %s: %w", i+1, p.Name(), err)
		}
		l.Logger.Info("plugin loaded", slog.String("plugin", p.Name()))
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// New builds one plugin instance. The factory is chosen by the part of
// instance before any ':'.
func (l *Loader) New(instance string, tokens []string) (Plugin, error) {
	name, _, _ := strings.Cut(instance, ":")
	f, ok := lookupFactory(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	args, err := ParseArgs(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", instance, err)
	}
	base, err := NewBase(instance, args, l.Logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", instance, err)
	}
	p, err := f(l, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", instance, err)
	}
	return p, nil
}
