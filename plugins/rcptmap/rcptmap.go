// Package rcptmap answers recipients of one domain from a map file.
//
//	rcpt_map domain example.com file /etc/rook/rcpt_map.example.com
//
// Each line of the map holds an address, a result code and an optional
// message:
//
//	bob@example.com     OK
//	carol@example.com   DENY  Carol has left the company
//	full@example.com    DENYSOFT Mailbox full, try later
//
// The file is checked for changes when a client connects. A changed file
// is parsed into a new snapshot that replaces the old one atomically, so
// lookups never see a partly loaded map.
package rcptmap

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "rcpt_map"

func init() {
	plugin.RegisterFactory(Name, New)
}

type entry struct {
	code    rook.Code
	message string
}

// snapshot is never modified after it is published.
type snapshot struct {
	modTime time.Time
	entries map[string]entry
}

type rcptMap struct {
	plugin.Base
	domain string
	path   string

	current atomic.Pointer[snapshot]
	// reload serializes file checks; lookups do not take it.
	reload sync.Mutex
}

// New loads the map file named by the file argument.
func New(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	domain := strings.ToLower(base.Args.Get("domain", ""))
	file := base.Args.Get("file", "")
	if domain == "" || file == "" {
		return nil, fmt.Errorf("%w: domain and file are required", plugin.ErrArgs)
	}
	m := &rcptMap{Base: base, domain: domain, path: l.Path(file)}
	if err := m.refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *rcptMap) Register(reg *rook.Registry) error {
	if err := m.Hook(reg, rook.HookConnect, m.checkFile); err != nil {
		return err
	}
	return m.Hook(reg, rook.HookRcpt, m.check)
}

// refresh loads the file when its modification time differs from the
// current snapshot.
func (m *rcptMap) refresh() error {
	m.reload.Lock()
	defer m.reload.Unlock()

	info, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}
	if cur := m.current.Load(); cur != nil && cur.modTime.Equal(info.ModTime()) {
		return nil
	}
	entries, err := parseFile(m.path)
	if err != nil {
		return err
	}
	m.current.Store(&snapshot{modTime: info.ModTime(), entries: entries})
	m.Logger.Info("recipient map loaded", slog.String("path", m.path), slog.Int("entries", len(entries)))
	return nil
}

func parseFile(path string) (map[string]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}
	defer f.Close()

	entries := make(map[string]entry)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s:%d: missing result code", plugin.ErrConfig, path, n)
		}
		code, err := rook.ParseCode(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %w", plugin.ErrConfig, path, n, err)
		}
		entries[strings.ToLower(fields[0])] = entry{code: code, message: strings.Join(fields[2:], " ")}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}
	return entries, nil
}

func (m *rcptMap) checkFile(ctx *rook.Context) rook.Result {
	if err := m.refresh(); err != nil {
		ctx.Logger.Error("recipient map reload failed, keeping previous map", slog.Any("error", err))
	}
	return rook.Decline()
}

func (m *rcptMap) check(ctx *rook.Context) rook.Result {
	rcpt := ctx.Address
	if rcpt == nil || rcpt.Domain != m.domain {
		return rook.Decline()
	}
	e, ok := m.current.Load().entries[strings.ToLower(rcpt.String())]
	if !ok {
		return m.GetReject(ctx, "No such user", "unknown recipient "+rcpt.String())
	}
	if e.code == rook.Declined || e.code == rook.OK || e.code == rook.Done {
		return rook.Result{Code: e.code, Message: e.message}
	}
	msg := e.message
	if msg == "" {
		msg = "Recipient rejected"
	}
	return rook.Reject(e.code, msg)
}
