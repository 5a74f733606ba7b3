package plugin_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
	"github.com/synqronlabs/rook/plugin/plugintest"
)

// echo answers every helo with its greeting argument.
type echo struct {
	plugin.Base
	greeting string
}

func (e *echo) Register(reg *rook.Registry) error {
	return e.Hook(reg, rook.HookHelo, func(*rook.Context) rook.Result {
		return rook.Accept(e.Name() + ":" + e.greeting)
	})
}

func init() {
	plugin.RegisterFactory("test_echo", func(_ *plugin.Loader, b plugin.Base) (plugin.Plugin, error) {
		return &echo{Base: b, greeting: b.Args.Get("greeting", "hi")}, nil
	})
}

func TestParseArgs(t *testing.T) {
	a, err := plugin.ParseArgs([]string{"Zones", "a.example, b.example,", "max", "4", "strict", "yes", "timeout", "1.5"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if got := a.List("zones"); !slices.Equal(got, []string{"a.example", "b.example"}) {
		t.Errorf("List(zones) = %v", got)
	}
	if n, err := a.Int("max", 0); err != nil || n != 4 {
		t.Errorf("Int(max) = %d, %v", n, err)
	}
	if n, err := a.Int("missing", 7); err != nil || n != 7 {
		t.Errorf("Int(missing) = %d, %v", n, err)
	}
	if b, err := a.Bool("strict", false); err != nil || !b {
		t.Errorf("Bool(strict) = %v, %v", b, err)
	}
	if d, err := a.Duration("timeout", 0); err != nil || d != 1500*time.Millisecond {
		t.Errorf("Duration(timeout) = %v, %v", d, err)
	}
	if _, err := a.Int("zones", 0); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("Int(zones) err = %v", err)
	}
	if got := a.Keys(); !slices.Equal(got, []string{"zones", "max", "strict", "timeout"}) {
		t.Errorf("Keys() = %v", got)
	}

	if _, err := plugin.ParseArgs([]string{"reject"}); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("odd tokens err = %v", err)
	}
	if _, err := plugin.ParseArgs([]string{"max", "1", "MAX", "2"}); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("duplicate key err = %v", err)
	}
}

func TestParseRejectType(t *testing.T) {
	tests := map[string]rook.Code{
		"perm":            rook.Deny,
		"hard":            rook.Deny,
		"temp":            rook.DenySoft,
		"Soft":            rook.DenySoft,
		"disconnect":      rook.DenyDisconnect,
		"temp_disconnect": rook.DenySoftDisconnect,
	}
	for in, want := range tests {
		got, err := plugin.ParseRejectType(in)
		if err != nil || got != want {
			t.Errorf("ParseRejectType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := plugin.ParseRejectType("later"); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("bad reject_type err = %v", err)
	}
}

func TestGetReject(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantCode    rook.Code
		wantNaughty bool
	}{
		{"default rejects permanently", nil, rook.Deny, false},
		{"temporary", []string{"reject_type", "temp"}, rook.DenySoft, false},
		{"disconnect", []string{"reject", "1", "reject_type", "disconnect"}, rook.DenyDisconnect, false},
		{"log only", []string{"reject", "0"}, rook.Declined, false},
		{"deferred to karma", []string{"reject", "naughty"}, rook.Declined, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := plugin.NewBase("check", plugin.MustArgs(tt.args...), plugintest.Logger())
			if err != nil {
				t.Fatalf("NewBase: %v", err)
			}
			conn := plugintest.Conn(t, "192.0.2.1", nil)
			res := b.GetReject(rook.NewContext(conn, nil), "you are listed", "listed in test zone")
			if res.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", res.Code, tt.wantCode)
			}
			if res.Code.IsDeny() && res.Message != "you are listed" {
				t.Errorf("message = %q", res.Message)
			}
			if conn.IsNaughty() != tt.wantNaughty {
				t.Errorf("naughty = %v", conn.IsNaughty())
			}
			if tt.wantNaughty && conn.NaughtyReason() != "you are listed" {
				t.Errorf("naughty reason = %q", conn.NaughtyReason())
			}
		})
	}

	if _, err := plugin.NewBase("check", plugin.MustArgs("reject", "maybe"), nil); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("bad reject err = %v", err)
	}
}

func TestDefaultReject(t *testing.T) {
	b, _ := plugin.NewBase("check", plugin.MustArgs(), nil)
	b.DefaultReject(plugin.RejectNaughty)
	if b.Reject != plugin.RejectNaughty {
		t.Errorf("Reject = %v", b.Reject)
	}
	b, _ = plugin.NewBase("check", plugin.MustArgs("reject", "1"), nil)
	b.DefaultReject(plugin.RejectNaughty)
	if b.Reject != plugin.RejectNow {
		t.Errorf("explicit reject overridden: %v", b.Reject)
	}
}

func TestSkip(t *testing.T) {
	b, _ := plugin.NewBase("check", plugin.MustArgs(), nil)

	conn := plugintest.Conn(t, "192.0.2.1", nil)
	ctx := rook.NewContext(conn, nil)
	if b.Skip(ctx) {
		t.Fatal("fresh connection skipped")
	}
	conn.Notes().Set(rook.NoteRelayClient, true)
	if !b.Skip(ctx) {
		t.Error("relay client not skipped")
	}

	conn = plugintest.Conn(t, "192.0.2.2", nil)
	conn.MarkImmune()
	if !b.Skip(rook.NewContext(conn, nil)) {
		t.Error("immune connection not skipped")
	}
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "rcpthosts", "# local domains\nexample.com\n\n  example.org  \n")
	writeConfig(t, dir, "me", "mx.example.com\n")
	l := plugin.NewLoader(dir, plugintest.Logger())

	c, err := l.Config("rcpthosts")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if !c.Found || !slices.Equal(c.Lines, []string{"example.com", "example.org"}) {
		t.Errorf("rcpthosts = %+v", c)
	}
	if c.ModTime.IsZero() {
		t.Error("ModTime not set")
	}

	me, _ := l.Config("me")
	if me.Value() != "mx.example.com" {
		t.Errorf("me = %q", me.Value())
	}

	missing, err := l.Config("nothing")
	if err != nil || missing.Found || missing.Value() != "" {
		t.Errorf("missing config = %+v, %v", missing, err)
	}
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, plugin.PluginsConfig, "# plugins\ntest_echo greeting hello priority 5\ntest_echo\ntest_echo:first priority -1\n")
	l := plugin.NewLoader(dir, plugintest.Logger())
	reg := rook.NewRegistry()

	plugins, err := l.Load(reg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var names []string
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	if want := []string{"test_echo", "test_echo:2", "test_echo:first"}; !slices.Equal(names, want) {
		t.Errorf("instances = %v, want %v", names, want)
	}
	if got, want := reg.Plugins(rook.HookHelo), []string{"test_echo:first", "test_echo:2", "test_echo"}; !slices.Equal(got, want) {
		t.Errorf("helo order = %v, want %v", got, want)
	}

	reg.Freeze()
	d := rook.NewDispatcher(reg, plugintest.Logger())
	if res := d.Dispatch(rook.HookHelo, nil, rook.Decline()); res.Message != "test_echo:first:hi" {
		t.Errorf("res = %v", res)
	}
}

func TestLoaderErrors(t *testing.T) {
	l := plugin.NewLoader(t.TempDir(), plugintest.Logger())
	reg := rook.NewRegistry()

	if _, err := l.Load(reg); !errors.Is(err, plugin.ErrConfig) {
		t.Errorf("missing plugins file err = %v", err)
	}
	if _, err := l.LoadLines(reg, []string{"no_such_plugin"}); !errors.Is(err, plugin.ErrUnknownPlugin) {
		t.Errorf("unknown plugin err = %v", err)
	}
	if _, err := l.LoadLines(reg, []string{"test_echo greeting"}); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("odd args err = %v", err)
	}
	if _, err := l.LoadLines(reg, []string{"test_echo reject_type never"}); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("bad reject_type err = %v", err)
	}
	reg.Freeze()
	if _, err := l.LoadLines(reg, []string{"test_echo"}); !errors.Is(err, rook.ErrRegistryFrozen) {
		t.Errorf("frozen registry err = %v", err)
	}
}

func TestRegisterFactoryDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate factory did not panic")
		}
	}()
	plugin.RegisterFactory("test_echo", nil)
}

func TestFactories(t *testing.T) {
	if !slices.Contains(plugin.Factories(), "test_echo") {
		t.Errorf("Factories() = %v", plugin.Factories())
	}
}
