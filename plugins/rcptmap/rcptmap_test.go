package rcptmap

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
	"github.com/synqronlabs/rook/plugin/plugintest"
)

const testMap = `# example.com recipients
bob@example.com OK
carol@example.com DENY Carol has left the company
full@example.com DENYSOFT
`

// writeMap replaces the file in one rename, as a deployment would.
func writeMap(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func setup(t *testing.T, content string) (*rook.Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rcpt_map")
	writeMap(t, path, content, time.Now().Add(-time.Hour))
	l := plugin.NewLoader(dir, plugintest.Logger())
	return plugintest.Dispatcher(t, plugintest.New(t, l, Name, "domain", "example.com", "file", "rcpt_map")), path
}

func rcpt(t *testing.T, d *rook.Dispatcher, conn *rook.Connection, addr string) rook.Result {
	t.Helper()
	a, err := rook.ParseAddress(addr)
	if err != nil {
		t.Fatal(err)
	}
	ctx := rook.NewContext(conn, conn.Transaction())
	ctx.Address = &a
	return d.Dispatch(rook.HookRcpt, ctx, rook.Decline())
}

func TestLookup(t *testing.T) {
	d, _ := setup(t, testMap)
	conn := plugintest.Conn(t, "192.0.2.1", nil)

	tests := []struct {
		addr string
		code rook.Code
		msg  string
	}{
		{"bob@example.com", rook.OK, ""},
		{"Bob@Example.com", rook.OK, ""},
		{"carol@example.com", rook.Deny, "Carol has left the company"},
		{"full@example.com", rook.DenySoft, "Recipient rejected"},
		{"nobody@example.com", rook.Deny, "No such user"},
		{"bob@example.org", rook.Declined, ""},
	}
	for _, tt := range tests {
		res := rcpt(t, d, conn, tt.addr)
		if res.Code != tt.code || res.Message != tt.msg {
			t.Errorf("%s: got %v %q, want %v %q", tt.addr, res.Code, res.Message, tt.code, tt.msg)
		}
	}
}

func TestReloadOnConnect(t *testing.T) {
	d, path := setup(t, testMap)
	conn := plugintest.Conn(t, "192.0.2.1", nil)

	writeMap(t, path, "dave@example.com OK\n", time.Now())
	if res := rcpt(t, d, conn, "dave@example.com"); res.Code != rook.Deny {
		t.Fatalf("before reload: code = %v", res.Code)
	}

	d.Dispatch(rook.HookConnect, rook.NewContext(conn, nil), rook.Decline())
	if res := rcpt(t, d, conn, "dave@example.com"); res.Code != rook.OK {
		t.Errorf("after reload: code = %v", res.Code)
	}
	if res := rcpt(t, d, conn, "bob@example.com"); res.Code != rook.Deny {
		t.Errorf("removed entry: code = %v", res.Code)
	}
}

func TestBrokenReloadKeepsSnapshot(t *testing.T) {
	d, path := setup(t, testMap)
	conn := plugintest.Conn(t, "192.0.2.1", nil)

	writeMap(t, path, "bob@example.com MAYBE\n", time.Now())
	d.Dispatch(rook.HookConnect, rook.NewContext(conn, nil), rook.Decline())
	if res := rcpt(t, d, conn, "bob@example.com"); res.Code != rook.OK {
		t.Errorf("code = %v, want ok from the previous map", res.Code)
	}
}

func TestConcurrentReload(t *testing.T) {
	d, path := setup(t, testMap)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := plugintest.Conn(t, "192.0.2.1", nil)
			for range 50 {
				if res := rcpt(t, d, conn, "bob@example.com"); res.Code != rook.OK {
					t.Errorf("worker %d: code = %v", i, res.Code)
					return
				}
				d.Dispatch(rook.HookConnect, rook.NewContext(conn, nil), rook.Decline())
			}
		}()
	}
	for i := range 20 {
		writeMap(t, path, testMap, time.Now().Add(time.Duration(i)*time.Second))
	}
	wg.Wait()
}

func TestNewErrors(t *testing.T) {
	l := plugin.NewLoader(t.TempDir(), plugintest.Logger())
	if _, err := l.New(Name, []string{"domain", "example.com"}); !errors.Is(err, plugin.ErrArgs) {
		t.Errorf("missing file err = %v", err)
	}
	if _, err := l.New(Name, []string{"domain", "example.com", "file", "absent"}); !errors.Is(err, plugin.ErrConfig) {
		t.Errorf("absent file err = %v", err)
	}

	dir := t.TempDir()
	writeMap(t, filepath.Join(dir, "bad"), "lonely@example.com\n", time.Now())
	l = plugin.NewLoader(dir, plugintest.Logger())
	if _, err := l.New(Name, []string{"domain", "example.com", "file", "bad"}); !errors.Is(err, plugin.ErrConfig) {
		t.Errorf("bad file err = %v", err)
	}
}
