package authfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
	"github.com/synqronlabs/rook/plugin/plugintest"
	"github.com/synqronlabs/rook/sasl"
)

func newLoader(t *testing.T, content string) *plugin.Loader {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return plugin.NewLoader(dir, plugintest.Logger())
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func auth(t *testing.T, d *rook.Dispatcher, hook rook.Hook, creds sasl.Credentials) (rook.Result, *rook.Connection) {
	t.Helper()
	conn := plugintest.Conn(t, "192.0.2.1", nil)
	ctx := rook.NewContext(conn, nil)
	ctx.Credentials = &creds
	return d.Dispatch(hook, ctx, rook.Decline()), conn
}

func TestAuthenticate(t *testing.T) {
	l := newLoader(t, "# users\nalice@example.com:"+hash(t, "secret")+"\n")
	d := plugintest.Dispatcher(t, plugintest.New(t, l, Name))

	for _, hook := range []rook.Hook{rook.HookAuthPlain, rook.HookAuthLogin} {
		res, conn := auth(t, d, hook, sasl.Credentials{AuthenticationID: "Alice@example.com", Password: "secret"})
		if res.Code != rook.OK {
			t.Errorf("%s: code = %v", hook, res.Code)
		}
		if !conn.IsImmune() || !conn.Notes().Bool(rook.NoteRelayClient) {
			t.Errorf("%s: immune = %v, relayclient = %v", hook, conn.IsImmune(), conn.Notes().Bool(rook.NoteRelayClient))
		}
	}
}

func TestRejections(t *testing.T) {
	l := newLoader(t, "alice@example.com:"+hash(t, "secret")+"\n")
	d := plugintest.Dispatcher(t, plugintest.New(t, l, Name))

	res, conn := auth(t, d, rook.HookAuthPlain, sasl.Credentials{AuthenticationID: "alice@example.com", Password: "wrong"})
	if res.Code != rook.Deny || conn.IsImmune() || conn.Karma() != -1 {
		t.Errorf("bad password: code = %v, immune = %v, karma = %d", res.Code, conn.IsImmune(), conn.Karma())
	}

	res, _ = auth(t, d, rook.HookAuthPlain, sasl.Credentials{AuthenticationID: "mallory@example.com", Password: "secret"})
	if res.Code != rook.Declined {
		t.Errorf("unknown user: code = %v", res.Code)
	}

	res, _ = auth(t, d, rook.HookAuthPlain, sasl.Credentials{
		AuthorizationID:  "bob@example.com",
		AuthenticationID: "alice@example.com",
		Password:         "secret",
	})
	if res.Code != rook.Deny {
		t.Errorf("foreign authzid: code = %v", res.Code)
	}
}

func TestBadFile(t *testing.T) {
	for _, content := range []string{"alice@example.com\n", "alice@example.com:plaintext\n"} {
		if _, err := newLoader(t, content).New(Name, nil); !errors.Is(err, plugin.ErrConfig) {
			t.Errorf("%q: err = %v", content, err)
		}
	}
	l := plugin.NewLoader(t.TempDir(), plugintest.Logger())
	if _, err := l.New(Name, nil); !errors.Is(err, plugin.ErrConfig) {
		t.Errorf("missing file err = %v", err)
	}
}
