package countunrecognized

import (
	"strings"
	"testing"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin/plugintest"
)

func TestDisconnectsAtMax(t *testing.T) {
	d := plugintest.Dispatcher(t, plugintest.New(t, nil, Name, "max", "4"))
	conn := plugintest.Conn(t, "192.0.2.1", nil)

	for want := 1; want <= 3; want++ {
		res := d.Dispatch(rook.HookUnrecognizedCommand, rook.NewContext(conn, nil, "BOGUS"), rook.Decline())
		if res.Code != rook.Declined {
			t.Fatalf("command %d: code = %v, want declined", want, res.Code)
		}
		if got := conn.Notes().Int(NoteCount); got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	res := d.Dispatch(rook.HookUnrecognizedCommand, rook.NewContext(conn, nil, "BOGUS"), rook.Decline())
	if res.Code != rook.DenyDisconnect {
		t.Fatalf("fourth command: code = %v, want deny_disconnect", res.Code)
	}
	if !strings.Contains(res.Message, "4 unrecognized") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestCountsPerConnection(t *testing.T) {
	d := plugintest.Dispatcher(t, plugintest.New(t, nil, Name, "max", "2"))
	a := plugintest.Conn(t, "192.0.2.1", nil)
	b := plugintest.Conn(t, "192.0.2.2", nil)

	d.Dispatch(rook.HookUnrecognizedCommand, rook.NewContext(a, nil, "X"), rook.Decline())
	if res := d.Dispatch(rook.HookUnrecognizedCommand, rook.NewContext(b, nil, "X"), rook.Decline()); res.Code != rook.Declined {
		t.Errorf("second connection code = %v", res.Code)
	}
	if res := d.Dispatch(rook.HookUnrecognizedCommand, rook.NewContext(a, nil, "X"), rook.Decline()); res.Code != rook.DenyDisconnect {
		t.Errorf("first connection code = %v", res.Code)
	}
}

func TestDefaultMax(t *testing.T) {
	p := plugintest.New(t, nil, Name).(*counter)
	if p.max != DefaultMax {
		t.Errorf("max = %d", p.max)
	}
}

func TestBadArgs(t *testing.T) {
	for _, args := range [][]string{{"max", "0"}, {"max", "four"}} {
		b, err := plugintest.Base(Name, args...)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := New(nil, b); err == nil {
			t.Errorf("New(%v) succeeded", args)
		}
	}
}
