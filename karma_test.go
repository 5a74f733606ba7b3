package rook

import "testing"

func TestAdjustKarma(t *testing.T) {
	conn := newPipeConnection(t)
	if conn.Karma() != 0 {
		t.Fatalf("initial karma = %d", conn.Karma())
	}
	for range 3 {
		conn.AdjustKarma(-1)
	}
	if got := conn.AdjustKarma(1); got != -2 {
		t.Errorf("AdjustKarma returned %d, want -2", got)
	}
	if got := conn.Karma(); got != -2 {
		t.Errorf("Karma() = %d, want -2", got)
	}
}

func TestKarmaSurvivesDurableCopy(t *testing.T) {
	conn := newPipeConnection(t)
	conn.AdjustKarma(-3)
	conn.MarkImmune()
	conn.MarkNaughty("")
	conn.Notes().Set("scratch", 1)

	kept := conn.Notes().Durable()
	if kept.Int(NoteKarma) != -3 {
		t.Errorf("karma = %d, want -3", kept.Int(NoteKarma))
	}
	if !kept.Bool(NoteImmune) || kept.String(NoteNaughty) != "naughty" {
		t.Errorf("flags not kept: %v", kept.Keys())
	}
	if kept.Has("scratch") {
		t.Error("non-durable note kept")
	}
}

func TestNaughtyReason(t *testing.T) {
	conn := newPipeConnection(t)
	if conn.IsNaughty() || conn.IsImmune() {
		t.Fatal("fresh connection flagged")
	}
	conn.MarkNaughty("listed in dnsbl")
	if !conn.IsNaughty() || conn.NaughtyReason() != "listed in dnsbl" {
		t.Errorf("naughty = %v %q", conn.IsNaughty(), conn.NaughtyReason())
	}
}
