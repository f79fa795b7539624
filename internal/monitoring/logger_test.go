package monitoring

import (
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not call the previous logger")
	}
}

func TestRecorder(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	rec := &Recorder{}
	SetLogger(rec.Logf)
	Logf("ack timeout after %dms", 250)
	Logf("ping %d lost", 3)

	lines := rec.Lines()
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0] != "ack timeout after 250ms" {
		t.Errorf("lines[0] = %q", lines[0])
	}
}
