package kpanic

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestFatalLogsAndHalts(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	called := false
	SetHalter(func() { called = true })
	defer SetHalter(func() { select {} })

	Fatal(Cause{Reason: "out of PT pages", Sepc: 0x8020_0000})

	if !called {
		t.Fatal("expected halter to be invoked")
	}
	if !Halted() {
		t.Fatal("expected Halted() to report true")
	}
	if !bytes.Contains(buf.Bytes(), []byte("out of PT pages")) {
		t.Fatalf("log output missing reason: %s", buf.String())
	}
}
