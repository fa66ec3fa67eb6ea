package console

import (
	"bytes"
	"testing"
)

func TestWriteByteAccumulatesOutput(t *testing.T) {
	m := NewMemory()
	for _, b := range []byte("hi") {
		if err := m.WriteByte(b); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(m.Output(), []byte("hi")) {
		t.Fatalf("output = %q, want hi", m.Output())
	}
}

func TestTryReadByteNonBlocking(t *testing.T) {
	m := NewMemory()
	if _, ok := m.TryReadByte(); ok {
		t.Fatal("expected no input available")
	}
	m.EnqueueInput([]byte("a"))
	b, ok := m.TryReadByte()
	if !ok || b != 'a' {
		t.Fatalf("got %q,%v want 'a',true", b, ok)
	}
}

func TestReadByteBlocksUntilEnqueued(t *testing.T) {
	m := NewMemory()
	done := make(chan byte, 1)
	go func() {
		b, _ := m.ReadByte()
		done <- b
	}()
	m.EnqueueInput([]byte("z"))
	b := <-done
	if b != 'z' {
		t.Fatalf("got %q, want z", b)
	}
}

func TestANSIBackendRendersFedBytes(t *testing.T) {
	b := NewANSIBackend(10, 2)
	defer b.Close()
	b.Feed([]byte("hi"))
	var buf bytes.Buffer
	if err := b.Render(&buf); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("hi")) {
		t.Fatalf("rendered output %q does not contain fed bytes", buf.Bytes())
	}
}
