package riscvoscore

import "testing"

func TestLoadRecordsDecodesManifest(t *testing.T) {
	records, err := LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	want := map[string]string{
		"hello.txt": "Hello from RAMFS!\n",
	}
	found := map[string]bool{}
	for _, r := range records {
		found[r.Name] = true
		if w, ok := want[r.Name]; ok && string(r.Data) != w {
			t.Fatalf("record %q = %q, want %q", r.Name, r.Data, w)
		}
	}
	for _, name := range []string{"shell.elf", "hello.txt", "motd"} {
		if !found[name] {
			t.Fatalf("manifest missing record %q", name)
		}
	}
}

func TestLoadRecordsShellELFHasValidHeader(t *testing.T) {
	records, err := LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	for _, r := range records {
		if r.Name != "shell.elf" {
			continue
		}
		if len(r.Data) < 64 {
			t.Fatal("shell.elf too short to carry an ELF header")
		}
		if string(r.Data[0:4]) != "\x7fELF" {
			t.Fatalf("shell.elf magic = %v, want ELF magic", r.Data[0:4])
		}
		return
	}
	t.Fatal("shell.elf not found in manifest")
}
