package procfs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProc(t *testing.T, root string, pid, stat, status string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGroupRSS(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "100", "100 (sh) S 1 100 100 0", "Name:\tsh\nVmRSS:\t    1000 kB\n")
	writeProc(t, root, "101", "101 (next dev (server)) S 100 100 100 0", "Name:\tnode\nVmRSS:\t  200000 kB\n")
	writeProc(t, root, "200", "200 (other) S 1 200 200 0", "Name:\tother\nVmRSS:\t 5 kB\n")
	writeProc(t, root, "102", "102 (kworker) S 100 100 100 0", "Name:\tkworker\n")
	if err := os.MkdirAll(filepath.Join(root, "self"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Reader{Root: root}.GroupRSS(100)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(201000 * 1024); got != want {
		t.Errorf("GroupRSS = %d, want %d", got, want)
	}
}

func TestGroupRSSMissingRoot(t *testing.T) {
	if _, err := (Reader{Root: filepath.Join(t.TempDir(), "nope")}).GroupRSS(1); err == nil {
		t.Error("expected error")
	}
}

func TestPgrpMalformed(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "7", "garbage", "")
	if _, err := (Reader{Root: root}).pgrp(7); err == nil {
		t.Error("expected error")
	}
}
