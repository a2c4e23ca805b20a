// Package procfs samples resource usage of supervised process groups from
// /proc.
package procfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Reader reads process information below Root.
type Reader struct {
	Root string
}

// Default reads the host /proc.
var Default = Reader{Root: "/proc"}

// GroupRSS returns the summed resident memory of every process in the
// process group pgid. Processes that exit while being read are skipped.
func (r Reader) GroupRSS(pgid int) (uint64, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", r.Root, err)
	}

	var total uint64
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		group, err := r.pgrp(pid)
		if err != nil || group != pgid {
			continue
		}
		rss, err := r.rss(pid)
		if err != nil {
			continue
		}
		total += rss
	}
	return total, nil
}

// pgrp returns the process group from /proc/<pid>/stat. The command name
// in field 2 may contain spaces, so fields are counted after its closing
// parenthesis.
func (r Reader) pgrp(pid int) (int, error) {
	data, err := os.ReadFile(filepath.Join(r.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 {
		return 0, fmt.Errorf("stat %d: malformed", pid)
	}
	fields := strings.Fields(string(data[i+1:]))
	// state ppid pgrp ...
	if len(fields) < 3 {
		return 0, fmt.Errorf("stat %d: malformed", pid)
	}
	return strconv.Atoi(fields[2])
}

// rss returns VmRSS from /proc/<pid>/status in bytes.
func (r Reader) rss(pid int) (uint64, error) {
	f, err := os.Open(filepath.Join(r.Root, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			break
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	// Kernel threads and zombies have no VmRSS.
	return 0, scanner.Err()
}
