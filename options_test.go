package beandb

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOptions(t *testing.T) {
	o := must(ParseOptions([]byte(`
verbose: true
in_memory: true
mmap_size: 1048576
timeout: 3s
journal: /var/lib/beans/commits.log
`)))
	deepEqual(t, o.Verbose, true)
	deepEqual(t, o.InMemory, true)
	deepEqual(t, o.MmapSize, 1048576)
	deepEqual(t, o.Timeout, 3*time.Second)
	deepEqual(t, o.JournalPath, "/var/lib/beans/commits.log")
}

func TestParseOptionsEmpty(t *testing.T) {
	o := must(ParseOptions(nil))
	deepEqual(t, o.withDefaults().Timeout, defaultTimeout)
}

func TestParseOptionsRejects(t *testing.T) {
	for _, raw := range []string{
		"verbos: true\n",
		"mmap_size: -1\n",
		"timeout: soon\n",
	} {
		if _, err := ParseOptions([]byte(raw)); err == nil {
			t.Errorf("ParseOptions(%q) succeeded, wanted error", raw)
		}
	}
}

func TestLoadOptionsOpensDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beans.yaml")
	ensureT(t, os.WriteFile(path, []byte("testing: true\nin_memory: true\n"), 0o644))

	o := must(LoadOptions(path))
	o.Logger = testLogger(t)
	db := must(Open(filepath.Join(dir, "ignored.db"), o))
	defer db.Close()
	if db.Bolt() != nil {
		t.Errorf("in-memory database has a Bolt handle")
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.db")); !os.IsNotExist(err) {
		t.Errorf("in-memory database created a file: %v", err)
	}
}
