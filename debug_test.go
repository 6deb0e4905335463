package beandb

import (
	"strings"
	"testing"
)

func TestDumpFlags(t *testing.T) {
	if !DumpHeaders.Contains(DumpHeaders) || DumpHeaders.Contains(DumpRows) {
		t.Fatalf("DumpFlags.Contains returned unexpected results")
	}
	if !DumpAll.Contains(DumpRows | DumpSingles) {
		t.Fatalf("DumpAll does not contain DumpRows|DumpSingles")
	}
}

func TestDump(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	ensureT(t, c.Add(item(t, 1, "one")))
	ensureT(t, c.Add(item(t, 2, "two")))
	sb := must(db.OpenSingleBean("config", configType))
	ensureT(t, sb.Set("port", 9000))

	out := db.Dump(DumpAll)
	for _, s := range []string{
		"items: Item (2 rows)",
		"items.stats: rows = 2",
		`items.0 = Item {"name":"one","value":1}`,
		`items.1 = Item {"name":"two","value":2}`,
		"single beans (2 columns)",
		`config = Config {c1="9000"}`,
	} {
		if !strings.Contains(out, s) {
			t.Errorf("Dump output missing %q; got:\n%s", s, out)
		}
	}

	out = db.Dump(DumpRows)
	if strings.Contains(out, dumpSep1) || strings.Contains(out, "config") {
		t.Errorf("Dump(DumpRows) included headers or singles:\n%s", out)
	}
}
