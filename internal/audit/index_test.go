package audit

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T) *sqliteIndex {
	t.Helper()
	idx, err := openIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("openIndex: %v", err)
	}
	t.Cleanup(func() { idx.close() })
	return idx
}

func indexedEntry(i int, tool string) IndexedEntry {
	r := stepRecord(i)
	r.ToolName = tool
	return IndexedEntry{
		Entry: Entry{
			Record:        r,
			Timestamp:     fmt.Sprintf("2026-02-12T10:00:%02d.000000000Z", i),
			IntegrityHash: Digest([]byte(fmt.Sprintf("entry-%d", i))),
		},
		Line: i,
	}
}

func TestIndex_InsertAndQuery(t *testing.T) {
	idx := openTestIndex(t)
	for i := 1; i <= 5; i++ {
		tool := "exec"
		if i%2 == 0 {
			tool = "read_file"
		}
		e := indexedEntry(i, tool)
		idx.insert(&e)
	}

	if n := idx.count(); n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}

	all, err := idx.query(QueryParams{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 5 || all[0].Line != 5 {
		t.Fatalf("query returned %d entries, first line %d; want 5 newest first", len(all), all[0].Line)
	}
	if all[0].Record != indexedEntry(5, "exec").Record {
		t.Errorf("row = %+v, want the inserted record", all[0].Record)
	}

	reads, err := idx.query(QueryParams{ToolName: "read_file"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reads) != 2 {
		t.Errorf("tool filter returned %d, want 2", len(reads))
	}

	recent, err := idx.query(QueryParams{Since: "2026-02-12T10:00:04.000000000Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter returned %d, want 2", len(recent))
	}

	tail, err := idx.tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[1].Line != 4 {
		t.Errorf("tail(2) = %d entries, want lines 5 and 4", len(tail))
	}
}

func TestIndex_DuplicateHashIgnored(t *testing.T) {
	idx := openTestIndex(t)
	e := indexedEntry(1, "exec")
	idx.insert(&e)
	idx.insert(&e)
	if n := idx.count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if !idx.hasHash(e.IntegrityHash) {
		t.Error("hasHash should find the inserted entry")
	}
	if idx.hasHash(GenesisHash) {
		t.Error("hasHash should not find genesis")
	}
}

func TestIndex_MoveLive(t *testing.T) {
	idx := openTestIndex(t)
	archived := indexedEntry(1, "exec")
	archived.Segment = "actions-older"
	live := indexedEntry(2, "exec")
	idx.insert(&archived)
	idx.insert(&live)

	idx.moveLive("actions-newer")

	rows, err := idx.query(QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	got := map[int]string{}
	for _, r := range rows {
		got[r.Line] = r.Segment
	}
	if got[1] != "actions-older" || got[2] != "actions-newer" {
		t.Errorf("segments after moveLive = %v", got)
	}
}

func TestIndex_Rebuild(t *testing.T) {
	idx := openTestIndex(t)
	stale := indexedEntry(99, "stale")
	idx.insert(&stale)

	entries := []IndexedEntry{indexedEntry(1, "exec"), indexedEntry(2, "exec"), indexedEntry(3, "exec")}
	if err := idx.rebuild(entries); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n := idx.count(); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if idx.hasHash(stale.IntegrityHash) {
		t.Error("rebuild should drop stale rows")
	}
}
