package provider

import (
	"testing"
)

func setupStore(t *testing.T) *UpdateStore {
	t.Helper()
	s, err := OpenUpdateStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsMonotonicSeqs(t *testing.T) {
	s := setupStore(t)
	var last int64
	for i := 0; i < 3; i++ {
		seq, err := s.Append("doc1", "c1", []byte("u"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq <= last {
			t.Fatalf("seq %d not greater than previous %d", seq, last)
		}
		last = seq
	}
}

func TestAppendValidatesIDs(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Append("", "c1", []byte("u")); err == nil {
		t.Fatal("empty doc id accepted")
	}
	if _, err := s.Append("doc1", "", []byte("u")); err == nil {
		t.Fatal("empty client id accepted")
	}
}

func TestUpdatesSinceFiltersOwnClient(t *testing.T) {
	s := setupStore(t)
	s.Append("doc1", "c1", []byte("from-c1"))
	s.Append("doc1", "c2", []byte("from-c2"))
	s.Append("doc1", "c1", []byte("from-c1-again"))
	s.Append("doc2", "c3", []byte("other-doc"))

	batch, err := s.UpdatesSince("doc1", 0, 10, "c1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(batch.Updates) != 1 {
		t.Fatalf("updates: got %d, want 1 (own writes and other docs excluded)", len(batch.Updates))
	}
	if got := string(batch.Updates[0].Payload); got != "from-c2" {
		t.Fatalf("payload: got %q", got)
	}

	all, err := s.UpdatesSince("doc1", 0, 10, "")
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all.Updates) != 3 {
		t.Fatalf("unfiltered updates: got %d, want 3", len(all.Updates))
	}
}

func TestUpdatesSincePaging(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("doc1", "c1", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	first, err := s.UpdatesSince("doc1", 0, 2, "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Updates) != 2 || !first.HasMore {
		t.Fatalf("first page: got %d updates, hasMore=%v", len(first.Updates), first.HasMore)
	}

	second, err := s.UpdatesSince("doc1", first.LastSeq, 2, "")
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Updates) != 1 || second.HasMore {
		t.Fatalf("second page: got %d updates, hasMore=%v", len(second.Updates), second.HasMore)
	}
	if got := string(second.Updates[0].Payload); got != "c" {
		t.Fatalf("second page payload: got %q, want c", got)
	}
}

func TestUpdatesSinceNonPositiveLimitReturnsAll(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Append("doc1", "c1", []byte("u")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for _, limit := range []int{0, -1} {
		batch, err := s.UpdatesSince("doc1", 0, limit, "")
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		if len(batch.Updates) != 3 || batch.HasMore {
			t.Fatalf("limit %d: got %d updates, hasMore=%v, want all 3 with hasMore=false",
				limit, len(batch.Updates), batch.HasMore)
		}
	}
}

func TestCompactReplacesLogWithSnapshot(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 5; i++ {
		s.Append("doc1", "c1", []byte("u"))
	}
	s.Append("doc2", "c2", []byte("keep"))

	if err := s.Compact("doc1", "relay", []byte("snapshot")); err != nil {
		t.Fatalf("compact: %v", err)
	}
	n, err := s.CountUpdates("doc1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows after compact: got %d, want 1", n)
	}

	batch, err := s.UpdatesSince("doc1", 0, 10, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := string(batch.Updates[0].Payload); got != "snapshot" {
		t.Fatalf("compacted payload: got %q", got)
	}

	// Other documents are untouched.
	if n, _ := s.CountUpdates("doc2"); n != 1 {
		t.Fatalf("doc2 rows: got %d, want 1", n)
	}
}
