package msglog

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "msglog.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Tenant: "549111", Recipient: "549222", Kind: "reminder", Status: StatusSent, SentAt: base},
		{Tenant: "549111", Recipient: "549222", Kind: "confirmation", Buttoned: true, Status: StatusFallback, SentAt: base.Add(time.Minute)},
		{Tenant: "549333", Recipient: "549444", Kind: "message", Status: StatusFailed, Detail: "not connected", SentAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Record(e); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	got, err := s.ListByTenant("549111", 10)
	if err != nil {
		t.Fatalf("ListByTenant error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Kind != "confirmation" || got[1].Kind != "reminder" {
		t.Errorf("order = [%s, %s], want [confirmation, reminder]", got[0].Kind, got[1].Kind)
	}
	if !got[0].Buttoned || got[0].Status != StatusFallback {
		t.Errorf("entry = %+v", got[0])
	}
	if got[0].ID == "" {
		t.Error("Record should assign an ID")
	}
}

func TestListByTenant_Limit(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := s.Record(Entry{
			Tenant: "549111", Recipient: "549222", Kind: "message",
			Status: StatusSent, SentAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListByTenant("549111", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}

func TestListByTenant_Empty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ListByTenant("000", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestFailedEntryDetail(t *testing.T) {
	s := newTestStore(t)
	err := s.Record(Entry{
		Tenant: "549111", Recipient: "549222", Kind: "urgent",
		Status: StatusFailed, Detail: "upstream rejected send: unknown recipient",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListByTenant("549111", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Detail == "" {
		t.Errorf("got = %+v, want detail preserved", got)
	}
}
