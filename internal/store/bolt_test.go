package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nanogrid-air/internal/meter"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetPairing(t *testing.T) {
	s := newTestStore(t)

	p := &PairingConfig{
		UniqueID: "00:11:22:33:44:55",
		URL:      "http://10.0.0.5/meter/",
		Title:    "Nanogrid Air",
		Mode:     ModePoll,
	}
	if err := s.CreatePairing(p); err != nil {
		t.Fatal(err)
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	got, err := s.GetPairing(p.UniqueID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != p.URL {
		t.Errorf("url = %q, want %q", got.URL, p.URL)
	}
	if got.Title != p.Title {
		t.Errorf("title = %q, want %q", got.Title, p.Title)
	}
	if got.Mode != ModePoll {
		t.Errorf("mode = %q, want %q", got.Mode, ModePoll)
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, p.CreatedAt)
	}
}

func TestCreatePairingDuplicate(t *testing.T) {
	s := newTestStore(t)

	p := &PairingConfig{UniqueID: "00:11:22:33:44:55", URL: "http://10.0.0.5/meter/"}
	if err := s.CreatePairing(p); err != nil {
		t.Fatal(err)
	}

	dup := &PairingConfig{UniqueID: "00:11:22:33:44:55", URL: "http://10.0.0.6/meter/"}
	err := s.CreatePairing(dup)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}

	got, err := s.GetPairing(p.UniqueID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != p.URL {
		t.Errorf("url = %q, duplicate create overwrote the pairing", got.URL)
	}
	if n, _ := s.CountPairings(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDeletePairing(t *testing.T) {
	s := newTestStore(t)

	p := &PairingConfig{UniqueID: "AA:BB", URL: "http://10.0.0.5/meter/"}
	if err := s.CreatePairing(p); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReading(p.UniqueID, meter.Reading{PowerIn: meter.Float(1)}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePairing(p.UniqueID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetPairing(p.UniqueID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetReading(p.UniqueID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reading after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeletePairing(p.UniqueID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestListPairings(t *testing.T) {
	s := newTestStore(t)

	ids := []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03"}
	for _, id := range ids {
		if err := s.CreatePairing(&PairingConfig{UniqueID: id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListPairings()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	// Verify all pairings present.
	found := make(map[string]bool)
	for _, p := range list {
		found[p.UniqueID] = true
	}
	for _, id := range ids {
		if !found[id] {
			t.Errorf("pairing %s not in list", id)
		}
	}

	n, err := s.CountPairings()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestUpdatePairingURL(t *testing.T) {
	s := newTestStore(t)

	p := &PairingConfig{UniqueID: "AA:BB", URL: "http://10.0.0.5/meter/"}
	if err := s.CreatePairing(p); err != nil {
		t.Fatal(err)
	}
	created := p.CreatedAt

	time.Sleep(2 * time.Millisecond)
	err := s.UpdatePairing("AA:BB", func(p *PairingConfig) error {
		p.URL = "http://10.0.0.9/meter/"
		p.UniqueID = "CHANGED"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPairing("AA:BB")
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != "http://10.0.0.9/meter/" {
		t.Errorf("url = %q", got.URL)
	}
	if got.UniqueID != "AA:BB" {
		t.Errorf("unique_id = %q, identity must not change", got.UniqueID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, got.CreatedAt)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("updated_at = %v, want after %v", got.UpdatedAt, created)
	}
}

func TestUpdatePairingNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdatePairing("missing", func(*PairingConfig) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePairingCallbackError(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreatePairing(&PairingConfig{UniqueID: "AA", URL: "http://a/meter/"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("rejected")
	err := s.UpdatePairing("AA", func(p *PairingConfig) error {
		p.URL = "http://b/meter/"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	got, _ := s.GetPairing("AA")
	if got.URL != "http://a/meter/" {
		t.Errorf("url = %q, failed update was persisted", got.URL)
	}
}

func TestSaveAndGetReading(t *testing.T) {
	s := newTestStore(t)

	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := meter.Reading{
		Currents:   [meter.Phases]*float64{meter.Float(1.5), nil, meter.Float(3.25)},
		PowerIn:    meter.Float(450),
		ObservedAt: observed,
	}
	if err := s.SaveReading("AA:BB", r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetReading("AA:BB")
	if err != nil {
		t.Fatal(err)
	}
	if got.Currents[0] == nil || *got.Currents[0] != 1.5 {
		t.Errorf("current[0] = %v, want 1.5", got.Currents[0])
	}
	if got.Currents[1] != nil {
		t.Errorf("current[1] = %v, want absent", *got.Currents[1])
	}
	if got.PowerOut != nil {
		t.Errorf("power_out = %v, want absent", *got.PowerOut)
	}
	if !got.ObservedAt.Equal(observed) {
		t.Errorf("observed_at = %v, want %v", got.ObservedAt, observed)
	}
}

func TestGetReadingNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetReading("FF:FF")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
