package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abelbrown/harvest/internal/model"
)

// failingBackend wraps a real backend and fails saves on demand.
type failingBackend struct {
	Backend
	fail bool
}

func (f *failingBackend) Save(records map[string]model.Record) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Backend.Save(records)
}

func sampleRecords() []model.Record {
	added := time.Date(2024, 4, 1, 9, 30, 0, 250, time.UTC)
	return []model.Record{
		{
			ID: "100", Title: "Movie.2024 [FreeLeech]", SourceLink: "https://tracker/download.php?id=100",
			SizeBytes: 4 << 30, IsPrivileged: true, SeederCount: 17, Category: "Filme HD",
			AddedAt: added, Status: model.StatusAcquiring,
		},
		{
			ID: "101", Title: "Show.S01", SourceLink: "https://tracker/download.php?id=101",
			SizeBytes: 1 << 30, AddedAt: added.Add(time.Minute),
			CompletedAt: added.Add(time.Hour), Status: model.StatusCompleted,
		},
		{
			ID: "102", Title: "Old", SourceLink: "l", AddedAt: added.Add(2 * time.Minute),
			CompletedAt: added.Add(2 * time.Hour), Status: model.StatusEvicted,
		},
		{ID: "103", Title: "Broken", SourceLink: "l", AddedAt: added.Add(3 * time.Minute), Status: model.StatusFailed},
	}
}

func openJSON(t *testing.T, path string) *Repository {
	t.Helper()
	repo, err := Open(NewJSONFileBackend(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return repo
}

func TestAddDedup(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	rec := sampleRecords()[0]

	if err := repo.Add(rec); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	dup := rec
	dup.Title = "different title"
	if err := repo.Add(dup); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("second Add: err = %v, want ErrAlreadyTracked", err)
	}

	if repo.Len() != 1 {
		t.Errorf("Len = %d, want 1", repo.Len())
	}
	got, _ := repo.Get(rec.ID)
	if got.Title != rec.Title {
		t.Error("duplicate Add overwrote the stored record")
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	if err := repo.Add(model.Record{Status: model.StatusPending}); !errors.Is(err, model.ErrInvalidRecord) {
		t.Errorf("err = %v, want ErrInvalidRecord", err)
	}
}

func TestCrashDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	repo := openJSON(t, path)

	for _, rec := range sampleRecords() {
		if err := repo.Add(rec); err != nil {
			t.Fatalf("Add %s: %v", rec.ID, err)
		}
	}
	if _, err := repo.Transition("100", model.StatusCompleted, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// no Close: a fresh process must see every acknowledged mutation
	reopened := openJSON(t, path)
	if diff := cmp.Diff(repo.GetAll(), reopened.GetAll()); diff != "" {
		t.Errorf("reopened state mismatch (-before +after):\n%s", diff)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRoundTripBackends(t *testing.T) {
	dir := t.TempDir()
	sqlite, err := OpenSQLite(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sqlite.Close()

	backends := map[string]Backend{
		"json":   NewJSONFileBackend(filepath.Join(dir, "state.json")),
		"sqlite": sqlite,
	}

	want := make(map[string]model.Record)
	for _, r := range sampleRecords() {
		want[r.ID] = r
	}

	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			if err := b.Save(want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := b.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteSaveReplaces(t *testing.T) {
	b, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer b.Close()

	recs := sampleRecords()
	if err := b.Save(map[string]model.Record{recs[0].ID: recs[0], recs[1].ID: recs[1]}); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(map[string]model.Record{recs[1].ID: recs[1]}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Load returned %d records, want 1", len(got))
	}
}

func TestSQLiteCorruptRow(t *testing.T) {
	b, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer b.Close()

	if _, err := b.db.Exec(`INSERT INTO records (id, title, link, added_at, status) VALUES ('1','t','l','2024-01-01T00:00:00Z','paused')`); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Load(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestSQLiteReadFailureIsNotCorrupt(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	recs := sampleRecords()
	if err := b.Save(map[string]model.Record{recs[0].ID: recs[0]}); err != nil {
		t.Fatal(err)
	}
	b.db.Close()

	_, err = b.Load()
	if err == nil || errors.Is(err, ErrCorrupt) {
		t.Errorf("Load on closed db: err = %v, want a non-corrupt error", err)
	}
	repo, err := Open(b)
	if err == nil || errors.Is(err, ErrCorrupt) || repo != nil {
		t.Errorf("Open = %v, %v; want nil repository and a load error", repo, err)
	}
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"1": {"id": "1", "status": `), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := Open(NewJSONFileBackend(path))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if repo == nil {
		t.Fatal("corrupt state must still return a usable repository")
	}
	if repo.Len() != 0 {
		t.Errorf("Len = %d, want 0", repo.Len())
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("expected one quarantined file, found %v", matches)
	}

	if err := repo.Add(sampleRecords()[0]); err != nil {
		t.Errorf("Add after corruption: %v", err)
	}
}

func TestMissingStateIsEmpty(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "nested", "state.json"))
	if repo.Len() != 0 {
		t.Errorf("Len = %d, want 0", repo.Len())
	}
	if err := repo.Add(sampleRecords()[0]); err != nil {
		t.Errorf("Add into missing dir: %v", err)
	}
}

func TestLegacyStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torrents.json")
	legacy := `{
  "55": {
    "id": "55", "title": "A [FreeLeech]", "link": "https://x/download.php?id=55",
    "size": 1024, "is_freeleech": true,
    "added_date": "2024-01-02T03:04:05.123456",
    "completed_date": "2024-01-02T05:00:00.000001",
    "status": "completed", "category": null, "seeders": 0
  }
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := openJSON(t, path)
	rec, ok := repo.Get("55")
	if !ok {
		t.Fatal("legacy record not loaded")
	}
	if rec.Status != model.StatusCompleted || !rec.HasCompleted() || rec.Category != "" {
		t.Errorf("legacy record decoded as %+v", rec)
	}
}

func TestWriteFailureRollsBack(t *testing.T) {
	fb := &failingBackend{Backend: NewJSONFileBackend(filepath.Join(t.TempDir(), "state.json"))}
	repo, err := Open(fb)
	if err != nil {
		t.Fatal(err)
	}

	recs := sampleRecords()
	if err := repo.Add(recs[0]); err != nil {
		t.Fatal(err)
	}
	if err := repo.Add(recs[1]); err != nil {
		t.Fatal(err)
	}

	fb.fail = true

	if err := repo.Add(recs[3]); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Add: err = %v, want ErrWriteFailed", err)
	}
	if repo.Exists(recs[3].ID) {
		t.Error("failed Add left record in memory")
	}

	if _, err := repo.Transition(recs[1].ID, model.StatusEvicted, time.Now()); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Transition: err = %v, want ErrWriteFailed", err)
	}
	if got, _ := repo.Get(recs[1].ID); got.Status != model.StatusCompleted {
		t.Errorf("failed Transition left status %s", got.Status)
	}

	if err := repo.Remove(recs[0].ID); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Remove: err = %v, want ErrWriteFailed", err)
	}
	if !repo.Exists(recs[0].ID) {
		t.Error("failed Remove dropped record from memory")
	}
}

func TestUpdate(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	rec := sampleRecords()[0]
	if err := repo.Add(rec); err != nil {
		t.Fatal(err)
	}

	same := rec
	same.SeederCount = 99
	if err := repo.Update(same); err != nil {
		t.Errorf("same-status update: %v", err)
	}

	resized := rec
	resized.SizeBytes++
	if err := repo.Update(resized); !errors.Is(err, ErrImmutableField) {
		t.Errorf("size change: err = %v, want ErrImmutableField", err)
	}

	back := rec
	back.Status = model.StatusPending
	if err := repo.Update(back); !errors.Is(err, model.ErrIllegalTransition) {
		t.Errorf("acquiring -> pending: err = %v, want ErrIllegalTransition", err)
	}

	ghost := rec
	ghost.ID = "nope"
	if err := repo.Update(ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateKeepsCompletedAt(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	rec := sampleRecords()[1]
	if err := repo.Add(rec); err != nil {
		t.Fatal(err)
	}

	rewritten := rec
	rewritten.CompletedAt = rec.CompletedAt.Add(48 * time.Hour)
	if err := repo.Update(rewritten); !errors.Is(err, ErrImmutableField) {
		t.Errorf("rewrite completed_at: err = %v, want ErrImmutableField", err)
	}

	cleared := rec
	cleared.Status = model.StatusEvicted
	cleared.CompletedAt = time.Time{}
	if err := repo.Update(cleared); !errors.Is(err, ErrImmutableField) {
		t.Errorf("evict dropping completed_at: err = %v, want ErrImmutableField", err)
	}

	got, _ := repo.Get(rec.ID)
	if got.Status != model.StatusCompleted || !got.CompletedAt.Equal(rec.CompletedAt) {
		t.Errorf("stored = %s at %v, want completed at %v", got.Status, got.CompletedAt, rec.CompletedAt)
	}

	evicted := rec
	evicted.Status = model.StatusEvicted
	if err := repo.Update(evicted); err != nil {
		t.Errorf("evict keeping completed_at: %v", err)
	}
}

func TestTransitionSequence(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	rec := sampleRecords()[0]
	if err := repo.Add(rec); err != nil {
		t.Fatal(err)
	}

	done := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := repo.Transition(rec.ID, model.StatusCompleted, done)
	if err != nil {
		t.Fatalf("-> completed: %v", err)
	}
	if !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v", got.CompletedAt)
	}
	if _, err := repo.Transition(rec.ID, model.StatusEvicted, done.Add(time.Hour)); err != nil {
		t.Fatalf("-> evicted: %v", err)
	}
	if _, err := repo.Transition(rec.ID, model.StatusAcquiring, done); !errors.Is(err, model.ErrIllegalTransition) {
		t.Errorf("evicted -> acquiring: err = %v", err)
	}
	if _, err := repo.Transition("missing", model.StatusFailed, done); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v", err)
	}
}

func TestQueries(t *testing.T) {
	repo := openJSON(t, filepath.Join(t.TempDir(), "state.json"))
	recs := sampleRecords()
	for i := len(recs) - 1; i >= 0; i-- {
		if err := repo.Add(recs[i]); err != nil {
			t.Fatal(err)
		}
	}

	all := repo.GetAll()
	for i := range recs {
		if all[i].ID != recs[i].ID {
			t.Fatalf("GetAll order: got %s at %d, want %s", all[i].ID, i, recs[i].ID)
		}
	}

	completed := repo.GetByStatus(model.StatusCompleted)
	if len(completed) != 1 || completed[0].ID != "101" {
		t.Errorf("GetByStatus(completed) = %v", completed)
	}

	snap := repo.Snapshot()
	if err := repo.Remove("100"); err != nil {
		t.Fatal(err)
	}
	if !snap.Exists("100") {
		t.Error("snapshot changed after Remove")
	}
	if repo.Exists("100") {
		t.Error("Remove did not remove")
	}
	if snap.Len() != 4 {
		t.Errorf("snapshot Len = %d, want 4", snap.Len())
	}
}

func TestConcurrentAdds(t *testing.T) {
	b, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	repo, err := Open(b)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Add(model.Record{ID: "same", SourceLink: "l", AddedAt: time.Now(), Status: model.StatusAcquiring})
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyTracked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || repo.Len() != 1 {
		t.Errorf("accepted %d adds, Len %d; want exactly one", ok, repo.Len())
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBackend(KindSQLite, filepath.Join(dir, "s.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	b.Close()

	if _, err := OpenBackend(KindJSON, filepath.Join(dir, "s.json")); err != nil {
		t.Errorf("json: %v", err)
	}
	if _, err := OpenBackend("redis", "x"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestReadStateHasNoSideEffects(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "torrents.json")
		repo := openJSON(t, path)
		for _, r := range sampleRecords() {
			if err := repo.Add(r); err != nil {
				t.Fatal(err)
			}
		}
		got, err := ReadState(KindJSON, path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(sampleRecords(), got); diff != "" {
			t.Errorf("ReadState mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("corrupt json left in place", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadState(KindJSON, path); !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("corrupt file moved: %v", err)
		}
	})

	t.Run("missing sqlite not created", func(t *testing.T) {
		path := filepath.Join(dir, "state.db")
		got, err := ReadState(KindSQLite, path)
		if err != nil || len(got) != 0 {
			t.Fatalf("ReadState = %v, %v", got, err)
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("sqlite file created: %v", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		if _, err := ReadState("xml", "x"); err == nil {
			t.Error("expected error")
		}
	})
}
