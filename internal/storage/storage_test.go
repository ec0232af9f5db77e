package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cnnsvm/internal/report"
)

func TestNew(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "history")

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New(filepath.Join(blocker, "history"))
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestOpen_RequiresExistingHistory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "histroy")

	_, err := Open(missing)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected not-exist error, got: %v", err)
	}
	if _, statErr := os.Stat(missing); !os.IsNotExist(statErr) {
		t.Errorf("Open created %s", missing)
	}

	dir := filepath.Join(t.TempDir(), "history")
	created, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	created.Close()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open existing store: %v", err)
	}
	store.Close()
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func sampleRun(start time.Time, accuracy float64) *RunRecord {
	rep, _ := report.Build([]int{0, 0, 1, 1}, []int{0, 1, 1, 1}, []string{"cat", "dog"})
	return &RunRecord{
		StartedAt:      start,
		FinishedAt:     start.Add(90 * time.Second),
		DataRoot:       "/data/catdog",
		ClassNames:     []string{"cat", "dog"},
		Sizes:          map[string]int{"train": 10, "test": 4},
		Backend:        "histogram",
		Device:         "cpu",
		FeatureDim:     30,
		C:              1,
		Gamma:          0.5,
		SupportVectors: 6,
		Accuracy:       accuracy,
		Report:         rep,
		ClassifierPath: "svm_model.gob",
		ReportPath:     "classification_report.txt",
		FitDuration:    2 * time.Second,
	}
}

func TestSaveRun_GetRuns(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := sampleRun(base.Add(time.Duration(i)*time.Hour), 0.5+0.1*float64(i))
		if err := store.SaveRun(rec); err != nil {
			t.Fatalf("Failed to save run %d: %v", i, err)
		}
		if rec.ID == "" {
			t.Errorf("Run %d has no ID after save", i)
		}
	}

	runs, err := store.GetRuns(base.Add(30*time.Minute), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Failed to get runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs in range, got %d", len(runs))
	}
	if !runs[0].StartedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected oldest run first, got %v", runs[0].StartedAt)
	}
	if runs[1].Accuracy != 0.7 {
		t.Errorf("Expected accuracy 0.7, got %f", runs[1].Accuracy)
	}
	if runs[0].Report == nil || runs[0].Report.Total != 4 {
		t.Errorf("Report was not round-tripped: %+v", runs[0].Report)
	}
	if runs[0].Duration() != 90*time.Second {
		t.Errorf("Expected duration 90s, got %v", runs[0].Duration())
	}

	n, err := store.Count()
	if err != nil || n != 3 {
		t.Errorf("Expected 3 runs, got %d (err %v)", n, err)
	}
}

func TestSaveRun_RequiresStartTime(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.SaveRun(&RunRecord{}); err == nil {
		t.Error("Expected error for run without start time")
	}
}

func TestLatest(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	latest, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest on empty store failed: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil for empty history, got %+v", latest)
	}

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SaveRun(sampleRun(base.Add(time.Hour), 0.9))
	store.SaveRun(sampleRun(base, 0.6))

	latest, err = store.Latest()
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest == nil || latest.Accuracy != 0.9 {
		t.Errorf("Expected most recent run with accuracy 0.9, got %+v", latest)
	}
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SaveRun(sampleRun(time.Now(), 0.8)); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
	store.Close()

	store, err = New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	n, err := store.Count()
	if err != nil || n != 1 {
		t.Errorf("Expected 1 persisted run, got %d (err %v)", n, err)
	}
}

func TestRunRecord_SplitSizes(t *testing.T) {
	legacy := sampleRun(time.Now(), 0.9)
	if legacy.TrainSize() != 10 || legacy.TestSize() != 4 {
		t.Errorf("Expected default split sizes 10/4, got %d/%d", legacy.TrainSize(), legacy.TestSize())
	}

	custom := sampleRun(time.Now(), 0.9)
	custom.Sizes = map[string]int{"fit": 12, "holdout": 5}
	custom.TrainSplit = "fit"
	custom.TestSplit = "holdout"
	if custom.TrainSize() != 12 || custom.TestSize() != 5 {
		t.Errorf("Expected custom split sizes 12/5, got %d/%d", custom.TrainSize(), custom.TestSize())
	}
}
