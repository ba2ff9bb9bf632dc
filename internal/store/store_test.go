package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/jdai/vault-engine/internal/model"
)

const alice = "0xa11ce00000000000000000000000000000000001"

func sampleSession() *model.Session {
	return &model.Session{
		ID:               "4f1c2a5e-7a43-4c57-9a3e-1e0d1f6c9b21",
		Address:          alice,
		OperationID:      model.OpMintDebt,
		StepIndex:        2,
		Amount:           "125.5",
		CompletedStepIDs: []string{"input-amount", "draw-debt"},
		ApprovedAmounts:  map[string]string{},
		TxHashes:         map[string]string{"draw-debt": "0xabc"},
		Origin:           model.OriginUser,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// exercise runs the shared contract against any Store.
func exercise(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := st.LoadSession(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := sampleSession()
	if err := st.SaveSession(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.LoadSession(ctx, alice)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// Mutating the loaded copy must not leak into the store.
	got.CompletedStepIDs = append(got.CompletedStepIDs, "exit-debt")
	again, _ := st.LoadSession(ctx, alice)
	if len(again.CompletedStepIDs) != 2 {
		t.Errorf("stored session was mutated through a loaded copy")
	}

	if err := st.DeleteSession(ctx, alice); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteSession(ctx, alice); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := st.LoadSession(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	rec := model.RecoveredRecord{
		TxHash:     "0xfeed",
		Address:    alice,
		Asset:      model.AssetDebt,
		Amount:     decimal.RequireFromString("30"),
		RecordedAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	if err := st.MarkRecovered(ctx, rec); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := st.MarkRecovered(ctx, rec); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	ok, err := st.IsRecovered(ctx, "0xfeed", alice)
	if err != nil || !ok {
		t.Errorf("expected recovered, got %v (%v)", ok, err)
	}
	if ok, _ := st.IsRecovered(ctx, "0xfeed", "0xb0b0000000000000000000000000000000000002"); ok {
		t.Error("record must be keyed by address too")
	}
	list, _ := st.ListRecovered(ctx, alice)
	if len(list) != 1 || !list[0].Amount.Equal(rec.Amount) {
		t.Errorf("expected one record, got %+v", list)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	exercise(t, NewFileStore(fs, "/state"))

	if _, err := fs.Stat("/state/recovered/" + alice + ".json"); err != nil {
		t.Errorf("expected recovered file on disk: %v", err)
	}
	entries, _ := afero.ReadDir(fs, "/state/sessions")
	for _, e := range entries {
		if e.Name() != alice+".json" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}
