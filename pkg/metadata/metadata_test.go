package metadata

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// fakeScanner implements rowScanner against a fixed set of values, letting
// scanMemory be exercised without a live database connection.
type fakeScanner struct {
	values []any
	err    error
}

func (f fakeScanner) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = f.values[i].(string)
		case *float64:
			*v = f.values[i].(float64)
		case *time.Time:
			*v = f.values[i].(time.Time)
		case *[]string:
			*v = f.values[i].([]string)
		case **int64:
			*v = f.values[i].(*int64)
		}
	}
	return nil
}

func TestScanMemory_FieldOrderMatchesSelect(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	vref := int64(42)
	fs := fakeScanner{values: []any{
		"mem-1", "0xUSER", "personal", now, now, 0.7, []string{"dog"},
		"blob://abc", &vref, "text-embedding-3", "ibe", "self:0xUSER", "deadbeef", []string{"node-1"},
	}}

	m, err := scanMemory(fs)
	if err != nil {
		t.Fatalf("scanMemory: %v", err)
	}
	if m.MemoryID != "mem-1" || m.Owner != "0xUSER" || m.Category != "personal" {
		t.Fatalf("m = %+v", m)
	}
	if m.VectorRef == nil || *m.VectorRef != 42 {
		t.Fatalf("VectorRef = %v, want 42", m.VectorRef)
	}
	if m.Encryption.Kind != "ibe" || m.Encryption.IdentityString != "self:0xUSER" {
		t.Fatalf("Encryption = %+v", m.Encryption)
	}
}

func TestScanMemory_PropagatesScanError(t *testing.T) {
	boom := errors.New("boom")
	_, err := scanMemory(fakeScanner{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping boom", err)
	}
}

// TestStore_Integration exercises a live Store against a real Postgres
// instance; it is skipped unless MEMORYPLANE_TEST_DSN is set, matching the
// convention of gating DB-backed tests behind an opt-in environment
// variable rather than requiring infrastructure for every test run.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("MEMORYPLANE_TEST_DSN")
	if dsn == "" {
		t.Skip("set MEMORYPLANE_TEST_DSN to run metadata store integration tests")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	m := Memory{
		MemoryID:       "mem-test-1",
		Owner:          "0xUSER",
		Category:       "personal",
		CreatedAt:      now,
		UpdatedAt:      now,
		Importance:     0.5,
		Tags:           []string{"dog"},
		ContentRef:     "blob://abc",
		EmbeddingModel: "text-embedding-3",
		Encryption:     Encryption{Kind: "plaintext"},
	}
	if err := store.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory: %v", err)
	}

	got, err := store.GetMemory(ctx, "mem-test-1")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Owner != m.Owner {
		t.Fatalf("got.Owner = %q, want %q", got.Owner, m.Owner)
	}

	if _, err := store.GetMemory(ctx, "does-not-exist"); memerr.Kind(err) != "NotFound" {
		t.Fatalf("Kind(err) = %q, want NotFound", memerr.Kind(err))
	}
}
