package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memoryplane/memoryplane/internal/config"
	"github.com/memoryplane/memoryplane/pkg/metadata"
	"github.com/memoryplane/memoryplane/pkg/permission"
)

type fakeConsentLister struct {
	grants []metadata.ConsentGrant
	err    error
}

func (f *fakeConsentLister) ListConsentGrants(ctx context.Context, requestingIdentity, targetIdentity, scope string) ([]metadata.ConsentGrant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.grants, nil
}

func TestMetadataGrantStore_Grants_MapsRows(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	lister := &fakeConsentLister{grants: []metadata.ConsentGrant{
		{RequestingIdentity: "app:alice", TargetIdentity: "self:bob", Scope: "read", GrantedAt: time.Unix(0, 0), ExpiresAt: &expires},
	}}
	gs := &metadataGrantStore{store: lister, log: slog.Default()}

	got := gs.Grants("app:alice", "self:bob", "read")
	if len(got) != 1 {
		t.Fatalf("Grants() returned %d entries, want 1", len(got))
	}
	want := permission.ConsentGrant{
		RequestingIdentity: "app:alice",
		TargetAddress:      "self:bob",
		Scope:              "read",
		GrantedAt:          time.Unix(0, 0),
		ExpiresAt:          &expires,
	}
	if got[0] != want {
		t.Fatalf("Grants()[0] = %+v, want %+v", got[0], want)
	}
}

func TestMetadataGrantStore_Grants_ErrorReturnsNilNotPanic(t *testing.T) {
	lister := &fakeConsentLister{err: errors.New("connection reset")}
	gs := &metadataGrantStore{store: lister, log: slog.Default()}

	got := gs.Grants("app:alice", "self:bob", "read")
	if got != nil {
		t.Fatalf("Grants() = %+v, want nil on lookup failure", got)
	}
}

func TestCore_ConfigSwap_IsRaceSafe(t *testing.T) {
	c := &Core{cfg: &config.Config{}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.ApplyConfigUpdate(&config.Config{})
		}()
		go func() {
			defer wg.Done()
			_ = c.Config()
		}()
	}
	wg.Wait()
}

func TestCore_Stop_IsIdempotentAndRunsClosersInReverseOrder(t *testing.T) {
	var order []int
	c := &Core{active: true}
	c.pushCloser(func() error { order = append(order, 1); return nil })
	c.pushCloser(func() error { order = append(order, 2); return nil })
	c.pushCloser(func() error { order = append(order, 3); return nil })

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	// A second Stop must be a no-op: no closer runs again.
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("closers re-ran on second Stop: order = %v", order)
	}
}

func TestCore_Stop_JoinsClosersErrors(t *testing.T) {
	boom := errors.New("boom")
	c := &Core{active: true}
	c.pushCloser(func() error { return boom })
	c.pushCloser(func() error { return nil })

	err := c.Stop()
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("Stop() = %v, want error wrapping %v", err, boom)
	}
}
