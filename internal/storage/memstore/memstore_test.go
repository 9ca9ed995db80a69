package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/storage"
)

func TestAddRequestDedup(t *testing.T) {
	ctx := context.Background()
	c := New()
	q, err := c.GetOrCreateQueue(ctx, "default")
	if err != nil {
		t.Fatalf("GetOrCreateQueue: %v", err)
	}

	r1, _ := request.New("https://example.com/a", "", nil)
	res1, err := c.AddRequest(ctx, q.ID, r1, storage.AddOptions{})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if res1.WasAlreadyPresent {
		t.Fatalf("expected first add to be new")
	}

	r2, _ := request.New("https://example.com/a#frag", "", nil)
	res2, err := c.AddRequest(ctx, q.ID, r2, storage.AddOptions{})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if !res2.WasAlreadyPresent {
		t.Fatalf("expected duplicate (fragment-insensitive) add to be reported as present")
	}
	if res2.ID != res1.ID {
		t.Fatalf("expected same id for duplicate, got %s vs %s", res2.ID, res1.ID)
	}
}

func TestListAndLockHeadRespectsForefront(t *testing.T) {
	ctx := context.Background()
	c := New()
	q, _ := c.GetOrCreateQueue(ctx, "default")

	for _, u := range []string{"https://e/1", "https://e/2", "https://e/3"} {
		r, _ := request.New(u, "", nil)
		if _, err := c.AddRequest(ctx, q.ID, r, storage.AddOptions{}); err != nil {
			t.Fatalf("AddRequest: %v", err)
		}
	}
	urgent, _ := request.New("https://e/urgent", "", nil)
	if _, err := c.AddRequest(ctx, q.ID, urgent, storage.AddOptions{Forefront: true}); err != nil {
		t.Fatalf("AddRequest forefront: %v", err)
	}

	listing, err := c.ListAndLockHead(ctx, q.ID, 1, 180)
	if err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].URL != "https://e/urgent" {
		t.Fatalf("expected urgent request first, got %+v", listing.Items)
	}
}

func TestExpiredLockIsReclaimedToFront(t *testing.T) {
	ctx := context.Background()
	c := New()
	q, _ := c.GetOrCreateQueue(ctx, "default")

	r1, _ := request.New("https://e/1", "", nil)
	c.AddRequest(ctx, q.ID, r1, storage.AddOptions{})
	r2, _ := request.New("https://e/2", "", nil)
	c.AddRequest(ctx, q.ID, r2, storage.AddOptions{})

	// Lease r1 with an already-expired lock.
	listing, err := c.ListAndLockHead(ctx, q.ID, 1, 0)
	if err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if len(listing.Items) != 1 {
		t.Fatalf("expected one leased item")
	}
	time.Sleep(5 * time.Millisecond)

	// Next list call should observe the expired lease and reclaim it to the
	// front ahead of r2.
	relisted, err := c.ListAndLockHead(ctx, q.ID, 1, 180)
	if err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if len(relisted.Items) != 1 || relisted.Items[0].URL != "https://e/1" {
		t.Fatalf("expected expired request reclaimed first, got %+v", relisted.Items)
	}
}
