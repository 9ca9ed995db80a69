package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/storage/memstore"
)

func newTestQueue(t *testing.T, window time.Duration) *Queue {
	t.Helper()
	opts := DefaultOptions("default")
	opts.ForwardProgressWindow = window
	q, err := New(context.Background(), memstore.New(), opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestDedupScenario(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	a, _ := request.New("https://e/a", "", nil)
	b, _ := request.New("https://e/a#frag", "", nil)
	c, _ := request.New("https://e/b", "", nil)

	if _, err := q.AddRequest(ctx, a, false); err != nil {
		t.Fatalf("add a: %v", err)
	}
	res, err := q.AddRequest(ctx, b, false)
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	if !res.WasAlreadyPresent {
		t.Fatalf("expected duplicate (fragment-insensitive)")
	}
	if _, err := q.AddRequest(ctx, c, false); err != nil {
		t.Fatalf("add c: %v", err)
	}

	var fetched []string
	for {
		r, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if r == nil {
			break
		}
		fetched = append(fetched, r.URL)
	}
	if len(fetched) != 2 {
		t.Fatalf("expected 2 distinct requests, got %d: %v", len(fetched), fetched)
	}
}

func TestForefrontOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	for _, u := range []string{"https://e/1", "https://e/2", "https://e/3"} {
		r, _ := request.New(u, "", nil)
		if _, err := q.AddRequest(ctx, r, false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	urgent, _ := request.New("https://e/urgent", "", nil)
	if _, err := q.AddRequest(ctx, urgent, true); err != nil {
		t.Fatalf("add urgent: %v", err)
	}

	want := []string{"https://e/urgent", "https://e/1", "https://e/2", "https://e/3"}
	for _, w := range want {
		r, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if r == nil || r.URL != w {
			t.Fatalf("expected %s next, got %+v", w, r)
		}
	}
}

func TestHandleEveryAddedRequestExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	urls := []string{"https://e/1", "https://e/2", "https://e/3", "https://e/4"}
	for _, u := range urls {
		r, _ := request.New(u, "", nil)
		if _, err := q.AddRequest(ctx, r, false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	handled := map[string]int{}
	for {
		r, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if r == nil {
			break
		}
		handled[r.URL]++
		if err := q.MarkRequestHandled(ctx, r); err != nil {
			t.Fatalf("mark handled: %v", err)
		}
		// Idempotent re-mark must not error or double count.
		if err := q.MarkRequestHandled(ctx, r); err != nil {
			t.Fatalf("idempotent mark handled: %v", err)
		}
	}

	for _, u := range urls {
		if handled[u] != 1 {
			t.Errorf("expected %s handled exactly once, got %d", u, handled[u])
		}
	}
}

func TestReclaimForefrontDequeuedFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	r1, _ := request.New("https://e/1", "", nil)
	r2, _ := request.New("https://e/2", "", nil)
	q.AddRequest(ctx, r1, false)
	q.AddRequest(ctx, r2, false)

	leased, err := q.FetchNextRequest(ctx)
	if err != nil || leased == nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := q.ReclaimRequest(ctx, leased, true); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	next, err := q.FetchNextRequest(ctx)
	if err != nil || next == nil {
		t.Fatalf("fetch after reclaim: %v", err)
	}
	if next.URL != leased.URL {
		t.Fatalf("expected reclaimed request %s first, got %s", leased.URL, next.URL)
	}
}

func TestIsFinishedWaitsOutForwardProgressWindow(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Millisecond)

	r, _ := request.New("https://e/1", "", nil)
	q.AddRequest(ctx, r, false)
	leased, err := q.FetchNextRequest(ctx)
	if err != nil || leased == nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := q.MarkRequestHandled(ctx, leased); err != nil {
		t.Fatalf("mark handled: %v", err)
	}

	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if finished {
		t.Fatalf("expected not finished immediately after activity")
	}

	time.Sleep(40 * time.Millisecond)
	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatalf("expected finished once the forward-progress window elapses")
	}
}
