package request

import "testing"

func TestCanonicalizeURLStripsFragmentAndSortsQuery(t *testing.T) {
	got := CanonicalizeURL("HTTPS://Example.com:443/a/?b=2&a=1#frag", false)
	want := "https://example.com/a?a=1&b=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalizeURLKeepsFragmentWhenRequested(t *testing.T) {
	got := CanonicalizeURL("https://example.com/a#frag", true)
	if got != "https://example.com/a#frag" {
		t.Fatalf("expected fragment kept, got %q", got)
	}
}

func TestNewRequestSameUniqueKeyForDuplicateURL(t *testing.T) {
	r1, err := New("https://example.com/a", "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r2, err := New("https://example.com/a#frag", "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r1.UniqueKey != r2.UniqueKey {
		t.Errorf("expected equal unique keys (fragment ignored by default), got %q vs %q", r1.UniqueKey, r2.UniqueKey)
	}

	r3, err := New("https://example.com/b", "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r1.UniqueKey == r3.UniqueKey {
		t.Errorf("expected distinct unique keys for distinct paths")
	}
}

func TestAddErrorMessageBounded(t *testing.T) {
	r, _ := New("https://example.com/a", "", nil)
	for i := 0; i < MaxErrorMessages+5; i++ {
		r.AddErrorMessage("boom")
	}
	if len(r.ErrorMessages) != MaxErrorMessages {
		t.Fatalf("expected %d messages retained, got %d", MaxErrorMessages, len(r.ErrorMessages))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r, _ := New("https://example.com/a", "", nil)
	r.UserData["k"] = "v"
	clone := r.Clone()
	clone.UserData["k"] = "changed"
	if r.UserData["k"] != "v" {
		t.Fatalf("mutating clone's UserData leaked into original")
	}
}
