package requestlist

import (
	"context"
	"strings"
	"testing"
)

func TestStaticYieldsInOrderThenExhausts(t *testing.T) {
	s := NewStatic([]string{"https://a.example", "https://b.example"})
	ctx := context.Background()

	u, ok, err := s.Next(ctx)
	if err != nil || !ok || u != "https://a.example" {
		t.Fatalf("Next #1 = %q, %v, %v", u, ok, err)
	}
	u, ok, err = s.Next(ctx)
	if err != nil || !ok || u != "https://b.example" {
		t.Fatalf("Next #2 = %q, %v, %v", u, ok, err)
	}
	_, ok, err = s.Next(ctx)
	if err != nil || ok {
		t.Fatalf("expected exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestFromReaderSkipsBlankAndCommentLines(t *testing.T) {
	body := "https://a.example\n\n# a comment\nhttps://b.example\n"
	s, err := FromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}

	var got []string
	for {
		u, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, u)
	}
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected urls: %v", got)
	}
}

func TestNextRespectsCancelledContext(t *testing.T) {
	s := NewStatic([]string{"https://a.example"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Next(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
}
