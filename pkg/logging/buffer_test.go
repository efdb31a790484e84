package logging

import (
	"fmt"
	"testing"
)

func TestBuffer_SplitsLinesAndKeepsPartialTail(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10)
	fmt.Fprint(b, "first\nsec")
	if b.Len() != 1 {
		t.Fatalf("len=%d", b.Len())
	}
	fmt.Fprint(b, "ond\n\nthird\n")

	got := b.Recent(10)
	if len(got) != 3 {
		t.Fatalf("entries=%d", len(got))
	}
	if got[0].Message != "first" || got[1].Message != "second" || got[2].Message != "third" {
		t.Fatalf("entries=%+v", got)
	}
}

func TestBuffer_BoundedToMax(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3)
	for i := 0; i < 10; i++ {
		fmt.Fprintf(b, "line-%d\n", i)
	}
	got := b.Recent(5)
	if len(got) != 3 {
		t.Fatalf("entries=%d", len(got))
	}
	if got[0].Message != "line-7" || got[2].Message != "line-9" {
		t.Fatalf("entries=%+v", got)
	}
}
