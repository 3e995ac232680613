package transcript

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestAppendAndLines(t *testing.T) {
	r := NewRing(10)

	r.Append("merhaba", "user")
	r.Append("yanıt", "ai")

	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != (Line{Text: "merhaba", Role: "user"}) {
		t.Errorf("unexpected first line: %+v", lines[0])
	}
	if lines[1] != (Line{Text: "yanıt", Role: "ai"}) {
		t.Errorf("unexpected second line: %+v", lines[1])
	}
}

func TestOverflowDiscardsOldest(t *testing.T) {
	r := NewRing(3)

	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line-%d", i), "system")
	}

	lines := r.Lines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	want := []string{"line-3", "line-4", "line-5"}
	for i, text := range want {
		if lines[i].Text != text {
			t.Errorf("line %d: expected %q, got %q", i, text, lines[i].Text)
		}
	}
}

func TestInvalidCapacityDefaultsToOne(t *testing.T) {
	r := NewRing(0)
	if r.Cap() != 1 {
		t.Fatalf("expected capacity 1, got %d", r.Cap())
	}

	r.Append("a", "user")
	r.Append("b", "user")
	lines := r.Lines()
	if len(lines) != 1 || lines[0].Text != "b" {
		t.Errorf("expected only the newest line, got %v", lines)
	}
}

func TestEmptyRing(t *testing.T) {
	r := NewRing(5)
	if r.Len() != 0 {
		t.Errorf("expected empty ring, got len %d", r.Len())
	}
	if lines := r.Lines(); lines != nil {
		t.Errorf("expected nil lines, got %v", lines)
	}
}

func TestClear(t *testing.T) {
	r := NewRing(5)
	r.Append("a", "user")
	r.Append("b", "ai")

	r.Clear()

	if r.Len() != 0 {
		t.Errorf("expected empty ring after clear, got %d", r.Len())
	}
	r.Append("c", "user")
	if lines := r.Lines(); len(lines) != 1 || lines[0].Text != "c" {
		t.Errorf("ring must be reusable after clear, got %v", lines)
	}
}

func TestConcurrentAppend(t *testing.T) {
	r := NewRing(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Append(fmt.Sprintf("w%d-%d", worker, j), "system")
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 100 {
		t.Errorf("expected ring at capacity, got %d", r.Len())
	}
}

func TestRingKeepsNewestSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ring holds the newest lines in append order", prop.ForAll(
		func(capacity int, texts []string) bool {
			r := NewRing(capacity)
			for _, text := range texts {
				r.Append(text, "user")
			}

			lines := r.Lines()
			wantLen := len(texts)
			if wantLen > capacity {
				wantLen = capacity
			}
			if len(lines) != wantLen {
				return false
			}
			offset := len(texts) - wantLen
			for i, line := range lines {
				if line.Text != texts[offset+i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
