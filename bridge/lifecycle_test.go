package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
	"github.com/drummonds/pdfbridge/internal/enginetest"
)

func TestGuardAcquireRelease(t *testing.T) {
	eng := enginetest.New(1)
	g := NewGuard(eng, nil)

	t.Run("First acquire initializes", func(t *testing.T) {
		if err := g.Acquire(); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if !eng.Initialized() {
			t.Error("Expected engine to be initialized")
		}
	})

	t.Run("Second acquire does not reinitialize", func(t *testing.T) {
		if err := g.Acquire(); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if got := eng.Stats().Inits; got != 1 {
			t.Errorf("Expected 1 init, got %d", got)
		}
	})

	t.Run("Last release tears down", func(t *testing.T) {
		if err := g.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if !eng.Initialized() {
			t.Error("Expected engine to stay up while a reference is held")
		}
		if err := g.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if eng.Initialized() {
			t.Error("Expected engine to be torn down")
		}
	})

	t.Run("Release at zero is a no-op", func(t *testing.T) {
		if err := g.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		stats := g.Stats()
		if stats.Refs != 0 || stats.Teardowns != 1 {
			t.Errorf("Expected 0 refs and 1 teardown, got %+v", stats)
		}
	})

	t.Run("Reacquire initializes again", func(t *testing.T) {
		if err := g.Acquire(); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer g.Release()
		if got := eng.Stats().Inits; got != 2 {
			t.Errorf("Expected 2 inits, got %d", got)
		}
	})
}

func TestGuardInitFailure(t *testing.T) {
	eng := enginetest.New(1)
	eng.InitErr = errors.New("no runtime")
	g := NewGuard(eng, nil)

	err := g.Acquire()
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("Expected ErrEngineUnavailable, got %v", err)
	}
	if g.Initialized() {
		t.Error("Expected guard to stay uninitialized")
	}
	if got := g.Stats().Refs; got != 0 {
		t.Errorf("Expected 0 refs, got %d", got)
	}
}

func TestGuardConcurrentBalance(t *testing.T) {
	eng := enginetest.New(1)
	g := NewGuard(eng, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := g.Acquire(); err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				if !eng.Initialized() {
					t.Error("Expected engine to be initialized while a reference is held")
				}
				if err := g.Release(); err != nil {
					t.Errorf("Release failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	stats := g.Stats()
	if stats.Refs != 0 {
		t.Errorf("Expected 0 refs, got %d", stats.Refs)
	}
	if stats.Inits != stats.Teardowns {
		t.Errorf("Expected inits (%d) to equal teardowns (%d)", stats.Inits, stats.Teardowns)
	}
	if eng.Initialized() {
		t.Error("Expected engine to be torn down")
	}
}

func TestGuardUnsupportedObserver(t *testing.T) {
	eng := enginetest.New(1)
	eng.Unsupported = []pdfrenderer.UnsupportedFeature{pdfrenderer.UnsupportedXFAForm, pdfrenderer.Unsupported3DAnnot}

	var seen []string
	b := New(eng, func(f pdfrenderer.UnsupportedFeature) {
		seen = append(seen, f.String())
	})
	doc, err := b.OpenMemory(enginetest.Document(), "")
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	defer b.CloseDocument(doc)

	if len(seen) != 2 || seen[0] != "XFA" || seen[1] != "3D" {
		t.Errorf("Expected [XFA 3D], got %v", seen)
	}
}
