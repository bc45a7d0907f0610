package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// Guard reference counts the engine. The engine is initialized iff at least
// one reference is held; init and teardown happen inside the same critical
// section as the count update.
type Guard struct {
	engine        pdfrenderer.Engine
	onUnsupported func(pdfrenderer.UnsupportedFeature)

	mu        sync.Mutex
	refs      int
	inits     uint64
	teardowns uint64
}

// NewGuard creates a guard for engine. onUnsupported may be nil; unsupported
// features are always logged.
func NewGuard(engine pdfrenderer.Engine, onUnsupported func(pdfrenderer.UnsupportedFeature)) *Guard {
	return &Guard{engine: engine, onUnsupported: onUnsupported}
}

func (g *Guard) unsupported(feature pdfrenderer.UnsupportedFeature) {
	Logger.Error("Unsupported feature", "feature", feature.String())
	if g.onUnsupported != nil {
		g.onUnsupported(feature)
	}
}

// Acquire takes a reference, initializing the engine on the 0->1 transition.
// A failed init leaves the count untouched.
func (g *Guard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 {
		if err := g.engine.Init(pdfrenderer.Config{OnUnsupported: g.unsupported}); err != nil {
			Logger.Error("PDF engine initialization failed", "error", err)
			return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		}
		g.inits++
		Logger.Info("PDF engine initialized")
	}
	g.refs++
	return nil
}

// Release drops a reference, tearing the engine down on the 1->0
// transition. Releasing with no references held is a no-op.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 {
		return nil
	}
	g.refs--
	if g.refs > 0 {
		return nil
	}

	g.teardowns++
	if err := g.engine.Shutdown(); err != nil {
		Logger.Warn("PDF engine shutdown reported an error", "error", err)
		return fmt.Errorf("engine shutdown: %w", err)
	}
	Logger.Info("PDF engine destroyed")
	return nil
}

// GuardStats is a snapshot of the lifecycle counters
type GuardStats struct {
	Initialized bool   `json:"initialized"`
	Refs        int    `json:"refs"`
	Inits       uint64 `json:"inits"`
	Teardowns   uint64 `json:"teardowns"`
}

func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardStats{
		Initialized: g.refs > 0,
		Refs:        g.refs,
		Inits:       g.inits,
		Teardowns:   g.teardowns,
	}
}

// Initialized reports whether the engine is currently up
func (g *Guard) Initialized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs > 0
}
