// Package image guarantees the sandbox image exists before sessions start.
//
// The Gate collapses concurrent readiness checks and builds into a single
// in-flight operation shared by every waiting session. Build progress is
// fanned out to every waiter that asked for it.
package image

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/obot-platform/labterm/internal/metrics"
)

// Builder checks for and builds the sandbox image.
type Builder interface {
	ImageExists(ctx context.Context) (bool, error)
	BuildImage(ctx context.Context, progress func(string)) error
}

// State represents the readiness of the sandbox image.
type State int

const (
	StateUnknown State = iota
	StateBuilding
	StateReady
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// MarshalText renders the state by name in JSON status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateUnknown; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown image state %q", text)
}

// Status is a snapshot of the gate.
type Status struct {
	Image     string    `json:"image"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Builds    int       `json:"builds"`
	Stale     bool      `json:"stale,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Gate is the process-wide image readiness gate.
type Gate struct {
	builder Builder
	image   string
	logger  *zap.Logger

	// StreamBuildOutput forwards daemon build output lines to waiters in
	// addition to the gate's own banners.
	StreamBuildOutput bool

	group singleflight.Group

	stateMu   sync.RWMutex
	state     State
	lastErr   error
	builds    int
	stale     bool
	updatedAt time.Time

	subMu   sync.Mutex
	subs    map[int]func(string)
	nextSub int
}

// NewGate creates a gate for image, checked and built through builder.
func NewGate(builder Builder, image string, logger *zap.Logger) *Gate {
	return &Gate{
		builder:           builder,
		image:             image,
		logger:            logger.Named("image"),
		StreamBuildOutput: true,
		subs:              make(map[int]func(string)),
		updatedAt:         time.Now(),
	}
}

// EnsureReady returns nil once the image exists, building it if needed.
// Concurrent callers share one check and at most one build. If ctx ends
// first the caller stops waiting but the shared build carries on.
// progress, if non-nil, receives informational lines until return.
func (g *Gate) EnsureReady(ctx context.Context, progress func(string)) error {
	if g.currentState() == StateReady {
		if progress != nil {
			progress(fmt.Sprintf("Image %q found locally.", g.image))
		}
		return nil
	}

	if progress != nil {
		unsubscribe := g.subscribe(progress)
		defer unsubscribe()
	}

	ch := g.group.DoChan("ensure", func() (any, error) {
		return nil, g.ensure(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensure runs under the singleflight key; only one runs at a time.
func (g *Gate) ensure(ctx context.Context) error {
	rebuild := g.takeStale()
	if !rebuild && g.currentState() == StateReady {
		return nil
	}

	if rebuild {
		g.logger.Info("sandbox build context changed, rebuilding", zap.String("image", g.image))
		g.broadcast(fmt.Sprintf("Build context for %q changed. Rebuilding...", g.image))
	} else {
		exists, err := g.builder.ImageExists(ctx)
		if err != nil {
			err = fmt.Errorf("failed to check for image %s: %w", g.image, err)
			g.updateState(StateFailed, err)
			return err
		}
		if exists {
			g.broadcast(fmt.Sprintf("Image %q found locally.", g.image))
			g.updateState(StateReady, nil)
			return nil
		}

		g.logger.Info("sandbox image missing, building", zap.String("image", g.image))
		g.broadcast(fmt.Sprintf("Image %q not found. Attempting to build...", g.image))
	}
	g.broadcast("This may take a few moments.")
	g.updateState(StateBuilding, nil)

	start := time.Now()
	var onLine func(string)
	if g.StreamBuildOutput {
		onLine = func(line string) { g.broadcast("[Build] " + line) }
	}
	if err := g.builder.BuildImage(ctx, onLine); err != nil {
		metrics.ImageBuildsTotal.WithLabelValues("failure").Inc()
		err = fmt.Errorf("failed to build image %s: %w", g.image, err)
		g.logger.Error("sandbox image build failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		g.stateMu.Lock()
		g.stale = g.stale || rebuild
		g.stateMu.Unlock()
		g.updateState(StateFailed, err)
		return err
	}

	metrics.ImageBuildsTotal.WithLabelValues("success").Inc()
	g.logger.Info("sandbox image built", zap.String("image", g.image), zap.Duration("elapsed", time.Since(start)))
	g.broadcast(fmt.Sprintf("Image %q built successfully.", g.image))
	g.updateState(StateReady, nil)
	return nil
}

// Invalidate forgets a ready image so the next caller checks again. The
// session layer calls it when sandbox creation reports the image missing.
func (g *Gate) Invalidate() {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.state == StateBuilding {
		return
	}
	g.state = StateUnknown
	g.lastErr = nil
	g.updatedAt = time.Now()
}

// MarkStale forces the next caller to rebuild the image even though it
// exists. A change that lands during a build triggers another build.
func (g *Gate) MarkStale() {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.stale = true
	if g.state != StateBuilding {
		g.state = StateUnknown
		g.lastErr = nil
		g.updatedAt = time.Now()
	}
}

func (g *Gate) takeStale() bool {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	stale := g.stale
	g.stale = false
	return stale
}

// Warm checks for the image in the background so the first session does
// not pay for the build. Failure is logged only.
func (g *Gate) Warm(ctx context.Context) {
	go func() {
		if err := g.EnsureReady(ctx, nil); err != nil {
			g.logger.Warn("initial image check failed; sessions will retry", zap.Error(err))
		}
	}()
}

// Status returns a snapshot of the gate.
func (g *Gate) Status() Status {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()

	st := Status{
		Image:     g.image,
		State:     g.state,
		Builds:    g.builds,
		Stale:     g.stale,
		UpdatedAt: g.updatedAt,
	}
	if g.lastErr != nil {
		st.Error = g.lastErr.Error()
	}
	return st
}

func (g *Gate) currentState() State {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

func (g *Gate) updateState(state State, err error) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if state == StateBuilding {
		g.builds++
	}
	if state == StateReady && g.stale {
		state = StateUnknown
	}
	g.state = state
	g.lastErr = err
	g.updatedAt = time.Now()
}

func (g *Gate) subscribe(fn func(string)) func() {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	return func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		delete(g.subs, id)
	}
}

func (g *Gate) broadcast(line string) {
	g.subMu.Lock()
	fns := make([]func(string), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.Unlock()

	for _, fn := range fns {
		fn(line)
	}
}
