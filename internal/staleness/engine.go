package staleness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	sbotel "github.com/basket/statusboard/internal/otel"
)

// Source yields a feature's append-only streams. The persistence store implements it.
type Source interface {
	TestLogs(ctx context.Context, featureID string) ([]TestLogEntry, error)
	FileChanges(ctx context.Context, featureID string) ([]FileChangeEntry, error)
	// StreamLengths returns the number of test logs and file changes recorded
	// for the feature. It must be cheaper than loading either stream.
	StreamLengths(ctx context.Context, featureID string) (tests, changes int64, err error)
}

// Options configures an Engine.
type Options struct {
	// Memoize caches derived state per feature keyed by stream lengths.
	Memoize bool
	Metrics *sbotel.Metrics
	Logger  *slog.Logger
}

type memoEntry struct {
	tests   int64
	changes int64
	state   State
}

// Engine derives State on read from a Source.
type Engine struct {
	src     Source
	memoize bool
	metrics *sbotel.Metrics
	logger  *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	memo map[string]memoEntry
}

func NewEngine(src Source, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		src:     src,
		memoize: opts.Memoize,
		metrics: opts.Metrics,
		logger:  logger,
		memo:    make(map[string]memoEntry),
	}
}

// Derive returns the current State of a feature. A memoized value is served
// only while both stream lengths match the ones it was computed from.
// Concurrent loads are shared only between callers that observed the same
// stream lengths, so a caller that starts after an append never receives a
// load that began before it.
func (e *Engine) Derive(ctx context.Context, featureID string) (State, error) {
	tests, changes, err := e.src.StreamLengths(ctx, featureID)
	if err != nil {
		return State{}, fmt.Errorf("stream lengths %s: %w", featureID, err)
	}
	if e.memoize {
		e.mu.Lock()
		m, ok := e.memo[featureID]
		e.mu.Unlock()
		if ok && m.tests == tests && m.changes == changes {
			if e.metrics != nil {
				e.metrics.DerivationMemoHit.Add(ctx, 1)
			}
			return m.state, nil
		}
	}

	key := fmt.Sprintf("%s/%d/%d", featureID, tests, changes)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.load(ctx, featureID)
	})
	if err != nil {
		return State{}, err
	}
	return v.(State), nil
}

func (e *Engine) load(ctx context.Context, featureID string) (State, error) {
	tests, err := e.src.TestLogs(ctx, featureID)
	if err != nil {
		return State{}, fmt.Errorf("load test logs %s: %w", featureID, err)
	}
	changes, err := e.src.FileChanges(ctx, featureID)
	if err != nil {
		return State{}, fmt.Errorf("load file changes %s: %w", featureID, err)
	}
	st := Derive(tests, changes)

	if e.metrics != nil {
		e.metrics.Derivations.Add(ctx, 1)
	}
	if e.memoize {
		// Keyed by what was actually reduced, so rows appended mid-load
		// invalidate on the next read instead of being masked.
		e.mu.Lock()
		e.memo[featureID] = memoEntry{
			tests:   int64(len(tests)),
			changes: int64(len(changes)),
			state:   st,
		}
		e.mu.Unlock()
	}
	e.logger.Debug("derived feature state",
		"feature_id", featureID,
		"tests", len(tests),
		"changes", len(changes),
		"is_stale", bool(st.IsStale),
	)
	return st, nil
}

// DeriveMany derives every listed feature. The first error aborts the batch.
func (e *Engine) DeriveMany(ctx context.Context, featureIDs []string) (map[string]State, error) {
	out := make(map[string]State, len(featureIDs))
	for _, id := range featureIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := e.Derive(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// Forget drops a feature's memo entry.
func (e *Engine) Forget(featureID string) {
	e.mu.Lock()
	delete(e.memo, featureID)
	e.mu.Unlock()
}

// Observe compares two derivations of a feature, records any transition, and
// returns its name.
func (e *Engine) Observe(ctx context.Context, featureID string, before, after State) string {
	tr := Transition(before, after)
	if tr == "" {
		return ""
	}
	if e.metrics != nil {
		e.metrics.StaleTransitions.Add(ctx, 1,
			metric.WithAttributes(sbotel.AttrTransition.String(tr)))
	}
	e.logger.Debug("staleness transition observed", "feature_id", featureID, "transition", tr)
	return tr
}
