// Package room fans change notifications out to every live dashboard viewer.
//
// Delivery is best effort: each Broadcast makes one attempt per member, and a
// member whose send fails is removed and closed. The registry is owned by the
// Room; nothing outside this package can iterate or mutate it.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	sbotel "github.com/basket/statusboard/internal/otel"
	"github.com/basket/statusboard/internal/shared"
)

const (
	DefaultName        = "main"
	DefaultSendTimeout = 5 * time.Second

	// KindConnected is the kind of the join acknowledgment.
	KindConnected = "connected"
)

// ChangeEvent tells viewers that something changed and what to re-fetch.
// It carries identifiers only, never the changed data.
type ChangeEvent struct {
	Kind       string            `json:"kind"`
	SubjectIDs map[string]string `json:"subject_ids,omitempty"`
}

// Ack is sent to a connection, and only that connection, when it joins.
type Ack struct {
	Kind    string `json:"kind"`
	Clients int    `json:"clients"`
}

type Options struct {
	Name        string
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *sbotel.Metrics
	Tracer      trace.Tracer
}

type Room struct {
	name        string
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *sbotel.Metrics
	tracer      trace.Tracer

	mu      sync.Mutex
	members map[Conn]struct{}
	closed  bool
}

func New(opts Options) *Room {
	r := &Room{
		name:        opts.Name,
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		members:     make(map[Conn]struct{}),
	}
	if r.name == "" {
		r.name = DefaultName
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = DefaultSendTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("statusboard/room")
	}
	return r
}

func (r *Room) Name() string { return r.name }

// Count returns the current membership size.
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Join registers conn and acknowledges it with the new member count. If the
// acknowledgment cannot be written the connection is pruned. Joining a closed
// room closes conn.
func (r *Room) Join(ctx context.Context, conn Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close("room closed")
		return
	}
	r.members[conn] = struct{}{}
	n := len(r.members)
	r.mu.Unlock()

	r.addMembers(ctx, 1)
	r.logger.Info("room: member joined", append(shared.LogAttrs(ctx), "room", r.name, "clients", n)...)

	msg, _ := json.Marshal(Ack{Kind: KindConnected, Clients: n})
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()
	if err := conn.Write(sendCtx, msg); err != nil {
		r.logger.Warn("room: acknowledgment failed, pruning", "room", r.name, "error", err)
		r.prune(ctx, conn, "ack failed")
	}
}

// Leave removes conn. Removing a connection that is not a member is a no-op.
func (r *Room) Leave(ctx context.Context, conn Conn) {
	if r.remove(conn) {
		r.addMembers(ctx, -1)
		r.logger.Info("room: member left", "room", r.name, "clients", r.Count())
	}
}

// Broadcast delivers ev to every member concurrently, each send bounded by the
// room's send timeout. Failed members are removed and closed. Cancelling ctx
// does not abort in-flight sends.
func (r *Room) Broadcast(ctx context.Context, ev ChangeEvent) {
	ctx, span := sbotel.StartSpan(ctx, r.tracer, "room.broadcast",
		sbotel.AttrRoom.String(r.name),
		sbotel.AttrEventKind.String(ev.Kind),
	)
	defer span.End()

	msg, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("room: marshal event", "kind", ev.Kind, "error", err)
		return
	}

	members := r.snapshot()
	start := time.Now()
	sendCtx := context.WithoutCancel(ctx)

	var (
		g        errgroup.Group
		failedMu sync.Mutex
		failed   []Conn
	)
	for _, c := range members {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(sendCtx, r.sendTimeout)
			defer cancel()
			if err := c.Write(cctx, msg); err != nil {
				r.logger.Debug("room: send failed", "room", r.name, "kind", ev.Kind, "error", err)
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range failed {
		r.prune(ctx, c, "send failed")
	}

	if r.metrics != nil {
		kind := metric.WithAttributes(sbotel.AttrEventKind.String(ev.Kind))
		r.metrics.Broadcasts.Add(ctx, 1, kind)
		r.metrics.BroadcastDuration.Record(ctx, time.Since(start).Seconds(), kind)
		if len(failed) > 0 {
			r.metrics.DeliveryFailures.Add(ctx, int64(len(failed)), kind)
		}
	}
	r.logger.Info("room: broadcast",
		append(shared.LogAttrs(ctx),
			"room", r.name,
			"kind", ev.Kind,
			"delivered", len(members)-len(failed),
			"pruned", len(failed),
		)...)
}

// Sweep pings every member that supports it and prunes those that fail.
func (r *Room) Sweep(ctx context.Context) int {
	members := r.snapshot()
	var (
		g        errgroup.Group
		failedMu sync.Mutex
		failed   []Conn
	)
	for _, c := range members {
		p, ok := c.(Pinger)
		if !ok {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := p.Ping(pctx); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range failed {
		r.prune(ctx, c, "keepalive failed")
	}
	if len(failed) > 0 {
		r.logger.Info("room: keepalive pruned members", "room", r.name, "pruned", len(failed), "clients", r.Count())
	}
	return len(failed)
}

// Close drops and closes every member. Later joins are refused.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	members := make([]Conn, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	r.members = make(map[Conn]struct{})
	r.mu.Unlock()

	r.addMembers(context.Background(), -int64(len(members)))
	var wg sync.WaitGroup
	for _, c := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close("server shutting down")
		}()
	}
	wg.Wait()
	r.logger.Info("room: closed", "room", r.name, "members_closed", len(members))
}

func (r *Room) snapshot() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *Room) remove(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn]; !ok {
		return false
	}
	delete(r.members, conn)
	return true
}

// prune removes conn and closes it in the background so a dead peer never
// holds up the caller.
func (r *Room) prune(ctx context.Context, conn Conn, reason string) {
	if !r.remove(conn) {
		return
	}
	r.addMembers(ctx, -1)
	go func() { _ = conn.Close(reason) }()
}

func (r *Room) addMembers(ctx context.Context, n int64) {
	if r.metrics != nil && n != 0 {
		r.metrics.RoomMembers.Add(ctx, n, metric.WithAttributes(sbotel.AttrRoom.String(r.name)))
	}
}
