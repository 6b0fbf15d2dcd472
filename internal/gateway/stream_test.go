package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/statusboard/internal/gateway"
)

type sseFrame struct {
	Event string
	Data  string
}

// readSSE parses frames from body onto the returned channel until the stream ends.
func readSSE(body *bufio.Scanner) <-chan sseFrame {
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		var cur sseFrame
		for body.Scan() {
			line := body.Text()
			switch {
			case line == "":
				if cur.Event != "" || cur.Data != "" {
					out <- cur
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, "event: "):
				cur.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("event stream closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an SSE frame")
	}
	return sseFrame{}
}

func openEventStream(t *testing.T, env *testEnv) <-chan sseFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	return readSSE(bufio.NewScanner(resp.Body))
}

func TestEventStream_MirrorsChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	frames := openEventStream(t, env)

	if f := nextFrame(t, frames); f.Event != "connected" {
		t.Fatalf("expected connected frame first, got %+v", f)
	}

	env.seed(t, "p1", "f1")

	for _, want := range []string{gateway.KindProjectCreated, gateway.KindFeatureCreated} {
		f := nextFrame(t, frames)
		if f.Event != want {
			t.Fatalf("expected %s, got %+v", want, f)
		}
		var payload struct {
			Kind       string            `json:"kind"`
			SubjectIDs map[string]string `json:"subject_ids"`
		}
		if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
			t.Fatalf("decode data %q: %v", f.Data, err)
		}
		if payload.Kind != want || payload.SubjectIDs["project_id"] != "p1" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	}
}

func TestEventStream_UnsubscribesOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	frames := readSSE(bufio.NewScanner(resp.Body))
	nextFrame(t, frames)

	if n := env.bus.SubscriberCount(); n != 1 {
		t.Fatalf("expected one bus subscriber, got %d", n)
	}
	cancel()
	_ = resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released, count %d", env.bus.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventStream_NoBus(t *testing.T) {
	env := newTestEnv(t, func(cfg *gateway.Config) {
		cfg.Bus = nil
	})

	status, out := env.do(t, http.MethodGet, "/api/events", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%v)", status, out)
	}
}
