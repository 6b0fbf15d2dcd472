package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type notice struct {
	Kind       string            `json:"kind"`
	Clients    int               `json:"clients,omitempty"`
	SubjectIDs map[string]string `json:"subject_ids,omitempty"`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	base := flag.String("url", "http://127.0.0.1:8787", "statusboard base URL")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	key := flag.String("key", "", "API key with write access, if auth is enabled")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	httpBase := strings.TrimRight(*base, "/")
	wsURL := "ws" + strings.TrimPrefix(httpBase, "http") + "/api/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s failed: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ack notice
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		fmt.Fprintf(os.Stderr, "read ack failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<< %s\n", mustJSON(ack))
	if ack.Kind != "connected" || ack.Clients < 1 {
		fmt.Fprintln(os.Stderr, "expected a connected ack counting at least this viewer")
		os.Exit(1)
	}

	projectID := "ws-check-" + uuid.NewString()[:8]
	body, _ := json.Marshal(map[string]string{"id": projectID, "name": "ws check " + projectID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/api/projects", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if k := strings.TrimSpace(*key); k != "" {
		req.Header.Set("Authorization", "Bearer "+k)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create project failed: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Printf(">> POST /api/projects id=%s status=%d\n", projectID, resp.StatusCode)
	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintln(os.Stderr, "expected 201 from project create")
		os.Exit(1)
	}

	// Other writers may be active; skip notices that are not ours.
	for {
		var n notice
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			fmt.Fprintf(os.Stderr, "waiting for project_created: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(n))
		if n.Kind == "project_created" && n.SubjectIDs["project_id"] == projectID {
			break
		}
	}

	fmt.Println("VERDICT PASS")
}
