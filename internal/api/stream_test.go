package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jpoore/twotruths/internal/broadcast"
	"github.com/jpoore/twotruths/internal/identity"
)

// readEvents consumes the SSE stream and forwards decoded data messages.
func readEvents(t *testing.T, body *bufio.Scanner, out chan<- broadcast.Event) {
	t.Helper()
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev broadcast.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Errorf("Failed to decode stream event %q: %v", line, err)
			return
		}
		out <- ev
	}
}

func TestHandleStream(t *testing.T) {
	r, _ := testApp(&stubGenerator{round: testRound("space")})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/game_stream", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: identity.SessionCookieName, Value: testSessionID})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	events := make(chan broadcast.Event, 4)
	go readEvents(t, bufio.NewScanner(resp.Body), events)

	waitFor := func(want string) broadcast.Event {
		select {
		case ev := <-events:
			if ev.Type != want {
				t.Fatalf("Expected %s event, got %+v", want, ev)
			}
			return ev
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for %s event", want)
			return broadcast.Event{}
		}
	}

	waitFor(broadcast.EventConnected)

	// A fresh session has no stored round, so connecting starts a generation.
	ev := waitFor(broadcast.EventNewRound)
	if ev.Payload == nil || ev.Payload.Topic != "space" {
		t.Errorf("Expected generated round in payload, got %+v", ev.Payload)
	}
}

func TestHandleTrigger(t *testing.T) {
	gen := &stubGenerator{round: testRound("space"), gate: make(chan struct{})}
	r, _ := testApp(gen)

	w := doRequest(r, http.MethodGet, "/api/trigger_new_round", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for accepted trigger, got %d", w.Code)
	}

	// While the generation is in flight, further triggers fold into it.
	w = doRequest(r, http.MethodGet, "/api/trigger_new_round", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 while generation is in flight, got %d", w.Code)
	}

	close(gen.gate)
}

func TestIdentityMiddleware_IssuesCookie(t *testing.T) {
	r, _ := testApp(&stubGenerator{round: testRound("space")})

	// No cookie on the request: the middleware issues one.
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var issued string
	for _, c := range w.Result().Cookies() {
		if c.Name == identity.SessionCookieName {
			issued = c.Value
		}
	}
	if !strings.HasPrefix(issued, "sess_") {
		t.Errorf("Expected a generated session cookie, got %q", issued)
	}

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["session_id"] != issued {
		t.Errorf("Expected response scoped to the issued session, got %v", got["session_id"])
	}
}
