package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-idp/pipeline/internal/model"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE reads frames until the body ends.
func readSSE(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func streamEvents(t *testing.T, url string, header http.Header) []sseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return readSSE(t, resp)
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsBadAfter(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/any/events?after=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamEventsLiveRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, quickDef)
	frames := streamEvents(t, ts.URL+"/v1/runs/"+run.ID+"/events", nil)

	if len(frames) < 2 {
		t.Fatalf("got %d frames, want events plus done", len(frames))
	}
	last := frames[len(frames)-1]
	if last.event != "done" {
		t.Errorf("last frame event = %q, want done", last.event)
	}

	events := frames[:len(frames)-1]
	for i, f := range events {
		if f.id != strconv.Itoa(i+1) {
			t.Errorf("frame %d id = %q, want %d", i, f.id, i+1)
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if string(ev.Type) != f.event {
			t.Errorf("frame %d event = %q, payload type %q", i, f.event, ev.Type)
		}
	}
	if events[len(events)-1].event != string(model.EventRunResult) {
		t.Errorf("last event = %q, want run.result", events[len(events)-1].event)
	}
}

func TestStreamEventsResumesFromLastEventID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, quickDef)
	srv.engine.Wait()

	all := streamEvents(t, ts.URL+"/v1/runs/"+run.ID+"/events", nil)
	resumed := streamEvents(t, ts.URL+"/v1/runs/"+run.ID+"/events",
		http.Header{"Last-Event-ID": []string{"2"}})

	if len(resumed) != len(all)-2 {
		t.Fatalf("resumed stream has %d frames, want %d", len(resumed), len(all)-2)
	}
	if resumed[0].id != "3" {
		t.Errorf("first resumed id = %q, want 3", resumed[0].id)
	}

	byQuery := streamEvents(t, ts.URL+"/v1/runs/"+run.ID+"/events?after=2", nil)
	if len(byQuery) != len(resumed) {
		t.Errorf("?after=2 stream has %d frames, want %d", len(byQuery), len(resumed))
	}
}

func TestGetEventHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, quickDef)
	srv.engine.Wait()

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/events/history?after=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body eventHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != run.ID {
		t.Errorf("run_id = %q, want %q", body.RunID, run.ID)
	}
	if len(body.Events) == 0 || body.Events[0].Seq != 2 {
		t.Fatalf("events = %+v, want history starting at seq 2", body.Events)
	}
	if last := body.Events[len(body.Events)-1]; last.Type != model.EventRunResult {
		t.Errorf("last event type = %q, want run.result", last.Type)
	}

	missing, err := http.Get(ts.URL + "/v1/runs/nonexistent/events/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, quickDef)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + run.ID + "/ws?after=1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var events []model.Event
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadJSON: %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	if events[0].Seq != 2 {
		t.Errorf("first seq = %d, want 2", events[0].Seq)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Errorf("seq gap between %d and %d", events[i-1].Seq, events[i].Seq)
		}
	}
	if last := events[len(events)-1]; last.Type != model.EventRunResult {
		t.Errorf("last event type = %q, want run.result", last.Type)
	}
}
