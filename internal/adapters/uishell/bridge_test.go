package uishell

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeCommands struct {
	mu        sync.Mutex
	session   *domain.Session
	muted     []bool
	ended     int
	events    []string
	eventData []map[string]any
	ratings   []float64
	shareErr  error
}

func (f *fakeCommands) StartSession(context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = &domain.Session{SessionID: "sess-1", RoomName: "support-acme-u1", State: domain.SessionConnected}
	return f.session, nil
}

func (f *fakeCommands) EndSession(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	f.session = nil
}

func (f *fakeCommands) SetMicrophoneMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, muted)
}

func (f *fakeCommands) StartScreenShare(context.Context) error { return f.shareErr }
func (f *fakeCommands) EnableAudio(context.Context) error      { return nil }

func (f *fakeCommands) LogEvent(_ context.Context, event string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.eventData = append(f.eventData, data)
	return nil
}

func (f *fakeCommands) SubmitFeedback(_ context.Context, rating float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings = append(f.ratings, rating)
	return nil
}

func (f *fakeCommands) Session() *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func newShell(t *testing.T, cmds Commands) (*Bridge, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBridge(Options{RequestTimeout: time.Second})
	if cmds != nil {
		b.Attach(cmds)
	}
	srv := httptest.NewServer(b.Router(ctx))
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = ws.Close()
		cancel()
		srv.Close()
	})
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("shell never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return b, ws
}

func call(t *testing.T, ws *websocket.Conn, req Request) Response {
	t.Helper()
	if err := ws.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Response
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestBridgeSessionCommands(t *testing.T) {
	cmds := &fakeCommands{}
	_, ws := newShell(t, cmds)

	resp := call(t, ws, Request{ID: "1", Type: CmdStartSession})
	if resp.ID != "1" || !resp.Success || resp.SessionInfo == nil || resp.SessionInfo.SessionID != "sess-1" {
		t.Fatalf("start = %+v", resp)
	}

	resp = call(t, ws, Request{ID: "2", Type: CmdMuteMicrophone, Muted: true})
	if !resp.Success || resp.SessionInfo == nil {
		t.Fatalf("mute = %+v", resp)
	}

	resp = call(t, ws, Request{ID: "3", Type: CmdLogEvent, Event: "ui_opened", Data: map[string]any{"tab": "help"}})
	if !resp.Success {
		t.Fatalf("log = %+v", resp)
	}

	rating := 4.0
	resp = call(t, ws, Request{ID: "4", Type: CmdSubmitFeedback, Rating: &rating, Comment: "ok"})
	if !resp.Success {
		t.Fatalf("feedback = %+v", resp)
	}

	resp = call(t, ws, Request{ID: "5", Type: CmdEndSession})
	if !resp.Success || resp.SessionInfo != nil {
		t.Fatalf("end = %+v", resp)
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.muted) != 1 || !cmds.muted[0] {
		t.Fatalf("muted = %v", cmds.muted)
	}
	if len(cmds.events) != 1 || cmds.events[0] != "ui_opened" || cmds.eventData[0]["tab"] != "help" {
		t.Fatalf("events = %v %v", cmds.events, cmds.eventData)
	}
	if len(cmds.ratings) != 1 || cmds.ratings[0] != 4 || cmds.ended != 1 {
		t.Fatalf("ratings = %v ended = %d", cmds.ratings, cmds.ended)
	}
}

func TestBridgeCommandErrors(t *testing.T) {
	cmds := &fakeCommands{shareErr: errors.New("no active session")}
	_, ws := newShell(t, cmds)

	cases := []struct {
		req  Request
		want string
	}{
		{Request{ID: "a", Type: CmdStartScreenShare}, "no active session"},
		{Request{ID: "b", Type: CmdSubmitFeedback}, "rating is required"},
		{Request{ID: "c", Type: CmdLogEvent}, "event is required"},
		{Request{ID: "d", Type: "REBOOT"}, ErrUnknownCommand.Error()},
	}
	for _, c := range cases {
		resp := call(t, ws, c.req)
		if resp.ID != c.req.ID || resp.Success || resp.Error != c.want {
			t.Errorf("%s: %+v", c.req.Type, resp)
		}
	}
}

func TestBridgeNotReady(t *testing.T) {
	_, ws := newShell(t, nil)
	resp := call(t, ws, Request{ID: "x", Type: CmdStartSession})
	if resp.Success || resp.Error != ErrNotReady.Error() {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBridgePushesEvents(t *testing.T) {
	b, ws := newShell(t, &fakeCommands{})
	b.Notify(core.Event{Type: core.EventAudioBlocked, Payload: map[string]any{"trackId": "t1"}})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev core.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != core.EventAudioBlocked || ev.Payload["trackId"] != "t1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestBridgeForgetsClosedShells(t *testing.T) {
	b, ws := newShell(t, &fakeCommands{})
	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed shell still registered")
		}
		time.Sleep(time.Millisecond)
	}
	b.Notify(core.Event{Type: core.EventConnectionFailed})
}
