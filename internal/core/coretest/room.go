// Package coretest provides in-memory fakes of the media engine surface.
package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/Helpline/internal/core"
)

type DataPacket struct {
	Payload []byte
	Opts    core.DataOptions
}

// Room is a scriptable core.Room. Emit delivers events synchronously.
type Room struct {
	mu          sync.Mutex
	state       core.RoomState
	handlers    map[int]func(core.RoomEvent)
	nextHandler int
	canPlayback bool

	ConnectErr     error
	StartAudioErr  error
	PublishErr     error
	ReconnectErr   error
	ConnectHook    func(ctx context.Context)
	ConnectCalls   int
	ConnectURL     string
	ConnectToken   string
	Disconnects    int
	StopTracksOnDC bool
	ReconnectCalls int
	StartAudioCall int
	Published      []core.LocalTrack
	Unpublished    []core.LocalTrack
	Data           []DataPacket
	DataErr        error
	RemovedAll     int
}

func NewRoom() *Room {
	return &Room{handlers: make(map[int]func(core.RoomEvent))}
}

func (r *Room) Connect(ctx context.Context, url, token string) error {
	r.mu.Lock()
	r.ConnectCalls++
	r.ConnectURL, r.ConnectToken = url, token
	hook, err := r.ConnectHook, r.ConnectErr
	r.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return err
	}
	r.SetState(core.RoomConnected)
	return nil
}

func (r *Room) Disconnect(_ context.Context, stopTracks bool) error {
	r.mu.Lock()
	r.Disconnects++
	r.StopTracksOnDC = stopTracks
	r.state = core.RoomDisconnected
	r.mu.Unlock()
	return nil
}

func (r *Room) State() core.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState changes the state without emitting.
func (r *Room) SetState(s core.RoomState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Room) On(h func(core.RoomEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextHandler
	r.nextHandler++
	r.handlers[id] = h
	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

func (r *Room) RemoveAllListeners() {
	r.mu.Lock()
	r.handlers = make(map[int]func(core.RoomEvent))
	r.RemovedAll++
	r.mu.Unlock()
}

func (r *Room) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Emit calls every handler in registration order.
func (r *Room) Emit(ev core.RoomEvent) {
	r.mu.Lock()
	hs := make([]func(core.RoomEvent), 0, len(r.handlers))
	for i := 0; i < r.nextHandler; i++ {
		if h, ok := r.handlers[i]; ok {
			hs = append(hs, h)
		}
	}
	r.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (r *Room) CanPlaybackAudio() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canPlayback
}

func (r *Room) SetCanPlayback(v bool) {
	r.mu.Lock()
	r.canPlayback = v
	r.mu.Unlock()
}

func (r *Room) StartAudio(context.Context) error {
	r.mu.Lock()
	r.StartAudioCall++
	err := r.StartAudioErr
	if err == nil {
		r.canPlayback = true
	}
	r.mu.Unlock()
	return err
}

func (r *Room) LocalParticipant() core.Participant {
	return core.Participant{Identity: "local", SID: "PA_local"}
}

func (r *Room) PublishTrack(_ context.Context, t core.LocalTrack, opts core.PublishOptions) (core.TrackPublication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PublishErr != nil {
		return core.TrackPublication{}, r.PublishErr
	}
	r.Published = append(r.Published, t)
	return core.TrackPublication{SID: "TR_" + t.ID(), Name: opts.Name, Kind: t.Kind(), Source: opts.Source}, nil
}

func (r *Room) UnpublishTrack(_ context.Context, t core.LocalTrack, stop bool) error {
	r.mu.Lock()
	r.Unpublished = append(r.Unpublished, t)
	r.mu.Unlock()
	if stop {
		return t.Stop()
	}
	return nil
}

func (r *Room) PublishData(_ context.Context, payload []byte, opts core.DataOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DataErr != nil {
		return r.DataErr
	}
	r.Data = append(r.Data, DataPacket{Payload: append([]byte(nil), payload...), Opts: opts})
	return nil
}

func (r *Room) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ReconnectCalls++
	return r.ReconnectErr
}

func (r *Room) Snapshot() (published, unpublished int, data []DataPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Published), len(r.Unpublished), append([]DataPacket(nil), r.Data...)
}

// Engine hands out pre-built rooms, or fresh ones when the queue is empty.
type Engine struct {
	mu    sync.Mutex
	Rooms []*Room
	Made  []*Room
}

func (e *Engine) NewRoom() core.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	var r *Room
	if len(e.Rooms) > 0 {
		r, e.Rooms = e.Rooms[0], e.Rooms[1:]
	} else {
		r = NewRoom()
	}
	e.Made = append(e.Made, r)
	return r
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Made)
}

// Room returns the i-th room handed out.
func (e *Engine) Room(i int) *Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Made[i]
}
