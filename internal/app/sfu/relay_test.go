package sfu

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/dkeye/Helpline/internal/core/coretest"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type chanSource struct {
	id   string
	pkts chan *rtp.Packet
}

func newChanSource(id string) *chanSource {
	return &chanSource{id: id, pkts: make(chan *rtp.Packet, 8)}
}

func (s *chanSource) ID() string { return s.id }

func (s *chanSource) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-s.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribeAddsTrackAndUnsubscribeRemovesSender(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource("mic")
	relay := m.StartRelay(context.Background(), "pub", src, opus, "alice")
	dst := coretest.NewMediaConn()

	if err := m.Subscribe("pub", "mic", "sub", dst); err != nil {
		t.Fatal(err)
	}
	if added, _, _ := dst.Counts(); added != 1 {
		t.Fatalf("added = %d", added)
	}
	if dst.Added[0].StreamID() != "alice" || dst.Added[0].ID() != "mic" {
		t.Fatalf("local track %s/%s", dst.Added[0].StreamID(), dst.Added[0].ID())
	}
	if subs := relay.Subscribers(); len(subs) != 1 || subs[0] != "sub" {
		t.Fatalf("subscribers = %v", subs)
	}

	src.pkts <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1}}

	m.Unsubscribe("pub", "sub")
	if _, removed, _ := dst.Counts(); removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
	if len(relay.Subscribers()) != 0 {
		t.Fatal("subscriber still attached")
	}
	close(src.pkts)
	<-relay.Done()
}

func TestSubscribeUnknownTrack(t *testing.T) {
	m := NewRelayManager()
	if err := m.Subscribe("nobody", "mic", "sub", coretest.NewMediaConn()); err != ErrNoRelay {
		t.Fatalf("err = %v", err)
	}
}

func TestSourceEndDetachesSubscribersAndForgetsRelay(t *testing.T) {
	m := NewRelayManager()
	mic, screen := newChanSource("mic"), newChanSource("screen")
	r1 := m.StartRelay(context.Background(), "pub", mic, opus, "alice")
	m.StartRelay(context.Background(), "pub", screen, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "alice")

	a, b := coretest.NewMediaConn(), coretest.NewMediaConn()
	m.SubscribeAll("pub", "a", a)
	m.SubscribeAll("pub", "b", b)
	if added, _, _ := a.Counts(); added != 2 {
		t.Fatalf("a added = %d", added)
	}

	close(mic.pkts)
	<-r1.Done()
	waitUntil(t, "relay forgotten", func() bool { return len(m.TrackIDs("pub")) == 1 })
	for name, c := range map[string]*coretest.MediaConn{"a": a, "b": b} {
		if _, removed, _ := c.Counts(); removed != 1 {
			t.Fatalf("%s removed = %d", name, removed)
		}
	}
	if !m.HasRelay("pub") {
		t.Fatal("screen relay should remain")
	}
	m.StopRelays("pub")
	if m.HasRelay("pub") {
		t.Fatal("relays not stopped")
	}
	close(screen.pkts)
}

func TestReplacingRelayCancelsOld(t *testing.T) {
	m := NewRelayManager()
	first, second := newChanSource("mic"), newChanSource("mic")
	r1 := m.StartRelay(context.Background(), "pub", first, opus, "alice")
	m.StartRelay(context.Background(), "pub", second, opus, "alice")

	// the old loop notices cancellation on its next read
	first.pkts <- &rtp.Packet{}
	<-r1.Done()
	if ids := m.TrackIDs("pub"); len(ids) != 1 {
		t.Fatalf("track ids = %v", ids)
	}
	close(second.pkts)
}
