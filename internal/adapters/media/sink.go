package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/adapters/rtc"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var ErrUnsupportedCodec = errors.New("media: only opus audio can be rendered")

type sinkListener struct {
	ctx context.Context
	fn  func(core.SinkEvent)
}

// OggSink renders a remote Opus track into an Ogg stream. It stays paused
// until Play and drops packets while paused.
type OggSink struct {
	mu        sync.Mutex
	ogg       *oggwriter.OggWriter
	clockRate uint32
	paused    bool
	ended     bool
	firstTS   uint32
	started   bool
	position  time.Duration
	ready     core.ReadyState
	dropped   int
	listeners []sinkListener
}

var (
	_ core.AudioSink   = (*OggSink)(nil)
	_ rtc.PacketWriter = (*OggSink)(nil)
)

func NewOggSink(w io.Writer, clockRate uint32, channels uint16) (*OggSink, error) {
	if clockRate == 0 {
		clockRate = 48000
	}
	ogg, err := oggwriter.NewWith(w, clockRate, channels)
	if err != nil {
		return nil, err
	}
	return &OggSink{ogg: ogg, clockRate: clockRate, paused: true}, nil
}

func (s *OggSink) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.paused = false
	s.mu.Unlock()
	s.fire(core.SinkPlaying)
	return nil
}

func (s *OggSink) Pause() {
	s.mu.Lock()
	wasPlaying := !s.paused
	s.paused = true
	s.mu.Unlock()
	if wasPlaying {
		s.fire(core.SinkPaused)
	}
}

func (s *OggSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *OggSink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *OggSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *OggSink) ReadyState() core.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *OggSink) Listen(ctx context.Context, fn func(core.SinkEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, sinkListener{ctx: ctx, fn: fn})
	s.mu.Unlock()
}

// WriteRTP appends pkt to the stream while playing.
func (s *OggSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	if s.paused {
		s.dropped++
		s.mu.Unlock()
		return nil
	}
	if !s.started {
		s.started = true
		s.firstTS = pkt.Timestamp
	}
	err := s.ogg.WriteRTP(pkt)
	if err == nil {
		ticks := pkt.Timestamp - s.firstTS
		s.position = time.Duration(ticks) * time.Second / time.Duration(s.clockRate)
		s.ready = core.HaveEnoughData
	}
	s.mu.Unlock()
	if err != nil {
		s.fire(core.SinkError)
	}
	return err
}

// End is called when the remote track stops.
func (s *OggSink) End() {
	if s.close() {
		s.fire(core.SinkEnded)
	}
}

func (s *OggSink) ClearSource() {
	s.close()
}

func (s *OggSink) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.paused = true
	s.ready = core.HaveNothing
	_ = s.ogg.Close()
	return true
}

func (s *OggSink) fire(ev core.SinkEvent) {
	s.mu.Lock()
	ls := make([]sinkListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l.ctx.Err() == nil {
			ls = append(ls, l)
		}
	}
	s.listeners = ls
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

// OggSinks returns an rtc.SinkFactory writing one Ogg file per remote
// track into dir. An empty dir renders into io.Discard.
func OggSinks(dir string) rtc.SinkFactory {
	return func(trackID string, codec webrtc.RTPCodecParameters) (core.AudioSink, error) {
		if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
		}
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		var w io.Writer = io.Discard
		if dir != "" {
			name := fmt.Sprintf("%s-%d.ogg", sanitize(trackID), time.Now().UnixMilli())
			f, err := os.Create(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			w = f
		}
		return NewOggSink(w, codec.ClockRate, channels)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
