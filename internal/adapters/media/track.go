package media

import (
	"context"
	"errors"
	"image"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

const rtpMTU = 1200

var ErrTrackStopped = errors.New("media: track stopped")

// source is the part of a mediadevices track the capture pipeline needs.
type source interface {
	ID() string
	Close() error
	OnEnded(func(error))
}

type packetReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

type frameReader interface {
	Read() (image.Image, func(), error)
}

// captureTrack pumps encoded RTP from a device track into a static local
// track that can be published. Muting drops packets at the pump.
type captureTrack struct {
	src    source
	local  *webrtc.TrackLocalStaticRTP
	kind   core.TrackKind
	open   func() (packetReader, error)
	logger zerolog.Logger

	muted   atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	onEnded []func(error)
	ended   bool
}

var (
	_ core.LocalTrack   = (*captureTrack)(nil)
	_ core.LocalTrack   = (*videoTrack)(nil)
	_ core.FrameGrabber = (*videoTrack)(nil)
)

func newCaptureTrack(src source, kind core.TrackKind, codec webrtc.RTPCodecCapability, open func() (packetReader, error)) (*captureTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, src.ID(), "helpline")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &captureTrack{
		src:    src,
		local:  local,
		kind:   kind,
		open:   open,
		logger: log.With().Str("module", "media").Str("track", src.ID()).Str("kind", string(kind)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	src.OnEnded(t.end)
	go t.pump()
	return t, nil
}

func (t *captureTrack) ID() string { return t.src.ID() }
func (t *captureTrack) Kind() core.TrackKind { return t.kind }
func (t *captureTrack) TrackLocal() webrtc.TrackLocal { return t.local }
func (t *captureTrack) SetMuted(muted bool) { t.muted.Store(muted) }
func (t *captureTrack) Muted() bool { return t.muted.Load() }

// Stop releases the device. OnEnded callbacks do not fire for it.
func (t *captureTrack) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	return t.src.Close()
}

func (t *captureTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// end fires OnEnded once when the device goes away on its own.
func (t *captureTrack) end(err error) {
	if t.stopped.Load() {
		return
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := append([]func(error){}, t.onEnded...)
	t.mu.Unlock()

	t.cancel()
	t.logger.Info().Err(err).Msg("capture track ended")
	for _, fn := range fns {
		fn(err)
	}
}

func (t *captureTrack) pump() {
	r, err := t.open()
	if err != nil {
		t.end(err)
		return
	}
	defer r.Close()
	go func() {
		<-t.ctx.Done()
		_ = r.Close()
	}()

	for {
		pkts, release, err := r.Read()
		if err != nil {
			if t.ctx.Err() == nil {
				t.end(err)
			}
			return
		}
		if !t.muted.Load() {
			for _, p := range pkts {
				if err := t.local.WriteRTP(p); err != nil {
					t.logger.Debug().Err(err).Msg("write rtp")
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

// videoTrack adds raw frame access for the screen sampler.
type videoTrack struct {
	*captureTrack
	frames func() frameReader

	once   sync.Once
	reader frameReader
}

func newSSRC() uint32 { return rand.Uint32() }

// GrabFrame returns a copy of the next decoded frame.
func (v *videoTrack) GrabFrame(ctx context.Context) (image.Image, error) {
	if v.stopped.Load() {
		return nil, ErrTrackStopped
	}
	v.once.Do(func() { v.reader = v.frames() })

	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, release, err := v.reader.Read()
		if err != nil {
			ch <- result{err: err}
			return
		}
		// the driver reuses its buffer after release
		b := img.Bounds()
		cp := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(cp, cp.Bounds(), img, b.Min, draw.Src)
		if release != nil {
			release()
		}
		ch <- result{img: cp}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.img, r.err
	}
}
