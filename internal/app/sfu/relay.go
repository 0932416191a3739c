package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PacketSource is the read side of a published remote track.
type PacketSource interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
}

// Relay fans the packets of one published track out to its subscribers.
type Relay struct {
	Src      PacketSource
	Codec    webrtc.RTPCodecCapability
	StreamID string

	mu        sync.RWMutex
	outTracks map[core.SessionID]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src PacketSource, codec webrtc.RTPCodecCapability, streamID string, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		Codec:     codec,
		StreamID:  streamID,
		outTracks: make(map[core.SessionID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.detachAll(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done")
			return
		default:
		}
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("relay source ended")
			}
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []core.SessionID
	for dstSID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dstSID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("dst_sid", string(dstSID)).Msg("relay write RTP error, dropping subscriber")
				ot.MarkDelete()
				dirty = append(dirty, dstSID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, logger)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.SessionID, logger *zerolog.Logger) {
	var gone []*OutTrack
	r.mu.Lock()
	for _, sid := range dirty {
		if ot, ok := r.outTracks[sid]; ok && ot.GetState() == TrackStateDelete {
			gone = append(gone, ot)
			delete(r.outTracks, sid)
		}
	}
	r.mu.Unlock()
	for _, ot := range gone {
		if err := ot.detach(); err != nil {
			logger.Debug().Err(err).Msg("remove sender failed")
		}
	}
}

func (r *Relay) detachAll(logger *zerolog.Logger) {
	r.mu.Lock()
	all := r.outTracks
	r.outTracks = make(map[core.SessionID]*OutTrack)
	r.mu.Unlock()
	for _, ot := range all {
		ot.MarkDelete()
		if err := ot.detach(); err != nil {
			logger.Debug().Err(err).Msg("remove sender failed")
		}
	}
}

func (r *Relay) AddOutTrack(dst core.SessionID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[dst]; ok {
		old.MarkDelete()
	}
	r.outTracks[dst] = ot
}

// Subscribers returns the sids currently receiving this relay.
func (r *Relay) Subscribers() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0, len(r.outTracks))
	for sid, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			out = append(out, sid)
		}
	}
	return out
}

// remove detaches dst right away instead of waiting for the next packet.
func (r *Relay) remove(dst core.SessionID) error {
	r.mu.Lock()
	ot, ok := r.outTracks[dst]
	delete(r.outTracks, dst)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ot.MarkDelete()
	return ot.detach()
}

// Done is closed once the relay loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
