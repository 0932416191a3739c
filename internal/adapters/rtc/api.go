// Package rtc wraps pion peer connections for both the SFU server and the
// client room.
package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	LabelScreenShare = "screen-share"
	LabelEvents      = "events"
)

// NewAPI builds a pion API with the default codecs and logs routed through factory.
func NewAPI(factory logging.LoggerFactory) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}
	s := webrtc.SettingEngine{}
	if factory != nil {
		s.LoggerFactory = factory
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

func Config(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// QualityFromRTT buckets a round-trip time.
func QualityFromRTT(rtt time.Duration) core.ConnectionQuality {
	switch {
	case rtt < 100*time.Millisecond:
		return core.QualityExcellent
	case rtt < 300*time.Millisecond:
		return core.QualityGood
	default:
		return core.QualityPoor
	}
}

// QualityFromLevel parses the level string pushed by the server.
func QualityFromLevel(s string) core.ConnectionQuality {
	switch s {
	case "excellent":
		return core.QualityExcellent
	case "good":
		return core.QualityGood
	case "poor":
		return core.QualityPoor
	case "lost":
		return core.QualityLost
	default:
		return core.QualityUnknown
	}
}

// roundTrip reads the current RTT of the nominated candidate pair.
func roundTrip(pc *webrtc.PeerConnection) (time.Duration, bool) {
	for _, s := range pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
		}
	}
	return 0, false
}
