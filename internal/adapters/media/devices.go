// Package media captures the local microphone and screen with mediadevices
// and renders remote audio into Ogg streams.
package media

import (
	"context"
	"errors"
	"image"
	"os"
	"strings"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrCaptureFailed = errors.New("capture failed")
	ErrNoFrames      = errors.New("media: track has no frame reader")
)

var (
	opusCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	vp8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

type Options struct {
	// AudioDevice selects the microphone; empty picks the default one.
	AudioDevice string
	// SystemAudioDevice is a loopback input captured alongside the screen.
	SystemAudioDevice string
	FrameRate         float64
	AudioBitRate      int
	VideoBitRate      int
}

// Devices implements core.MediaDevices on top of pion/mediadevices.
type Devices struct {
	opts   Options
	codecs *mediadevices.CodecSelector
	logger zerolog.Logger
}

var _ core.MediaDevices = (*Devices)(nil)

func NewDevices(opts Options) (*Devices, error) {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 15
	}
	if opts.AudioBitRate <= 0 {
		opts.AudioBitRate = 32_000
	}
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = 1_000_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.BitRate = opts.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	return &Devices{
		opts: opts,
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: log.With().Str("module", "media").Logger(),
	}, nil
}

func (d *Devices) Microphone(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := d.audioInput(d.opts.AudioDevice)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("track", t.ID()).Msg("microphone acquired")
	return t, nil
}

// Display captures the screen. System audio is best effort: a missing
// loopback device leaves audio nil without failing the share.
func (d *Devices) Display(ctx context.Context) (core.LocalTrack, core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(d.opts.FrameRate)
		},
		Codec: d.codecs,
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, &core.MediaError{Kind: core.ErrDeviceNotFound}
	}
	video, err := d.videoTrack(tracks[0])
	if err != nil {
		return nil, nil, &core.MediaError{Kind: ErrCaptureFailed, Err: err}
	}

	var audio core.LocalTrack
	if d.opts.SystemAudioDevice != "" {
		if t, err := d.audioInput(d.opts.SystemAudioDevice); err != nil {
			d.logger.Warn().Err(err).Msg("system audio unavailable")
		} else {
			audio = t
		}
	}
	d.logger.Info().Str("track", video.ID()).Bool("system_audio", audio != nil).Msg("display acquired")
	return video, audio, nil
}

func (d *Devices) audioInput(deviceID string) (*captureTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
		},
		Codec: d.codecs,
	})
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, &core.MediaError{Kind: core.ErrDeviceNotFound}
	}
	src := tracks[0]
	ssrc := newSSRC()
	t, err := newCaptureTrack(src, core.KindAudio, opusCodec, func() (packetReader, error) {
		r, err := src.NewRTPReader(opusCodec.MimeType, ssrc, rtpMTU)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		_ = src.Close()
		return nil, &core.MediaError{Kind: ErrCaptureFailed, Err: err}
	}
	return t, nil
}

func (d *Devices) videoTrack(src mediadevices.Track) (*videoTrack, error) {
	ssrc := newSSRC()
	ct, err := newCaptureTrack(src, core.KindVideo, vp8Codec, func() (packetReader, error) {
		r, err := src.NewRTPReader(vp8Codec.MimeType, ssrc, rtpMTU)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return &videoTrack{
		captureTrack: ct,
		frames: func() frameReader {
			if vt, ok := src.(*mediadevices.VideoTrack); ok {
				return vt.NewReader(false)
			}
			return noFrames{}
		},
	}, nil
}

type noFrames struct{}

func (noFrames) Read() (image.Image, func(), error) { return nil, nil, ErrNoFrames }

// classify maps a capture error onto the core.MediaError kinds.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "denied"),
		strings.Contains(msg, "not allowed"):
		return &core.MediaError{Kind: core.ErrPermissionDenied, Err: err}
	case errors.Is(err, os.ErrNotExist),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "no device"):
		return &core.MediaError{Kind: core.ErrDeviceNotFound, Err: err}
	default:
		return &core.MediaError{Kind: ErrCaptureFailed, Err: err}
	}
}
