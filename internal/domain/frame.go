package domain

import "time"

type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// CaptureFrame is one encoded screen sample. It lives for a single tick.
type CaptureFrame struct {
	Width        int
	Height       int
	ByteLength   int
	Digest       string
	AverageColor Color
	Variance     float64
	Base64       string
	CapturedAt   time.Time
}

// ScreenFrameUpload is the body of a screen-frame POST.
type ScreenFrameUpload struct {
	ImageBase64  string    `json:"imageBase64"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	CapturedAt   time.Time `json:"capturedAt"`
	AverageColor *Color    `json:"averageColor,omitempty"`
	Variance     *float64  `json:"variance,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// ScreenFrameMessage is broadcast on the lossy data channel. No image bytes.
type ScreenFrameMessage struct {
	Type         string  `json:"type"`
	SessionID    string  `json:"sessionId"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	AverageColor Color   `json:"averageColor"`
	Variance     float64 `json:"variance"`
	Digest       string  `json:"digest"`
	CapturedAt   int64   `json:"capturedAt"`
}
