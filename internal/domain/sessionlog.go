package domain

import "time"

// FrameSummary is the stored description of the last screen frame.
type FrameSummary struct {
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	ApproxBytes  int      `json:"approxBytes"`
	AverageColor *Color   `json:"averageColor,omitempty"`
	Variance     *float64 `json:"variance,omitempty"`
	Source       string   `json:"source"`
}

type ScreenShare struct {
	Active           bool          `json:"active"`
	FramesReceived   int           `json:"framesReceived"`
	LastFrameAt      *time.Time    `json:"lastFrameAt,omitempty"`
	LastFrameDigest  string        `json:"lastFrameDigest,omitempty"`
	LastFrameSummary *FrameSummary `json:"lastFrameSummary,omitempty"`
	LastFrame        string        `json:"lastFrame,omitempty"`
	InactiveAt       *time.Time    `json:"inactiveAt,omitempty"`
}

type Feedback struct {
	Rating      float64   `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedBy string    `json:"submittedBy,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SessionRecord is the backend's log entry for one support session.
type SessionRecord struct {
	SessionID   string         `json:"sessionId"`
	RoomName    RoomName       `json:"roomName,omitempty"`
	UserID      UserID         `json:"userId,omitempty"`
	UserEmail   string         `json:"userEmail,omitempty"`
	Org         string         `json:"org,omitempty"`
	Status      string         `json:"status,omitempty"`
	LastEvent   string         `json:"lastEvent,omitempty"`
	LastEventAt *time.Time     `json:"lastEventAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ScreenShare *ScreenShare   `json:"screenShare,omitempty"`
	Feedback    []Feedback     `json:"feedback,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
