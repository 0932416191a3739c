package domain

import "time"

// Session is the client's view of one active support session.
type Session struct {
	SessionID string       `json:"sessionId"`
	RoomName  RoomName     `json:"roomName"`
	StartedAt time.Time    `json:"startedAt"`
	State     SessionState `json:"state"`
}

// RoomCredential is what the token issuer hands back for a session.
type RoomCredential struct {
	AccessToken string    `json:"accessToken"`
	ServerURL   string    `json:"serverUrl"`
	RoomName    RoomName  `json:"roomName"`
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
