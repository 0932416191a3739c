package domain

// ConnectionState is the lifecycle state of one real-time connection.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateReconnecting  ConnectionState = "reconnecting"
	StateDegraded      ConnectionState = "degraded"
	StateDisconnecting ConnectionState = "disconnecting"
	StateFailed        ConnectionState = "failed"
)

// SessionState is the controller-level view reported to the UI.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
)
