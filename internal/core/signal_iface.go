package core

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts the signaling transport of one member.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
