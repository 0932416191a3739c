package core

import (
	"sync"

	"github.com/dkeye/Helpline/internal/domain"
)

// memberSession pairs member meta with its transports.
type memberSession struct {
	meta *domain.Member

	mu     sync.RWMutex
	signal SignalConnection
	media  MediaConnection
}

func NewMemberSession(meta *domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) Media() MediaConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.media
}

func (m *memberSession) UpdateSignal(s SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = s
	m.mu.Unlock()
	return m
}

func (m *memberSession) UpdateMedia(c MediaConnection) MemberSession {
	m.mu.Lock()
	m.media = c
	m.mu.Unlock()
	return m
}
