// Package sessionlog keeps the backend's in-memory log of support sessions.
package sessionlog

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultSource = "screen-track"

// Update is a partial record; empty fields leave the stored value alone.
type Update struct {
	RoomName  domain.RoomName
	UserID    domain.UserID
	UserEmail string
	Org       string
	Status    string
	Event     string
	Metadata  map[string]any
}

// Frame is one accepted screen frame.
type Frame struct {
	Image        string
	Width        int
	Height       int
	Bytes        int
	Digest       string
	AverageColor *domain.Color
	Variance     *float64
	Source       string
	CapturedAt   time.Time
}

// Store is the process-wide session log. It starts empty.
type Store struct {
	clock     clock.Clock
	retention time.Duration

	mu      sync.RWMutex
	records map[string]*domain.SessionRecord
}

func NewStore(clk clock.Clock, retention time.Duration) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{clock: clk, retention: retention, records: make(map[string]*domain.SessionRecord)}
}

// getOrInit must be called with mu held.
func (s *Store) getOrInit(id string, now time.Time) *domain.SessionRecord {
	rec, ok := s.records[id]
	if !ok {
		rec = &domain.SessionRecord{SessionID: id, CreatedAt: now}
		s.records[id] = rec
	}
	return rec
}

// Upsert merges u into the record for id, creating it when missing.
func (s *Store) Upsert(id string, u Update) domain.SessionRecord {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrInit(id, now)
	setIf(&rec.RoomName, u.RoomName)
	setIf(&rec.UserID, u.UserID)
	setIf(&rec.UserEmail, u.UserEmail)
	setIf(&rec.Org, u.Org)
	setIf(&rec.Status, u.Status)
	if u.Event != "" {
		rec.LastEvent = u.Event
		rec.LastEventAt = &now
	}
	if len(u.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(rec.Metadata, u.Metadata)
	}
	rec.UpdatedAt = now
	log.Debug().Str("module", "sessionlog").Str("session", id).Msg("session updated")
	return snapshot(rec, true)
}

func setIf[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func (s *Store) Get(id string, includeFrame bool) (domain.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.SessionRecord{}, false
	}
	return snapshot(rec, includeFrame), true
}

// List returns every record, most recently updated first, without frame bytes.
func (s *Store) List() []domain.SessionRecord {
	s.mu.RLock()
	out := make([]domain.SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, snapshot(rec, false))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.SessionRecord) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out
}

func (s *Store) FindByRoom(name domain.RoomName) (domain.SessionRecord, bool) {
	if name == "" {
		return domain.SessionRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.RoomName == name {
			return snapshot(rec, false), true
		}
	}
	return domain.SessionRecord{}, false
}

// RecordFrame stores f as the latest frame and marks the share active.
func (s *Store) RecordFrame(id string, f Frame) domain.ScreenShare {
	now := s.clock.Now()
	if f.Source == "" {
		f.Source = DefaultSource
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrInit(id, now)
	received := 0
	if rec.ScreenShare != nil {
		received = rec.ScreenShare.FramesReceived
	}
	at := f.CapturedAt
	rec.ScreenShare = &domain.ScreenShare{
		Active:          true,
		FramesReceived:  received + 1,
		LastFrameAt:     &at,
		LastFrameDigest: f.Digest,
		LastFrameSummary: &domain.FrameSummary{
			Width:        f.Width,
			Height:       f.Height,
			ApproxBytes:  f.Bytes,
			AverageColor: f.AverageColor,
			Variance:     f.Variance,
			Source:       f.Source,
		},
		LastFrame: f.Image,
	}
	rec.LastEvent = "screen_frame"
	rec.LastEventAt = &at
	rec.UpdatedAt = now
	return *copyShare(rec.ScreenShare, false)
}

// EndScreenShare marks an active share inactive. ok is false when no share is active.
func (s *Store) EndScreenShare(id string) (share domain.ScreenShare, ok bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.records[id]
	if !found || rec.ScreenShare == nil || !rec.ScreenShare.Active {
		return domain.ScreenShare{}, false
	}
	rec.ScreenShare.Active = false
	rec.ScreenShare.InactiveAt = &now
	rec.UpdatedAt = now
	return *copyShare(rec.ScreenShare, false), true
}

func (s *Store) AddFeedback(id string, fb domain.Feedback) domain.SessionRecord {
	now := s.clock.Now()
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrInit(id, now)
	rec.Feedback = append(rec.Feedback, fb)
	rec.UpdatedAt = now
	return snapshot(rec, false)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep evicts records not updated within the retention window.
func (s *Store) Sweep() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := log.With().Str("module", "sessionlog").Logger()
	for clock.Sleep(ctx, s.clock, interval) == nil {
		if n := s.Sweep(); n > 0 {
			logger.Info().Int("evicted", n).Int("remaining", s.Len()).Msg("expired sessions swept")
		}
	}
}

func snapshot(rec *domain.SessionRecord, includeFrame bool) domain.SessionRecord {
	out := *rec
	out.Metadata = maps.Clone(rec.Metadata)
	out.Feedback = slices.Clone(rec.Feedback)
	out.ScreenShare = copyShare(rec.ScreenShare, includeFrame)
	return out
}

func copyShare(ss *domain.ScreenShare, includeFrame bool) *domain.ScreenShare {
	if ss == nil {
		return nil
	}
	out := *ss
	if ss.LastFrameSummary != nil {
		sum := *ss.LastFrameSummary
		out.LastFrameSummary = &sum
	}
	if !includeFrame {
		out.LastFrame = ""
	}
	return &out
}
