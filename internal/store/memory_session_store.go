package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/id"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"go.uber.org/zap"
)

type session struct {
	id          string
	records     []*domain.ImageRecord
	processing  bool
	progress    pipeline.Progress
	config      *domain.ProcessingConfig
	lastSummary *pipeline.Summary
	generation  uint64
	createdAt   time.Time
	updatedAt   time.Time
	lastSeen    time.Time // moves on reads too, so polling keeps a session alive
}

// MemorySessionStore keeps sessions in process memory. Every blob ref that
// leaves the store through a removal, a reset or a stale commit is passed to
// release exactly once.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	release  func(ref string)
	now      func() time.Time
}

func NewMemorySessionStore(release func(ref string)) *MemorySessionStore {
	if release == nil {
		release = func(string) {}
	}
	return &MemorySessionStore{
		sessions: make(map[string]*session),
		release:  release,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemorySessionStore) Create() Session {
	now := s.now()
	sess := &session{
		id:        id.WithPrefix(id.PrefixSession),
		createdAt: now,
		updatedAt: now,
		lastSeen:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	return sess.snapshot()
}

func (s *MemorySessionStore) Get(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	sess.lastSeen = s.now()
	return sess.snapshot(), nil
}

// Len reports the number of live sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemorySessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.releaseRecords(sess.records)
	delete(s.sessions, sessionID)
	return nil
}

// Reset drops every record and detaches any batch still in flight; its late
// results are discarded on commit.
func (s *MemorySessionStore) Reset(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.releaseRecords(sess.records)
	sess.records = nil
	sess.processing = false
	sess.progress = pipeline.Progress{}
	sess.config = nil
	sess.lastSummary = nil
	sess.generation++
	sess.touch(s.now())
	return nil
}

func (s *MemorySessionStore) AddImages(sessionID string, records ...*domain.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, rec := range records {
		cp := *rec
		sess.records = append(sess.records, &cp)
	}
	sess.touch(s.now())
	return nil
}

func (s *MemorySessionStore) RemoveImage(sessionID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	idx := sess.indexOf(imageID)
	if idx < 0 {
		return ErrImageNotFound
	}
	s.releaseRecords(sess.records[idx : idx+1])
	sess.records = append(sess.records[:idx], sess.records[idx+1:]...)
	sess.touch(s.now())
	return nil
}

func (s *MemorySessionStore) Image(sessionID, imageID string) (domain.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ImageRecord{}, ErrSessionNotFound
	}
	sess.lastSeen = s.now()
	idx := sess.indexOf(imageID)
	if idx < 0 {
		return domain.ImageRecord{}, ErrImageNotFound
	}
	return *sess.records[idx], nil
}

// BeginRun admits one batch per session. Previous outputs are released and
// every record restarts as processing.
func (s *MemorySessionStore) BeginRun(sessionID string, cfg domain.ProcessingConfig) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Run{}, ErrSessionNotFound
	}
	if sess.processing {
		return Run{}, ErrSessionBusy
	}

	run := Run{
		SessionID:  sessionID,
		Generation: sess.generation,
		Records:    make([]*domain.ImageRecord, len(sess.records)),
	}
	for i, rec := range sess.records {
		if released := rec.Reset(); released != "" {
			s.release(released)
		}
		rec.MarkProcessing()
		cp := *rec
		run.Records[i] = &cp
	}

	sess.processing = true
	sess.progress = pipeline.Progress{Total: len(sess.records)}
	sess.config = &cfg
	sess.lastSummary = nil
	sess.touch(s.now())
	return run, nil
}

func (s *MemorySessionStore) UpdateRecordProgress(run Run, imageID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.active(run)
	if err != nil {
		return err
	}
	idx := sess.indexOf(imageID)
	if idx < 0 {
		return ErrStaleRun
	}
	if rec := sess.records[idx]; rec.State == domain.RecordProcessing && percent > rec.Progress {
		rec.Progress = percent
	}
	return nil
}

// CommitRecord stores a settled record. When the run is stale the record's
// output is released and ErrStaleRun is returned.
func (s *MemorySessionStore) CommitRecord(run Run, record domain.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.active(run)
	if err == nil {
		if idx := sess.indexOf(record.ID); idx >= 0 {
			*sess.records[idx] = record
			sess.touch(s.now())
			return nil
		}
		err = ErrStaleRun
	}
	if record.Processed != "" {
		s.release(record.Processed)
	}
	return err
}

func (s *MemorySessionStore) UpdateProgress(run Run, progress pipeline.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.active(run)
	if err != nil {
		return err
	}
	if progress.Completed > sess.progress.Completed {
		sess.progress = progress
	}
	return nil
}

func (s *MemorySessionStore) FinishRun(run Run, summary pipeline.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.active(run)
	if err != nil {
		return err
	}
	sess.processing = false
	sess.lastSummary = &summary
	sess.touch(s.now())
	return nil
}

// ExpireIdle deletes every session that is not processing and has not been
// read or changed for longer than maxIdle. Their blobs are released.
func (s *MemorySessionStore) ExpireIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for sessionID, sess := range s.sessions {
		if sess.processing || sess.lastSeen.After(cutoff) {
			continue
		}
		s.releaseRecords(sess.records)
		delete(s.sessions, sessionID)
		expired = append(expired, sessionID)
	}
	return expired
}

// SweepIdle runs ExpireIdle every interval until ctx is done.
func (s *MemorySessionStore) SweepIdle(ctx context.Context, interval, maxIdle time.Duration, logger *zap.Logger) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.ExpireIdle(maxIdle); len(expired) > 0 {
				logger.Info("expired idle sessions",
					zap.Int("count", len(expired)),
					zap.Duration("max_idle", maxIdle),
				)
			}
		}
	}
}

func (s *MemorySessionStore) active(run Run) (*session, error) {
	sess, ok := s.sessions[run.SessionID]
	if !ok || sess.generation != run.Generation || !sess.processing {
		return nil, ErrStaleRun
	}
	return sess, nil
}

func (s *MemorySessionStore) releaseRecords(records []*domain.ImageRecord) {
	for _, rec := range records {
		if rec.Original != "" {
			s.release(rec.Original)
		}
		if rec.Processed != "" {
			s.release(rec.Processed)
		}
	}
}

func (sess *session) touch(now time.Time) {
	sess.updatedAt = now
	sess.lastSeen = now
}

func (sess *session) indexOf(imageID string) int {
	for i, rec := range sess.records {
		if rec.ID == imageID {
			return i
		}
	}
	return -1
}

func (sess *session) snapshot() Session {
	out := Session{
		ID:         sess.id,
		Records:    make([]domain.ImageRecord, len(sess.records)),
		Processing: sess.processing,
		Progress:   sess.progress,
		Generation: sess.generation,
		CreatedAt:  sess.createdAt,
		UpdatedAt:  sess.updatedAt,
	}
	for i, rec := range sess.records {
		out.Records[i] = *rec
	}
	if sess.config != nil {
		cfg := *sess.config
		out.Config = &cfg
	}
	if sess.lastSummary != nil {
		summary := *sess.lastSummary
		out.LastSummary = &summary
	}
	return out
}
