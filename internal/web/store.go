package web

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/search"
)

const defaultMaxSessions = 1000

// Session is the private state of one browser: the selected variant and the last result.
type Session struct {
	ID        string
	Variant   listing.Variant
	Query     string
	Result    *search.Result
	UpdatedAt time.Time

	seen uint64
}

// SessionStore is a bounded, mutex-guarded map of sessions. When full, the least recently
// used session is evicted.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	clock    uint64
	gauge    *observability.Gauge
}

// NewSessionStore creates a store holding at most limit sessions. gauge, if set, tracks the
// live session count.
func NewSessionStore(limit int, gauge *observability.Gauge) *SessionStore {
	if limit <= 0 {
		limit = defaultMaxSessions
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		max:      limit,
		gauge:    gauge,
	}
}

// Create starts a new session with the default variant.
func (s *SessionStore) Create() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	sess := &Session{
		ID:        uuid.NewString(),
		Variant:   listing.VariantNone,
		UpdatedAt: time.Now(),
		seen:      s.clock,
	}
	s.sessions[sess.ID] = sess
	s.evictOldest()
	s.report()
	return *sess
}

// Get returns a copy of the session and marks it used.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.clock++
	sess.seen = s.clock
	return *sess, true
}

// Update applies fn to the session under the lock. It reports false if the session is gone.
func (s *SessionStore) Update(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	s.clock++
	sess.seen = s.clock
	sess.UpdatedAt = time.Now()
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictOldest drops least recently used sessions until the store fits.
// Must be called with lock held.
func (s *SessionStore) evictOldest() {
	if len(s.sessions) <= s.max {
		return
	}

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.sessions[ids[i]].seen < s.sessions[ids[j]].seen
	})

	toDelete := len(s.sessions) - s.max
	for i := 0; i < toDelete; i++ {
		delete(s.sessions, ids[i])
	}
}

func (s *SessionStore) report() {
	if s.gauge != nil {
		s.gauge.Set(float64(len(s.sessions)))
	}
}
