package callshield

import (
	"errors"
	"sync"
	"sync/atomic"
)

// SessionFactory builds the full pipeline for one stream.
type SessionFactory func(info SessionInfo) (*Session, error)

// SessionInfo identifies one media stream.
type SessionInfo struct {
	StreamID string
	CallSID  string
	TraceID  string
	From     string
}

var errDraining = errors.New("registry is draining")

// SessionRegistry tracks live sessions keyed by stream ID. Duplicate
// starts for the same stream return the existing session.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for the stream, creating and starting
// it on first sight. The second return reports whether a new session was
// created.
func (r *SessionRegistry) GetOrCreate(info SessionInfo) (*Session, bool, error) {
	if info.StreamID == "" {
		return nil, false, errors.New("empty stream id")
	}
	if r.draining.Load() {
		return nil, false, errDraining
	}
	if v, ok := r.sessions.Load(info.StreamID); ok {
		return v.(*Session), false, nil
	}
	sess, err := r.factory(info)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := r.sessions.LoadOrStore(info.StreamID, sess)
	if loaded {
		sess.Close()
		return actual.(*Session), false, nil
	}
	if err := sess.start(); err != nil {
		r.sessions.Delete(info.StreamID)
		return nil, false, err
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(streamID string) (*Session, bool) {
	if v, ok := r.sessions.Load(streamID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove closes and forgets the session. Removing an unknown or already
// removed stream is a no-op.
func (r *SessionRegistry) Remove(streamID string) {
	if v, ok := r.sessions.LoadAndDelete(streamID); ok {
		v.(*Session).Close()
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

// Drain rejects new sessions and closes every live one.
func (r *SessionRegistry) Drain() {
	r.draining.Store(true)
	r.sessions.Range(func(key, value any) bool {
		value.(*Session).Close()
		r.sessions.Delete(key)
		r.count.Add(-1)
		return true
	})
}
