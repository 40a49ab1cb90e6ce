package executor

import "sync"

// maxRecentSessions bounds the per-target continuity window.
const maxRecentSessions = 5

// sessionTracker maps each target key to its most recent session id plus a
// short most-recent-first history of prior ones, used to pick the default
// resume session for a new execution. It is rebuilt from the execution
// history log at startup, never persisted on its own.
type sessionTracker struct {
	mu     sync.RWMutex
	last   map[string]string
	recent map[string][]string
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		last:   make(map[string]string),
		recent: make(map[string][]string),
	}
}

// Record notes that targetKey's latest turn ran under sessionID. A session
// already in the recent list moves to the front instead of duplicating.
func (t *sessionTracker) Record(targetKey, sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last[targetKey] = sessionID

	list := t.recent[targetKey]
	for i, id := range list {
		if id == sessionID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append([]string{sessionID}, list...)
	if len(list) > maxRecentSessions {
		list = list[:maxRecentSessions]
	}
	t.recent[targetKey] = list
}

// Last returns the most recent session id for targetKey, or "".
func (t *sessionTracker) Last(targetKey string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last[targetKey]
}

// Recent returns targetKey's session history, most recent first.
func (t *sessionTracker) Recent(targetKey string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.recent[targetKey]
	out := make([]string, len(list))
	copy(out, list)
	return out
}
