package ledger

import "sync"

// keyedMutex serializes mutations per (chat, user) while letting unrelated
// users proceed concurrently. Locks are never evicted; the population is
// bounded by the set of users ever moderated.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[entityKey]*sync.Mutex
}

type entityKey struct {
	chatID int64
	userID int64
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[entityKey]*sync.Mutex{}}
}

func (k *keyedMutex) lock(chatID, userID int64) func() {
	key := entityKey{chatID: chatID, userID: userID}

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
