package usecase

import "github.com/example/faceverify/internal/engine"

const snapshotBuffer = 8

type subscriber struct {
	sessionID string
	ch        chan engine.Snapshot
	seen      bool
}

// Subscribe streams the snapshots of the caller's active session, starting
// with the current one. Slow readers lose the oldest buffered snapshots.
// The returned func unsubscribes and closes the channel.
func (uc *VerificationUseCase) Subscribe(sessionID, userID string) (<-chan engine.Snapshot, func(), error) {
	m, err := uc.session(sessionID, userID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{sessionID: sessionID, ch: make(chan engine.Snapshot, snapshotBuffer)}
	uc.subsMu.Lock()
	id := uc.nextSub
	uc.nextSub++
	uc.subs[id] = sub
	uc.subsMu.Unlock()

	// Taken outside subsMu: the machine publishes while holding its own lock.
	current := m.Snapshot()
	uc.subsMu.Lock()
	if _, ok := uc.subs[id]; ok && !sub.seen {
		deliverLocked(sub, current)
	}
	uc.subsMu.Unlock()

	unsubscribe := func() {
		uc.subsMu.Lock()
		defer uc.subsMu.Unlock()
		if _, ok := uc.subs[id]; ok {
			delete(uc.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe, nil
}

// publish runs under the machine lock and never blocks.
func (uc *VerificationUseCase) publish(s engine.Snapshot) {
	uc.subsMu.Lock()
	defer uc.subsMu.Unlock()
	for _, sub := range uc.subs {
		if sub.sessionID == s.SessionID {
			deliverLocked(sub, s)
		}
	}
}

func deliverLocked(sub *subscriber, s engine.Snapshot) {
	sub.seen = true
	select {
	case sub.ch <- s:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- s:
	default:
	}
}
