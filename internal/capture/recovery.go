package capture

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/detector"
)

type recoveryStage int

const (
	stageResolve recoveryStage = iota
	stageReattach
	stageFailed
	stageRecovered
)

func (s recoveryStage) String() string {
	switch s {
	case stageResolve:
		return "resolve"
	case stageReattach:
		return "reattach"
	case stageFailed:
		return "failed"
	case stageRecovered:
		return "recovered"
	}
	return "unknown"
}

// nextStage is the whole recovery policy: re-resolve the handle from the
// provider, then force a detach and reattach, then give up.
func nextStage(s recoveryStage, ok bool) recoveryStage {
	if ok {
		return stageRecovered
	}
	switch s {
	case stageResolve:
		return stageReattach
	default:
		return stageFailed
	}
}

// Recover tries to restore a healthy handle for sessionID. Concurrent calls
// for the same session share one recovery. A false result means the caller
// must restart detection from the top.
func (m *Manager) Recover(ctx context.Context, sessionID string) bool {
	v, _, _ := m.recoveries.Do(sessionID, func() (interface{}, error) {
		return m.recover(ctx, sessionID), nil
	})
	return v.(bool)
}

func (m *Manager) recover(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	e := m.table[sessionID]
	if e == nil || m.owner != sessionID || m.suspended || e.provider == nil {
		m.mu.Unlock()
		return false
	}
	provider := e.provider
	m.mu.Unlock()

	stage := stageResolve
	for stage != stageFailed && stage != stageRecovered {
		var ok bool
		switch stage {
		case stageResolve:
			ok = m.resolve(sessionID, provider)
		case stageReattach:
			ok = m.reattach(ctx, sessionID, provider)
		}
		next := nextStage(stage, ok)
		m.logger.Info("capture recovery step",
			zap.String("session_id", sessionID),
			zap.Stringer("stage", stage),
			zap.Bool("ok", ok),
			zap.Stringer("next", next),
		)
		stage = next
	}
	return stage == stageRecovered
}

func (m *Manager) resolve(sessionID string, provider detector.HandleProvider) bool {
	handle, ok := provider.Resolve()
	if !ok || handle == nil || !handle.Ready() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.table[sessionID]
	if e == nil || m.owner != sessionID {
		return false
	}
	if e.handle != handle {
		closeHandle(e.handle, m.logger)
		e.handle = handle
	}
	return true
}

func (m *Manager) reattach(ctx context.Context, sessionID string, provider detector.HandleProvider) bool {
	m.mu.Lock()
	e := m.table[sessionID]
	if e == nil || m.owner != sessionID {
		m.mu.Unlock()
		return false
	}
	closeHandle(e.handle, m.logger)
	e.handle = nil
	e.attaching = true
	m.mu.Unlock()

	finish := func(h detector.Handle) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e.attaching = false
		if h == nil {
			return false
		}
		if m.owner != sessionID || m.suspended || m.table[sessionID] != e {
			closeHandle(h, m.logger)
			return false
		}
		e.handle = h
		return h.Ready()
	}

	if err := m.sleep(ctx, m.stabilization); err != nil {
		return finish(nil)
	}
	handle, err := provider.Open(ctx)
	if err != nil {
		m.logger.Warn("reattach failed", zap.String("session_id", sessionID), zap.Error(err))
		return finish(nil)
	}
	return finish(handle)
}
