// Package capture owns the single hardware capture session: attach, detach,
// health checks and recovery by reinitialization.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/logging"
)

var (
	// ErrBusy is returned when another session holds the capture device.
	ErrBusy = errors.New("capture device held by another session")
	// ErrSuspended is returned while the host is in the background.
	ErrSuspended = errors.New("capture suspended while host is in background")
	// ErrDetachedDuringAttach is returned when a detach raced an attach.
	ErrDetachedDuringAttach = errors.New("session detached while attaching")
	// ErrNotAttached is returned by Capture when the session holds no handle.
	ErrNotAttached = errors.New("capture session not attached")
)

// HostState is the host application's lifecycle state.
type HostState string

const (
	HostActive     HostState = "active"
	HostInactive   HostState = "inactive"
	HostBackground HostState = "background"
)

// DetachReason says why a detach is requested.
type DetachReason string

const (
	// DetachTransition is issued by a state change of the engine.
	DetachTransition DetachReason = "transition"
	// DetachCancel is issued by a user cancel; it waits for keep-alive to drop.
	DetachCancel DetachReason = "cancel"
	// DetachTeardown ends the session and releases keep-alive.
	DetachTeardown DetachReason = "teardown"
	// DetachBackground is forced by the host and ignores keep-alive.
	DetachBackground DetachReason = "background"
)

// Transition names an engine state change for keep-alive decisions.
type Transition struct {
	From string
	To   string
}

// DefaultTransient lists the hops across which keep-alive suppresses detach.
var DefaultTransient = []Transition{
	{From: "detecting", To: "liveness"},
	{From: "liveness", To: "detecting"},
	{From: "liveness", To: "capturing"},
	{From: "capturing", To: "detecting"},
	{From: "capturing", To: "liveness"},
}

type entry struct {
	provider  detector.HandleProvider
	handle    detector.Handle
	attaching bool
}

// Manager is the sole writer of the capture handle. Other components issue
// commands by session id and never see the handle.
type Manager struct {
	logger        *zap.Logger
	stabilization time.Duration
	transient     map[Transition]bool
	sleep         func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	table         map[string]*entry
	owner         string
	keepAlive     bool
	pendingDetach bool
	suspended     bool

	recoveries singleflight.Group
}

// NewManager builds a manager. stabilization is the pause between detach and
// reattach during recovery.
func NewManager(stabilization time.Duration, transient []Transition, logger *zap.Logger) *Manager {
	if transient == nil {
		transient = DefaultTransient
	}
	set := make(map[Transition]bool, len(transient))
	for _, t := range transient {
		set[t] = true
	}
	return &Manager{
		logger:        logger.Named("capture"),
		stabilization: stabilization,
		transient:     set,
		sleep:         sleepContext,
		table:         make(map[string]*entry),
	}
}

// Attach opens the capture handle for sessionID. Attaching an already
// healthy session is a no-op.
func (m *Manager) Attach(ctx context.Context, sessionID string, provider detector.HandleProvider) error {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return attachError(ErrSuspended)
	}
	if m.owner != "" && m.owner != sessionID {
		m.mu.Unlock()
		return attachError(ErrBusy)
	}
	e := m.table[sessionID]
	if e != nil && e.attaching {
		m.mu.Unlock()
		return attachError(ErrBusy)
	}
	if e != nil && e.handle != nil && e.handle.Ready() {
		m.mu.Unlock()
		return nil
	}
	if e == nil {
		e = &entry{}
		m.table[sessionID] = e
	}
	stale := e.handle
	e.provider = provider
	e.handle = nil
	e.attaching = true
	m.owner = sessionID
	m.pendingDetach = false
	m.mu.Unlock()

	closeHandle(stale, m.logger)

	handle, err := provider.Open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.attaching = false
	if err != nil {
		m.release(sessionID)
		wrapped := logging.NewOperationError("capture.attach", sessionID, err)
		m.logger.Warn("attach failed", zap.Error(wrapped))
		return wrapped
	}
	if m.owner != sessionID || m.suspended {
		closeHandle(handle, m.logger)
		if m.owner == sessionID {
			m.release(sessionID)
		}
		return attachError(ErrDetachedDuringAttach)
	}
	e.handle = handle
	m.logger.Info("capture session attached", zap.String("session_id", sessionID))
	return nil
}

// Detach releases the handle unless keep-alive suppresses or defers the
// request. It reports whether the handle was released.
func (m *Manager) Detach(sessionID string, reason DetachReason, t Transition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != sessionID {
		return false
	}
	switch reason {
	case DetachTransition:
		if m.keepAlive && m.transient[t] {
			m.logger.Debug("detach suppressed by keep-alive",
				zap.String("session_id", sessionID), zap.String("from", t.From), zap.String("to", t.To))
			return false
		}
	case DetachCancel:
		if m.keepAlive {
			m.pendingDetach = true
			m.logger.Debug("detach deferred until keep-alive is released", zap.String("session_id", sessionID))
			return false
		}
	case DetachTeardown, DetachBackground:
		m.keepAlive = false
	}
	m.detachLocked(sessionID, reason)
	return true
}

// EnableKeepAlive suppresses transient detaches for the owning session.
func (m *Manager) EnableKeepAlive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == sessionID {
		m.keepAlive = true
	}
}

// DisableKeepAlive drops keep-alive and performs any deferred detach.
func (m *Manager) DisableKeepAlive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != sessionID {
		return
	}
	m.keepAlive = false
	if m.pendingDetach {
		m.detachLocked(sessionID, DetachCancel)
	}
}

// KeepAlive reports whether keep-alive is held.
func (m *Manager) KeepAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlive
}

// Owner returns the session currently holding the device.
func (m *Manager) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// IsHealthy reports whether the session's handle still exposes its capture
// capability. A handle can survive while the platform has torn down the
// native resource underneath it.
func (m *Manager) IsHealthy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended || m.owner != sessionID {
		return false
	}
	e := m.table[sessionID]
	return e != nil && e.handle != nil && e.handle.Ready()
}

// Capture takes a photo through the session's handle.
func (m *Manager) Capture(ctx context.Context, sessionID string) (detector.Artifact, error) {
	m.mu.Lock()
	var handle detector.Handle
	if e := m.table[sessionID]; e != nil && m.owner == sessionID && !m.suspended {
		handle = e.handle
	}
	m.mu.Unlock()

	if handle == nil {
		return detector.Artifact{}, fmt.Errorf("%w: %w", ErrNotAttached, faults.HardwareFault{Detail: "no capture handle"})
	}
	return handle.Capture(ctx)
}

// HandleLifecycle reacts to host lifecycle changes. Backgrounding always
// detaches because the platform reclaims the camera unconditionally.
func (m *Manager) HandleLifecycle(state HostState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case HostBackground:
		m.suspended = true
		m.keepAlive = false
		if m.owner != "" {
			m.detachLocked(m.owner, DetachBackground)
		}
	case HostActive:
		m.suspended = false
	}
}

// Suspended reports whether the host is in the background.
func (m *Manager) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// attachError pairs an attach sentinel with the native fault the classifier
// maps it to. The sentinel stays matchable with errors.Is.
func attachError(sentinel error) error {
	var fault faults.NativeFault
	switch sentinel {
	case ErrBusy, ErrSuspended:
		fault = faults.HardwareFault{Detail: sentinel.Error(), Unavailable: true}
	default:
		fault = faults.CodedFault{Code: string(faults.KindInitializationFailed), Detail: sentinel.Error()}
	}
	return fmt.Errorf("%w: %w", sentinel, fault)
}

func (m *Manager) detachLocked(sessionID string, reason DetachReason) {
	e := m.table[sessionID]
	if e != nil {
		closeHandle(e.handle, m.logger)
	}
	m.release(sessionID)
	m.logger.Info("capture session detached", zap.String("session_id", sessionID), zap.String("reason", string(reason)))
}

func (m *Manager) release(sessionID string) {
	delete(m.table, sessionID)
	if m.owner == sessionID {
		m.owner = ""
		m.keepAlive = false
		m.pendingDetach = false
	}
}

func closeHandle(h detector.Handle, logger *zap.Logger) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		logger.Debug("closing capture handle failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
