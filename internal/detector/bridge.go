package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/faceverify/internal/faults"
)

// DefaultStaleAfter is how long a handle stays ready without a new frame.
const DefaultStaleAfter = 2 * time.Second

// Bridge is a Detector and HandleProvider fed by the native host process.
// The host pushes observations and preview frames; a capture handle counts as
// healthy only while frames keep arriving, which is how a native session that
// was torn down underneath its handle shows up.
type Bridge struct {
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.Mutex
	available   bool
	running     bool
	sink        func(Observation)
	frame       []byte
	contentType string
	frameAt     time.Time
	generation  uint64
	current     *bridgeHandle
}

// NewBridge returns a bridge with the device reported as available.
func NewBridge(staleAfter time.Duration) *Bridge {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Bridge{staleAfter: staleAfter, now: time.Now, available: true}
}

// SetClock replaces the time source.
func (b *Bridge) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetAvailable records whether the host currently exposes a camera device.
func (b *Bridge) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
	if !available {
		b.running = false
	}
}

// SetSink registers the receiver of observations. Passing nil drops them.
func (b *Bridge) SetSink(sink func(Observation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Start implements Detector.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return faults.HardwareFault{Detail: "no camera device reported by host", Unavailable: true}
	}
	b.running = true
	return nil
}

// Stop implements Detector.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

// Available implements Detector.
func (b *Bridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Running reports whether observations are being forwarded.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// PushObservation forwards one detector sample. Samples pushed while the
// detector is stopped are discarded.
func (b *Bridge) PushObservation(obs Observation) bool {
	b.mu.Lock()
	sink := b.sink
	running := b.running
	if obs.Timestamp.IsZero() {
		obs.Timestamp = b.now()
	}
	b.mu.Unlock()

	if !running || sink == nil {
		return false
	}
	sink(obs)
	return true
}

// PushFrame stores the latest preview frame and marks the native session alive.
func (b *Bridge) PushFrame(contentType string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = buf
	b.contentType = contentType
	b.frameAt = b.now()
}

// Recreate tells the bridge the host rebuilt its native capture session.
// Previously opened handles stop being ready; Resolve returns the new one.
func (b *Bridge) Recreate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	b.current = &bridgeHandle{bridge: b, generation: b.generation}
}

// Open implements HandleProvider.
func (b *Bridge) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, faults.HardwareFault{Detail: "camera not available", Unavailable: true}
	}
	b.generation++
	b.current = &bridgeHandle{bridge: b, generation: b.generation}
	return b.current, nil
}

// Resolve implements HandleProvider.
func (b *Bridge) Resolve() (Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.closed {
		return nil, false
	}
	return b.current, true
}

func (b *Bridge) readyLocked(h *bridgeHandle) bool {
	if h.closed || !b.available || h.generation != b.generation || b.frameAt.IsZero() {
		return false
	}
	return b.now().Sub(b.frameAt) <= b.staleAfter
}

type bridgeHandle struct {
	bridge     *Bridge
	generation uint64
	closed     bool
}

func (h *bridgeHandle) Ready() bool {
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	return h.bridge.readyLocked(h)
}

func (h *bridgeHandle) Capture(ctx context.Context) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	b := h.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.closed {
		return Artifact{}, faults.HardwareFault{Detail: "capture handle closed"}
	}
	if !b.readyLocked(h) {
		return Artifact{}, faults.HardwareFault{Detail: "capture output no longer delivering frames"}
	}
	data := make([]byte, len(b.frame))
	copy(data, b.frame)
	return Artifact{
		ID:          uuid.NewString(),
		ContentType: b.contentType,
		Data:        data,
		CapturedAt:  b.now(),
	}, nil
}

func (h *bridgeHandle) Close() error {
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	h.closed = true
	return nil
}
