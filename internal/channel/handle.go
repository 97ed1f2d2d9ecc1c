package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle names one binary frame held by a HandleAllocator.
type Handle struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// FrameStore acquires and releases frame handles. The registry releases a
// channel's previous handle before acquiring the next one.
type FrameStore interface {
	Acquire(channelID string, data []byte) Handle
	Release(h Handle) bool
}

// HandleAllocator keeps binary frames in memory so the dashboard can fetch
// them by handle id. A handle is valid until released.
//
// All methods are thread-safe.
type HandleAllocator struct {
	mu     sync.RWMutex
	frames map[string][]byte
}

// NewHandleAllocator creates an empty allocator.
func NewHandleAllocator() *HandleAllocator {
	return &HandleAllocator{frames: make(map[string][]byte)}
}

// Acquire stores a copy of data and returns its handle.
func (a *HandleAllocator) Acquire(channelID string, data []byte) Handle {
	buf := make([]byte, len(data))
	copy(buf, data)
	h := Handle{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Size:      len(buf),
		CreatedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.frames[h.ID] = buf
	a.mu.Unlock()
	return h
}

// Release drops the frame. It reports false if h was already released.
func (a *HandleAllocator) Release(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.frames[h.ID]; !ok {
		return false
	}
	delete(a.frames, h.ID)
	return true
}

// Lookup returns the frame for a live handle id.
func (a *HandleAllocator) Lookup(id string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.frames[id]
	return data, ok
}

// Live returns the number of unreleased handles.
func (a *HandleAllocator) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.frames)
}
