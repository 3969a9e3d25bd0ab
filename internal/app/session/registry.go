package session

import (
	"sync"

	"github.com/rs/zerolog"

	"telecare/internal/pkg/logx"
)

const cleanupChannelBuffer = 16

// Registry tracks every active session room. Rooms are created implicitly
// on first join and removed when their run loop exits. The Registry is the
// only component that mutates room membership state transitively: handlers
// go through GetOrCreateRoom and the room's own loop does the rest.
type Registry struct {
	// rooms maps appointment ids to their active Room.
	rooms map[string]*Room

	// jwtSecret is handed to rooms for in-session token refresh.
	jwtSecret string

	// mu protects the rooms map.
	mu sync.RWMutex

	// cleanup receives ids of rooms whose run loops have finished.
	cleanup chan string

	// wg waits for the cleanup loop during shutdown.
	wg sync.WaitGroup

	logger zerolog.Logger
}

// NewRegistry constructs a Registry and starts its cleanup loop.
func NewRegistry(jwtSecret string) *Registry {
	registryLogger := logx.Logger().With().Str("component", "Registry").Logger()

	reg := &Registry{
		rooms:     make(map[string]*Room),
		jwtSecret: jwtSecret,
		cleanup:   make(chan string, cleanupChannelBuffer),
		logger:    registryLogger,
	}

	reg.wg.Add(1)

	go reg.runCleanupLoop()

	return reg
}

// runCleanupLoop removes rooms whose run loops have reported shutdown.
func (reg *Registry) runCleanupLoop() {
	defer reg.wg.Done()

	reg.logger.Info().Msg("Cleanup loop started.")

	for roomID := range reg.cleanup {
		reg.deleteRoom(roomID)
	}

	reg.logger.Info().Msg("Cleanup loop stopped.")
}

// deleteRoom drops the room from the registry map. The mapped room may
// already be a live replacement when the stopped room's notification arrives
// late; only a stopped room is removed.
func (reg *Registry) deleteRoom(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[roomID]; ok && room.Stopped() {
		delete(reg.rooms, roomID)
		reg.logger.Info().Str("room_id", roomID).Msg("Room removed.")
	}
}

// GetOrCreateRoom returns the active room for the appointment, creating and
// starting it when this is the first join. A room whose loop already exited
// on the inactivity timer is replaced with a fresh one, so a join arriving
// after the timeout starts a new session instead of hanging on a dead loop.
// The fallback URL is recorded on creation; it is a property of the
// appointment and does not change while the room lives.
func (reg *Registry) GetOrCreateRoom(roomID, fallbackURL string) *Room {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()

	if ok && !room.Stopped() {
		return room
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok = reg.rooms[roomID]; ok && !room.Stopped() {
		return room
	}

	room = NewRoom(roomID, fallbackURL, reg.jwtSecret, reg.cleanup)
	reg.rooms[roomID] = room

	go room.Run()

	reg.logger.Info().Str("room_id", roomID).Msg("New room created and started.")
	return room
}

// GetRoom returns the active room for the appointment, or nil. A room whose
// loop has exited counts as gone even when cleanup has not removed it yet.
func (reg *Registry) GetRoom(roomID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[roomID]
	if !ok || room.Stopped() {
		return nil
	}
	return room
}

// Shutdown stops all room loops, closes the cleanup channel and waits for
// the cleanup loop to drain.
func (reg *Registry) Shutdown() {
	reg.logger.Info().Msg("Shutting down registry...")

	reg.mu.Lock()

	for _, room := range reg.rooms {
		room.Stop()
	}
	reg.rooms = make(map[string]*Room)

	reg.mu.Unlock()

	close(reg.cleanup)
	reg.wg.Wait()

	reg.logger.Info().Msg("Registry shutdown complete.")
}
