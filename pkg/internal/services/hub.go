package services

import (
	"sync"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// CallHub maps open sessions to their workers. It is the only piece of
// state shared between sessions, and it holds nothing but the map itself.
type CallHub struct {
	mu     sync.Mutex
	actors map[uint]*CallActor

	Bridge MediaBridge
	Ingest SegmentIngestor
}

var Hub *CallHub

func SetupHub() {
	Hub = NewCallHub(NewLiveKitBridge(), NewStudioIngestor())
}

func NewCallHub(bridge MediaBridge, ingest SegmentIngestor) *CallHub {
	return &CallHub{
		actors: make(map[uint]*CallActor),
		Bridge: bridge,
		Ingest: ingest,
	}
}

func (h *CallHub) GetOrSpawn(session models.CallSession) *CallActor {
	h.mu.Lock()
	defer h.mu.Unlock()

	if actor, ok := h.actors[session.ID]; ok {
		return actor
	}

	actor := NewCallActor(session, h.Bridge, h.Ingest)
	actor.EndSession = EndCallSession
	actor.OnRetire = func(sessionID uint) {
		h.mu.Lock()
		delete(h.actors, sessionID)
		h.mu.Unlock()
	}

	h.actors[session.ID] = actor
	go actor.Run()

	return actor
}

func (h *CallHub) Get(sessionID uint) (*CallActor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	actor, ok := h.actors[sessionID]
	return actor, ok
}

func (h *CallHub) Active(sessionID uint) bool {
	_, ok := h.Get(sessionID)
	return ok
}

func (h *CallHub) Shutdown() {
	h.mu.Lock()
	actors := make([]*CallActor, 0, len(h.actors))
	for _, actor := range h.actors {
		actors = append(actors, actor)
	}
	h.mu.Unlock()

	for _, actor := range actors {
		actor.Stop()
	}
}
