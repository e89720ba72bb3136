package hub

import (
	"encoding/json"
	"sync"

	"github.com/yohan020/my-bucket-editor/internal/crdt"
)

type presenceEntry struct {
	owner *Client
	frame []byte
}

// room is the document of one file plus the connections viewing it. mu serializes
// apply-then-broadcast so every member sees updates in the order they were applied.
type room struct {
	path string
	doc  *crdt.Doc

	mu       sync.Mutex
	members  map[*Client]struct{}
	presence map[uint64]presenceEntry
}

func newRoom(path string, doc *crdt.Doc) *room {
	return &room{
		path:     path,
		doc:      doc,
		members:  make(map[*Client]struct{}),
		presence: make(map[uint64]presenceEntry),
	}
}

// broadcastLocked queues frame for every member except sender. r.mu must be held.
func (r *room) broadcastLocked(frame []byte, sender *Client) {
	for c := range r.members {
		if c != sender {
			c.enqueue(frame)
		}
	}
}

// leave drops c from the room and tells the remaining members that its presence is gone.
func (r *room) leave(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, c)
	for id, p := range r.presence {
		if p.owner != c {
			continue
		}
		delete(r.presence, id)
		frame, err := json.Marshal(deltaFrame{
			Type:     TypeAwarenessUpdate,
			FilePath: r.path,
			Delta:    removalDelta(id),
		})
		if err == nil {
			r.broadcastLocked(frame, nil)
		}
	}
}

func (r *room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func removalDelta(clientID uint64) []byte {
	b, _ := json.Marshal(AwarenessState{ClientID: clientID, State: json.RawMessage("null")})
	return b
}
