// Package hub runs the collaborative editing channel of one project server: rooms keyed by
// file path, the replicated document of each open file, and presence fan-out.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/crdt"
	"github.com/yohan020/my-bucket-editor/internal/metrics"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Large enough for a full document state.
	maxMessageSize = 16 << 20

	sendBufferSize = 256
)

var (
	ErrHubClosed = errors.New("hub is closed")
	errNotInRoom = errors.New("file is not open on this connection")
	errNotOpen   = errors.New("file is not open")
	errNotUTF8   = errors.New("file is not valid UTF-8 text")
)

// Hub owns the rooms and connections of one server instance.
type Hub struct {
	port    int
	ws      *service.Workspace
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu      sync.RWMutex
	rooms   map[string]*room
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates the hub serving the project rooted at ws.
func NewHub(port int, ws *service.Workspace, m *metrics.Metrics) *Hub {
	if ws == nil {
		panic("Workspace cannot be nil for Hub")
	}
	return &Hub{
		port:    port,
		ws:      ws,
		metrics: m,
		log:     logrus.WithFields(logrus.Fields{"component": "hub", "port": port}),
		rooms:   make(map[string]*room),
		clients: make(map[*Client]struct{}),
	}
}

// Serve registers an upgraded connection and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn, adm service.Admission) (*Client, error) {
	c := NewClient(h, conn, adm)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return nil, ErrHubClosed
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionOpened(h.port)
	c.log.Info("Client registered to Hub")
	c.Run()
	return c, nil
}

// unregister is called once by the client's read pump when the connection ends.
func (h *Hub) unregister(c *Client) {
	h.leaveRoom(c)
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectionClosed(h.port)
		c.log.Info("Client unregistered from Hub")
	}
}

// Close disconnects every client and discards all documents without saving them.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.log.WithField("clients", len(clients)).Info("Hub closed")
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Document returns the in-memory document of a file, if one has been opened.
func (h *Hub) Document(path string) (*crdt.Doc, bool) {
	full, err := h.ws.Resolve(path)
	if err != nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[full]
	if !ok {
		return nil, false
	}
	return r.doc, true
}

// dispatch handles one inbound frame. It runs on the client's read goroutine, so frames
// from a single connection are processed in order.
func (h *Hub) dispatch(c *Client, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		h.metrics.Malformed(h.port)
		c.log.WithError(err).Warn("Dropping malformed message")
		c.sendError(err)
		return
	}
	h.metrics.Message(h.port, msg.messageType())

	switch m := msg.(type) {
	case TreeRequest:
		h.handleTree(c)
	case FileReadRequest:
		h.handleFileRead(c, m)
	case UpdateMessage:
		h.handleUpdate(c, m)
	case AwarenessMessage:
		h.handleAwareness(c, m)
	case WriteRequest:
		h.handleWrite(c, m)
	case LeaveRequest:
		h.handleLeave(c, m)
	}
}

func (h *Hub) handleTree(c *Client) {
	tree, err := h.ws.Tree()
	if err != nil {
		c.log.WithError(err).Warn("Failed to list project tree")
		c.sendJSON(treeResponse{Type: TypeTreeResponse, Error: h.clientError(err)})
		return
	}
	c.sendJSON(treeResponse{Type: TypeTreeResponse, Success: true, Tree: tree})
}

func (h *Hub) handleFileRead(c *Client, m FileReadRequest) {
	fail := func(err error) {
		c.log.WithError(err).WithField("file_path", m.Path).Warn("file:read failed")
		c.sendJSON(fileReadResponse{Type: TypeFileReadResponse, FilePath: m.Path, Error: h.clientError(err)})
	}
	full, err := h.ws.Resolve(m.Path)
	if err != nil {
		fail(err)
		return
	}
	r, err := h.openRoom(full)
	if err != nil {
		fail(err)
		return
	}
	if c.room != nil && c.room != r {
		h.leaveRoom(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, err := r.doc.EncodeState()
	if err != nil {
		fail(err)
		return
	}
	// Joining and replying under the room lock: every update applied after this state is
	// queued behind the reply.
	r.members[c] = struct{}{}
	c.room = r
	c.sendJSON(fileReadResponse{Type: TypeFileReadResponse, Success: true, FilePath: full, State: state})
	for _, p := range r.presence {
		if p.owner != c {
			c.enqueue(p.frame)
		}
	}
	c.log.WithField("file_path", full).Debug("Joined room")
}

// openRoom returns the room of full, loading the file from disk on first use.
func (h *Hub) openRoom(full string) (*room, error) {
	h.mu.RLock()
	r, ok := h.rooms[full]
	closed := h.closed
	h.mu.RUnlock()
	if ok {
		return r, nil
	}
	if closed {
		return nil, ErrHubClosed
	}

	_, content, err := h.ws.ReadFile(full)
	if err != nil {
		return nil, err
	}
	doc, err := crdt.NewDocFromText(0, content)
	if err != nil {
		return nil, errNotUTF8
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if existing, ok := h.rooms[full]; ok {
		return existing, nil
	}
	r = newRoom(full, doc)
	h.rooms[full] = r
	h.metrics.DocumentCreated(h.port)
	h.log.WithField("file_path", full).Info("Room document created")
	return r, nil
}

// joinedRoom returns c's current room if it is the room of path.
func (h *Hub) joinedRoom(c *Client, path string) (*room, error) {
	full, err := h.ws.Resolve(path)
	if err != nil {
		return nil, err
	}
	if c.room == nil || c.room.path != full {
		return nil, errNotInRoom
	}
	return c.room, nil
}

func (h *Hub) handleUpdate(c *Client, m UpdateMessage) {
	r, err := h.joinedRoom(c, m.FilePath)
	if err != nil {
		c.sendError(err)
		return
	}
	frame, err := json.Marshal(deltaFrame{Type: TypeUpdate, FilePath: r.path, Delta: m.Delta})
	if err != nil {
		c.sendError(err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.doc.ApplyEncoded(m.Delta); err != nil {
		h.metrics.Malformed(h.port)
		c.log.WithError(err).WithField("file_path", r.path).Warn("Rejected document update")
		c.sendError(err)
		return
	}
	r.broadcastLocked(frame, c)
}

func (h *Hub) handleAwareness(c *Client, m AwarenessMessage) {
	r, err := h.joinedRoom(c, m.FilePath)
	if err != nil {
		c.sendError(err)
		return
	}
	st, err := decodeAwareness(m.Delta)
	if err != nil {
		h.metrics.Malformed(h.port)
		c.sendError(err)
		return
	}
	frame, err := json.Marshal(deltaFrame{Type: TypeAwarenessUpdate, FilePath: r.path, Delta: m.Delta})
	if err != nil {
		c.sendError(err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[st.ClientID]; ok && p.owner != c {
		c.sendError(fmt.Errorf("%w: awareness client %d belongs to another connection", errMalformedMessage, st.ClientID))
		return
	}
	if st.removed() {
		delete(r.presence, st.ClientID)
	} else {
		r.presence[st.ClientID] = presenceEntry{owner: c, frame: frame}
	}
	r.broadcastLocked(frame, c)
}

// handleWrite saves the materialized text of an open document. Edits keep flowing while
// the file is written; errors go only to the requester.
func (h *Hub) handleWrite(c *Client, m WriteRequest) {
	full, err := h.ws.Resolve(m.FilePath)
	if err == nil {
		h.mu.RLock()
		r, ok := h.rooms[full]
		h.mu.RUnlock()
		if !ok {
			err = errNotOpen
		} else {
			err = h.ws.WriteFile(full, r.doc.Text())
		}
	}
	logCtx := c.log.WithField("file_path", m.FilePath)
	if err != nil {
		logCtx.WithError(err).Warn("Save failed")
		c.sendJSON(writeResponse{Type: TypeWriteResponse, FilePath: m.FilePath, Error: h.clientError(err)})
		return
	}
	logCtx.Info("File saved")
	c.sendJSON(writeResponse{Type: TypeWriteResponse, Success: true, FilePath: full})
}

func (h *Hub) handleLeave(c *Client, m LeaveRequest) {
	full, err := h.ws.Resolve(m.Path)
	if err != nil || c.room == nil || c.room.path != full {
		return
	}
	h.leaveRoom(c)
}

func (h *Hub) leaveRoom(c *Client) {
	if c.room == nil {
		return
	}
	r := c.room
	c.room = nil
	r.leave(c)
}

// clientError turns err into a message safe to show a guest.
func (h *Hub) clientError(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "file not found"
	case errors.Is(err, service.ErrPathOutsideRoot),
		errors.Is(err, service.ErrNotAFile),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, errNotInRoom),
		errors.Is(err, errNotOpen),
		errors.Is(err, errNotUTF8),
		errors.Is(err, ErrHubClosed),
		errors.Is(err, errMalformedMessage),
		errors.Is(err, crdt.ErrMalformedUpdate),
		errors.Is(err, crdt.ErrPendingLimit):
		return err.Error()
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	default:
		return "internal error"
	}
}
