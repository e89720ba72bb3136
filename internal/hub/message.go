package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// Channel message types.
const (
	TypeTree             = "tree"
	TypeTreeResponse     = "tree:response"
	TypeFileRead         = "file:read"
	TypeFileReadResponse = "file:read:response"
	TypeUpdate           = "update"
	TypeAwarenessUpdate  = "awareness:update"
	TypeWrite            = "write"
	TypeWriteResponse    = "write:response"
	TypeLeave            = "leave"
	TypeError            = "error"
)

var errMalformedMessage = errors.New("malformed message")

// Message is one decoded inbound frame. The concrete types below are the only variants.
type Message interface {
	messageType() string
}

type TreeRequest struct{}

type FileReadRequest struct {
	Path string
}

// UpdateMessage carries an encoded document update for one file.
type UpdateMessage struct {
	FilePath string
	Delta    []byte
}

// AwarenessMessage carries an encoded presence change for one file.
type AwarenessMessage struct {
	FilePath string
	Delta    []byte
}

type WriteRequest struct {
	FilePath string
}

type LeaveRequest struct {
	Path string
}

func (TreeRequest) messageType() string      { return TypeTree }
func (FileReadRequest) messageType() string  { return TypeFileRead }
func (UpdateMessage) messageType() string    { return TypeUpdate }
func (AwarenessMessage) messageType() string { return TypeAwarenessUpdate }
func (WriteRequest) messageType() string     { return TypeWrite }
func (LeaveRequest) messageType() string     { return TypeLeave }

// envelope is the wire shape of every frame. Delta travels as base64.
type envelope struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Delta    []byte `json:"delta,omitempty"`
}

// DecodeMessage parses and validates an inbound frame.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	requirePath := func(p string) (string, error) {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("%w: %s needs a path", errMalformedMessage, env.Type)
		}
		return p, nil
	}
	switch env.Type {
	case TypeTree:
		return TreeRequest{}, nil
	case TypeFileRead:
		p, err := requirePath(firstNonEmpty(env.Path, env.FilePath))
		if err != nil {
			return nil, err
		}
		return FileReadRequest{Path: p}, nil
	case TypeUpdate, TypeAwarenessUpdate:
		p, err := requirePath(env.FilePath)
		if err != nil {
			return nil, err
		}
		if len(env.Delta) == 0 {
			return nil, fmt.Errorf("%w: %s needs a delta", errMalformedMessage, env.Type)
		}
		if env.Type == TypeUpdate {
			return UpdateMessage{FilePath: p, Delta: env.Delta}, nil
		}
		return AwarenessMessage{FilePath: p, Delta: env.Delta}, nil
	case TypeWrite:
		p, err := requirePath(env.FilePath)
		if err != nil {
			return nil, err
		}
		return WriteRequest{FilePath: p}, nil
	case TypeLeave:
		p, err := requirePath(firstNonEmpty(env.Path, env.FilePath))
		if err != nil {
			return nil, err
		}
		return LeaveRequest{Path: p}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", errMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errMalformedMessage, env.Type)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Outbound frames.

type treeResponse struct {
	Type    string            `json:"type"`
	Success bool              `json:"success"`
	Tree    []domain.FileNode `json:"tree,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type fileReadResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	FilePath string `json:"filePath"`
	State    []byte `json:"state,omitempty"`
	Error    string `json:"error,omitempty"`
}

type writeResponse struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	FilePath string `json:"filePath"`
	Error    string `json:"error,omitempty"`
}

type deltaFrame struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
	Delta    []byte `json:"delta"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// AwarenessState is the decoded awareness delta: the presence of one replication client.
// A null State removes the entry.
type AwarenessState struct {
	ClientID uint64          `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

func decodeAwareness(delta []byte) (AwarenessState, error) {
	var st AwarenessState
	if err := json.Unmarshal(delta, &st); err != nil {
		return st, fmt.Errorf("%w: awareness: %v", errMalformedMessage, err)
	}
	if st.ClientID == 0 {
		return st, fmt.Errorf("%w: awareness without clientId", errMalformedMessage)
	}
	return st, nil
}

func (st AwarenessState) removed() bool {
	s := strings.TrimSpace(string(st.State))
	return s == "" || s == "null"
}
