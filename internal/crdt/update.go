package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedUpdate is returned for updates that fail to decode or validate.
// A malformed update is never partially applied.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID identifies one character for the lifetime of a document. Clock is a Lamport
// timestamp starting at 1; Client is the replica that created the character.
type ID struct {
	Clock  uint64 `cbor:"1,keyasint"`
	Client uint64 `cbor:"2,keyasint"`
}

// head is the origin of characters inserted at the start of the document.
var head = ID{}

// after reports whether a sorts after b in the sibling order (greater timestamp first).
func (a ID) after(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Client > b.Client
}

func (a ID) next(n int) ID { return ID{Clock: a.Clock + uint64(n), Client: a.Client} }

// InsertOp inserts a run of characters. The first rune carries ID and is placed after
// Origin; each following rune i has ID.Clock+i and sits after rune i-1.
type InsertOp struct {
	ID     ID     `cbor:"1,keyasint"`
	Origin ID     `cbor:"2,keyasint"`
	Text   string `cbor:"3,keyasint"`
}

// DeleteOp removes the characters ID.Clock .. ID.Clock+Len-1 of client ID.Client.
type DeleteOp struct {
	ID  ID     `cbor:"1,keyasint"`
	Len uint64 `cbor:"2,keyasint"`
}

// Update is the unit of replication: a batch of inserts and deletes. Applying the same
// set of updates in any order, any number of times, yields the same document.
type Update struct {
	Inserts []InsertOp `cbor:"1,keyasint,omitempty"`
	Deletes []DeleteOp `cbor:"2,keyasint,omitempty"`
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool { return len(u.Inserts) == 0 && len(u.Deletes) == 0 }

const (
	maxOpsPerUpdate = 1 << 20
	maxRunLength    = 1 << 24
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  8,
		MaxArrayElements: maxOpsPerUpdate,
		MaxMapPairs:      16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeUpdate serializes u deterministically.
func EncodeUpdate(u Update) ([]byte, error) {
	b, err := encMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if len(b) == 0 {
		return u, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if err := decMode.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.Validate(); err != nil {
		return Update{}, err
	}
	return u, nil
}

// Validate checks the structural invariants of every operation.
func (u Update) Validate() error {
	for i, op := range u.Inserts {
		if op.ID.Clock == 0 || op.ID.Client == 0 {
			return fmt.Errorf("%w: insert %d has a zero id", ErrMalformedUpdate, i)
		}
		if (op.Origin.Clock == 0) != (op.Origin.Client == 0) {
			return fmt.Errorf("%w: insert %d has a half-set origin", ErrMalformedUpdate, i)
		}
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert %d has empty or invalid text", ErrMalformedUpdate, i)
		}
		n := utf8.RuneCountInString(op.Text)
		if n > maxRunLength || op.ID.Clock+uint64(n) < op.ID.Clock {
			return fmt.Errorf("%w: insert %d run is too long", ErrMalformedUpdate, i)
		}
		if op.Origin != head && op.Origin.Clock >= op.ID.Clock {
			return fmt.Errorf("%w: insert %d is not newer than its origin", ErrMalformedUpdate, i)
		}
	}
	for i, op := range u.Deletes {
		if op.ID.Clock == 0 || op.ID.Client == 0 || op.Len == 0 {
			return fmt.Errorf("%w: delete %d is empty", ErrMalformedUpdate, i)
		}
		if op.Len > maxRunLength || op.ID.Clock+op.Len < op.ID.Clock {
			return fmt.Errorf("%w: delete %d range overflows", ErrMalformedUpdate, i)
		}
	}
	return nil
}
