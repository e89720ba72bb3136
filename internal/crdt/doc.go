// Package crdt implements the replicated text buffer shared by the peers of a room.
//
// The buffer is a replicated growable array: every character gets a unique ID and is
// placed after an origin character; concurrent inserts after the same origin are ordered
// by descending ID. Deleted characters stay as tombstones so they can still serve as
// origins. Updates are commutative and idempotent, and inserts whose origin has not been
// seen yet are held back until it arrives.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// maxPendingDeletes bounds tombstones recorded for characters not seen yet.
	maxPendingDeletes = 1 << 20
	// maxPendingInserts bounds inserts held back for a missing origin.
	maxPendingInserts = 1 << 14
)

// ErrPendingLimit is returned for updates that would hold back more inserts than allowed.
var ErrPendingLimit = errors.New("crdt: too many inserts waiting for their origin")

type item struct {
	id      ID
	origin  ID
	r       rune
	deleted bool
}

// Doc is one replica of a text buffer. It is safe for concurrent use.
type Doc struct {
	mu     sync.RWMutex
	client uint64
	clock  uint64

	items []*item
	ids   map[ID]*item

	pending        []InsertOp
	pendingDeletes map[ID]struct{}
}

// NewClientID returns a random non-zero replica id.
func NewClientID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("crdt: read random client id: %v", err))
		}
		if id := binary.BigEndian.Uint64(b[:]) >> 11; id != 0 {
			// Kept below 2^53 so browser peers can hold it as a number.
			return id
		}
	}
}

// NewDoc creates an empty replica. client 0 picks a random id.
func NewDoc(client uint64) *Doc {
	if client == 0 {
		client = NewClientID()
	}
	return &Doc{
		client:         client,
		ids:            make(map[ID]*item),
		pendingDeletes: make(map[ID]struct{}),
	}
}

// NewDocFromText creates a replica holding text as a single insert.
func NewDocFromText(client uint64, text string) (*Doc, error) {
	d := NewDoc(client)
	if _, err := d.Insert(0, text); err != nil {
		return nil, err
	}
	return d, nil
}

// ClientID returns the replica id used for local edits.
func (d *Doc) ClientID() uint64 { return d.client }

// Text materializes the visible characters.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sb strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			sb.WriteRune(it.r)
		}
	}
	return sb.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visibleLen()
}

func (d *Doc) visibleLen() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// visibleIndex returns the items index of the pos-th visible character.
func (d *Doc) visibleIndex(pos int) int {
	seen := 0
	for i, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return -1
}

// Insert adds text before the pos-th visible character and returns the update to send to
// other replicas.
func (d *Doc) Insert(pos int, text string) (Update, error) {
	if !utf8.ValidString(text) {
		return Update{}, fmt.Errorf("crdt: insert text is not valid UTF-8")
	}
	if text == "" {
		return Update{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos < 0 || pos > d.visibleLen() {
		return Update{}, fmt.Errorf("crdt: insert position %d out of range", pos)
	}
	origin := head
	if pos > 0 {
		origin = d.items[d.visibleIndex(pos-1)].id
	}
	op := InsertOp{ID: ID{Clock: d.clock + 1, Client: d.client}, Origin: origin, Text: text}
	d.integrateInsert(op)
	return Update{Inserts: []InsertOp{op}}, nil
}

// Delete removes n visible characters starting at pos and returns the update.
func (d *Doc) Delete(pos, n int) (Update, error) {
	if n == 0 {
		return Update{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos < 0 || n < 0 || pos+n > d.visibleLen() {
		return Update{}, fmt.Errorf("crdt: delete range [%d,%d) out of range", pos, pos+n)
	}
	var u Update
	start := d.visibleIndex(pos)
	removed := 0
	for i := start; i < len(d.items) && removed < n; i++ {
		it := d.items[i]
		if it.deleted {
			continue
		}
		it.deleted = true
		removed++
		u.Deletes = appendDelete(u.Deletes, it.id)
	}
	return u, nil
}

func appendDelete(ops []DeleteOp, id ID) []DeleteOp {
	if n := len(ops); n > 0 {
		last := &ops[n-1]
		if last.ID.Client == id.Client && last.ID.Clock+last.Len == id.Clock {
			last.Len++
			return ops
		}
	}
	return append(ops, DeleteOp{ID: id, Len: 1})
}

// Apply validates u and merges it into the replica. Invalid updates leave the replica
// untouched.
func (d *Doc) Apply(u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(u)
}

// ApplyEncoded decodes, validates and applies an encoded update.
func (d *Doc) ApplyEncoded(b []byte) (Update, error) {
	u, err := DecodeUpdate(b)
	if err != nil {
		return Update{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.apply(u); err != nil {
		return Update{}, err
	}
	return u, nil
}

func (d *Doc) apply(u Update) error {
	if len(d.pending)+len(u.Inserts) > maxPendingInserts && len(d.pending)+d.orphans(u) > maxPendingInserts {
		return ErrPendingLimit
	}
	for _, op := range u.Inserts {
		if !d.integrateInsert(op) {
			d.pending = append(d.pending, op)
		}
	}
	for _, op := range u.Deletes {
		for k := uint64(0); k < op.Len; k++ {
			id := ID{Clock: op.ID.Clock + k, Client: op.ID.Client}
			if it, ok := d.ids[id]; ok {
				it.deleted = true
			} else if len(d.pendingDeletes) < maxPendingDeletes {
				d.pendingDeletes[id] = struct{}{}
			}
		}
	}
	d.flushPending()
	return nil
}

// orphans counts the inserts of u that would stay held back after u is applied, not
// counting inserts already waiting that u might release.
func (d *Doc) orphans(u Update) int {
	placed := make(map[ID]struct{})
	waiting := append([]InsertOp(nil), u.Inserts...)
	for progress := true; progress && len(waiting) > 0; {
		progress = false
		kept := waiting[:0]
		for _, op := range waiting {
			_, known := d.ids[op.Origin]
			_, inUpdate := placed[op.Origin]
			if op.Origin != head && !known && !inUpdate {
				kept = append(kept, op)
				continue
			}
			n := uint64(utf8.RuneCountInString(op.Text))
			for k := uint64(0); k < n; k++ {
				placed[ID{Clock: op.ID.Clock + k, Client: op.ID.Client}] = struct{}{}
			}
			progress = true
		}
		waiting = kept
	}
	return len(waiting)
}

// flushPending retries held-back inserts until no more of them can be placed.
func (d *Doc) flushPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		kept := d.pending[:0]
		for _, op := range d.pending {
			if d.integrateInsert(op) {
				progress = true
			} else {
				kept = append(kept, op)
			}
		}
		d.pending = kept
	}
}

// integrateInsert places every rune of op. It returns false, changing nothing, when the
// origin is unknown.
func (d *Doc) integrateInsert(op InsertOp) bool {
	prev := -1
	if op.Origin != head {
		it, ok := d.ids[op.Origin]
		if !ok {
			return false
		}
		prev = d.indexOf(it)
	}
	k := 0
	for _, r := range op.Text {
		id := op.ID.next(k)
		origin := op.Origin
		if k > 0 {
			origin = op.ID.next(k - 1)
		}
		if existing, ok := d.ids[id]; ok {
			prev = d.indexOf(existing)
		} else {
			prev = d.integrate(&item{id: id, origin: origin, r: r}, prev)
		}
		k++
	}
	if last := op.ID.Clock + uint64(k) - 1; last > d.clock {
		d.clock = last
	}
	return true
}

// integrate inserts it after the item at index originIdx (-1 for the head), skipping the
// concurrent siblings that sort before it, and returns its index.
func (d *Doc) integrate(it *item, originIdx int) int {
	i := originIdx + 1
	for i < len(d.items) && d.items[i].id.after(it.id) {
		i++
	}
	d.items = append(d.items, nil)
	copy(d.items[i+1:], d.items[i:])
	d.items[i] = it
	d.ids[it.id] = it
	if _, ok := d.pendingDeletes[it.id]; ok {
		it.deleted = true
		delete(d.pendingDeletes, it.id)
	}
	return i
}

func (d *Doc) indexOf(target *item) int {
	for i, it := range d.items {
		if it == target {
			return i
		}
	}
	return -1
}

// StateUpdate returns the whole replica, tombstones and held-back operations included,
// as one update.
func (d *Doc) StateUpdate() Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var u Update
	var run []rune
	var cur InsertOp
	flush := func() {
		if len(run) > 0 {
			cur.Text = string(run)
			u.Inserts = append(u.Inserts, cur)
			run = run[:0]
		}
	}
	var last *item
	for _, it := range d.items {
		continues := last != nil && len(run) > 0 &&
			it.id == last.id.next(1) && it.origin == last.id
		if !continues {
			flush()
			cur = InsertOp{ID: it.id, Origin: it.origin}
		}
		run = append(run, it.r)
		if it.deleted {
			u.Deletes = appendDelete(u.Deletes, it.id)
		}
		last = it
	}
	flush()

	u.Inserts = append(u.Inserts, d.pending...)
	for id := range d.pendingDeletes {
		u.Deletes = append(u.Deletes, DeleteOp{ID: id, Len: 1})
	}
	return u
}

// EncodeState serializes the whole replica for a peer that joins late.
func (d *Doc) EncodeState() ([]byte, error) {
	return EncodeUpdate(d.StateUpdate())
}

// ApplyState merges a state produced by EncodeState.
func (d *Doc) ApplyState(b []byte) error {
	_, err := d.ApplyEncoded(b)
	return err
}
