package chathub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meetgo/backend/internal/models"

	"github.com/lib/pq"
)

// JoinReason explains why Registry.Join refused a connection.
type JoinReason string

const (
	ReasonWrongPassword    JoinReason = "wrong-password"
	ReasonRoomNotProtected JoinReason = "room-not-protected"
)

// JoinError is an admission rejection. It never changes room state.
type JoinError struct {
	RoomID string
	Reason JoinReason
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room %q rejected: %s", e.RoomID, e.Reason)
}

// Message is the text sent to the client in join-error.
func (e *JoinError) Message() string {
	switch e.Reason {
	case ReasonWrongPassword:
		return "Incorrect room password"
	case ReasonRoomNotProtected:
		return "This room is not password-protected"
	default:
		return "Unable to join room"
	}
}

var (
	ErrNotInRoom     = errors.New("connection is not in a room")
	ErrAlreadyInRoom = errors.New("connection is already in a room")
)

// Participant is one admitted connection.
type Participant struct {
	ConnID   string
	Username string
	RoomID   string
}

type room struct {
	id       string
	secret   string
	members  map[string]Participant
	order    []string // display names in join order, for the audit row
	peak     int
	openedAt time.Time
}

// Admission is the result of a successful join.
type Admission struct {
	RoomID   string
	Existing []models.RoomUser // every other member, joiner excluded
	Count    int               // members including the joiner
	Created  bool
}

// Departure is the result of a successful leave.
type Departure struct {
	Participant Participant
	Remaining   int
	// Closed is set when the leave emptied the room, which no longer exists.
	Closed *models.RoomSession
}

// Registry is the process-wide room membership table. Every operation is
// O(room size) at worst and never blocks while holding the lock.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]string // connID -> roomID
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Join admits connID into roomID or rejects it with a *JoinError.
func (r *Registry) Join(roomID, connID, username, secret string) (Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; ok {
		return Admission{}, ErrAlreadyInRoom
	}
	if err := r.admitLocked(roomID, secret); err != nil {
		return Admission{}, err
	}
	return r.addLocked(roomID, connID, username, secret), nil
}

// Move admits connID into roomID and only then takes it out of the room it
// occupies. A rejected move leaves every room as it was. The departure is
// nil when connID was not in a room.
func (r *Registry) Move(roomID, connID, username, secret string) (Admission, *Departure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.admitLocked(roomID, secret); err != nil {
		return Admission{}, nil, err
	}

	var dep *Departure
	if _, ok := r.byConn[connID]; ok {
		d := r.leaveLocked(connID)
		dep = &d
	}
	return r.addLocked(roomID, connID, username, secret), dep, nil
}

func (r *Registry) admitLocked(roomID, secret string) error {
	rm, ok := r.rooms[roomID]
	switch {
	case !ok:
		return nil
	case rm.secret != "":
		if secret != rm.secret {
			return &JoinError{RoomID: roomID, Reason: ReasonWrongPassword}
		}
	case secret != "":
		return &JoinError{RoomID: roomID, Reason: ReasonRoomNotProtected}
	}
	return nil
}

func (r *Registry) addLocked(roomID, connID, username, secret string) Admission {
	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{
			id:       roomID,
			secret:   secret,
			members:  make(map[string]Participant),
			openedAt: r.now(),
		}
		r.rooms[roomID] = rm
	}

	existing := make([]models.RoomUser, 0, len(rm.members))
	for _, p := range rm.members {
		existing = append(existing, models.RoomUser{SocketID: p.ConnID, Username: p.Username})
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].SocketID < existing[j].SocketID })

	rm.members[connID] = Participant{ConnID: connID, Username: username, RoomID: roomID}
	rm.order = append(rm.order, username)
	if len(rm.members) > rm.peak {
		rm.peak = len(rm.members)
	}
	r.byConn[connID] = roomID

	return Admission{
		RoomID:   roomID,
		Existing: existing,
		Count:    len(rm.members),
		Created:  !exists,
	}
}

// Leave removes connID from its room and deletes the room once empty.
// Only the first call for a connection succeeds; later calls get ErrNotInRoom.
func (r *Registry) Leave(connID string) (Departure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID]; !ok {
		return Departure{}, ErrNotInRoom
	}
	return r.leaveLocked(connID), nil
}

func (r *Registry) leaveLocked(connID string) Departure {
	roomID := r.byConn[connID]
	delete(r.byConn, connID)

	rm := r.rooms[roomID]
	p := rm.members[connID]
	delete(rm.members, connID)

	dep := Departure{Participant: p, Remaining: len(rm.members)}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		dep.Closed = &models.RoomSession{
			RoomID:       roomID,
			Protected:    rm.secret != "",
			Participants: pq.StringArray(rm.order),
			PeakSize:     rm.peak,
			OpenedAt:     rm.openedAt,
			ClosedAt:     r.now(),
		}
	}
	return dep
}

// Lookup returns the membership of connID.
func (r *Registry) Lookup(connID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	return r.rooms[roomID].members[connID], true
}

// Members returns the connection IDs in roomID, sorted.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exists reports whether roomID currently has members.
func (r *Registry) Exists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// PublicRooms lists rooms without a secret.
func (r *Registry) PublicRooms() []models.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.RoomSummary, 0, len(r.rooms))
	for id, rm := range r.rooms {
		if rm.secret != "" {
			continue
		}
		out = append(out, models.RoomSummary{RoomID: id, Members: len(rm.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
