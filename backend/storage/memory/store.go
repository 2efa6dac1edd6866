package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/roommesh/backend/model"
)

var (
	ErrRoomIsFull         = errors.New("room is full")
	ErrRoomNotFound       = errors.New("room is not found")
	ErrNotAMember         = errors.New("participant is not a member of this room")
	ErrUnknownParticipant = errors.New("participant is not connected")
)

type room struct {
	members map[string]struct{}
	masters []model.Candidacy
}

// MemStore tracks participants, room membership and master candidates of one namespace.
type MemStore struct {
	mx           *sync.Mutex
	participants map[string]model.Participant
	db           map[string]*room
	// maxParticipants of 0 means unlimited.
	maxParticipants int
	now             func() time.Time
}

func NewMemStore(maxParticipants int) *MemStore {
	return &MemStore{
		mx:              &sync.Mutex{},
		participants:    make(map[string]model.Participant),
		db:              make(map[string]*room),
		maxParticipants: maxParticipants,
		now:             time.Now,
	}
}

// Connect records a socket before it has registered.
func (ms *MemStore) Connect(socketID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.participants[socketID] = model.Participant{SocketID: socketID, ConnectedAt: ms.now()}
}

// Register attaches identity to a connected socket. Re-registering overwrites it.
func (ms *MemStore) Register(socketID, name, sessionToken string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	p, ok := ms.participants[socketID]
	if !ok {
		return ErrUnknownParticipant
	}
	p.Name = name
	p.SessionToken = sessionToken
	ms.participants[socketID] = p
	return nil
}

func (ms *MemStore) Participant(socketID string) (model.Participant, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	p, ok := ms.participants[socketID]
	return p, ok
}

func (ms *MemStore) JoinRoom(roomID, socketID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.participants[socketID]; !ok {
		return ErrUnknownParticipant
	}
	r, ok := ms.db[roomID]
	if !ok {
		ms.db[roomID] = &room{members: map[string]struct{}{socketID: {}}}
		return nil
	}
	if _, ok = r.members[socketID]; ok {
		return nil
	}
	if ms.maxParticipants > 0 && len(r.members) >= ms.maxParticipants {
		return ErrRoomIsFull
	}
	r.members[socketID] = struct{}{}
	return nil
}

// LeaveRoom drops membership and candidacy. Empty rooms are destroyed.
func (ms *MemStore) LeaveRoom(roomID, socketID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok = r.members[socketID]; !ok {
		return ErrNotAMember
	}
	ms.leave(roomID, r, socketID)
	return nil
}

// Disconnect forgets the socket and returns rooms it was removed from.
func (ms *MemStore) Disconnect(socketID string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	delete(ms.participants, socketID)

	var left []string
	for id, r := range ms.db {
		if _, ok := r.members[socketID]; ok {
			ms.leave(id, r, socketID)
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

func (ms *MemStore) leave(roomID string, r *room, socketID string) {
	delete(r.members, socketID)
	masters := r.masters[:0]
	for _, c := range r.masters {
		if c.SocketID != socketID {
			masters = append(masters, c)
		}
	}
	r.masters = masters
	if len(r.members) == 0 {
		delete(ms.db, roomID)
	}
}

// AddCandidate records a master candidacy. Several masters per room may coexist;
// they are kept in announcement order and a repeated announcement only refreshes features.
func (ms *MemStore) AddCandidate(roomID, socketID string, features []string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok = r.members[socketID]; !ok {
		return ErrNotAMember
	}
	features = append([]string{}, features...)
	for i := range r.masters {
		if r.masters[i].SocketID == socketID {
			r.masters[i].Features = features
			return nil
		}
	}
	r.masters = append(r.masters, model.Candidacy{
		SocketID: socketID,
		Name:     ms.participants[socketID].Name,
		Features: features,
		At:       ms.now(),
	})
	return nil
}

func (ms *MemStore) Masters(roomID string) []model.Candidacy {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	r, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	return append([]model.Candidacy{}, r.masters...)
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return ms.snapshot(roomID, r), nil
}

// Rooms returns a snapshot of every room sorted by id.
func (ms *MemStore) Rooms() []*model.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	out := make([]*model.Room, 0, len(ms.db))
	for id, r := range ms.db {
		out = append(out, ms.snapshot(id, r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ms *MemStore) snapshot(roomID string, r *room) *model.Room {
	snap := &model.Room{
		ID:           roomID,
		Participants: make(map[string]model.Participant, len(r.members)),
		Masters:      append([]model.Candidacy{}, r.masters...),
	}
	for id := range r.members {
		snap.Participants[id] = ms.participants[id]
	}
	return snap
}
