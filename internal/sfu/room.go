package sfu

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonas/confab/internal/media"
	"github.com/jonas/confab/internal/timers"
)

type RoomState string

const (
	RoomStateInitializing RoomState = "initializing"
	RoomStateReady        RoomState = "ready"
	RoomStateClosed       RoomState = "closed"
)

// RoomConfig is supplied by the creating party; zero values fall back to the
// server defaults.
type RoomConfig struct {
	MaxPeers                  int  `json:"maxPeers"`
	MaxRoomDurationMinutes    int  `json:"maxRoomDurationMinutes"`
	TimeOutNoParticipantsSecs int  `json:"timeOutNoParticipantsSecs"`
	CloseRoomOnPeerCount      int  `json:"closeRoomOnPeerCount"`
	GuestsAllowMic            bool `json:"guestsAllowMic"`
	GuestsAllowCamera         bool `json:"guestsAllowCamera"`
	IsRecorded                bool `json:"isRecorded"`
	CloseOnRecordingFailed    bool `json:"closeOnRecordingFailed"`
}

type roomMember struct {
	peer *Peer
	// joinInstance distinguishes successive joins by the same tracking id so
	// the recording subsystem can discard stale linkage.
	joinInstance string
}

// Room is one active SFU session. All of its media objects are created
// through the router handle, which pins the room to a single worker.
type Room struct {
	ID         string
	TrackingID string
	Token      string
	Config     RoomConfig
	CreatedAt  time.Time
	Timers     *timers.Table

	router media.Router

	mu             sync.RWMutex
	state          RoomState
	members        map[string]*roomMember
	closeOnce      sync.Once
	closeListeners []func(roomID, reason string)
}

func NewRoom(id, trackingID, roomToken string, cfg RoomConfig, router media.Router) *Room {
	return &Room{
		ID:         id,
		TrackingID: trackingID,
		Token:      roomToken,
		Config:     cfg,
		CreatedAt:  time.Now(),
		Timers:     timers.NewTable(),
		router:     router,
		state:      RoomStateReady,
		members:    make(map[string]*roomMember),
	}
}

func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) Router() media.Router {
	return r.router
}

// OnClosed registers a listener invoked exactly once when the room closes.
func (r *Room) OnClosed(fn func(roomID, reason string)) {
	r.mu.Lock()
	r.closeListeners = append(r.closeListeners, fn)
	r.mu.Unlock()
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) addPeer(p *Peer) (joinInstance string, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RoomStateReady {
		return "", Errf(ErrRoomNotReady, "room %s is %s", r.ID, r.state)
	}
	if r.Config.MaxPeers > 0 && len(r.members) >= r.Config.MaxPeers {
		return "", Errf(ErrRoomFull, "room %s is full", r.ID)
	}
	joinInstance = uuid.New().String()
	r.members[p.ID] = &roomMember{peer: p, joinInstance: joinInstance}
	return joinInstance, nil
}

func (r *Room) removePeer(peerID string) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[peerID]; !ok {
		return len(r.members), false
	}
	delete(r.members, peerID)
	return len(r.members), true
}

func (r *Room) member(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.members[peerID]; ok {
		return m.peer
	}
	return nil
}

// peersSnapshot copies the membership list so callers can iterate and send
// without holding the room lock.
func (r *Room) peersSnapshot(excludeIDs ...string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.members))
	for id, m := range r.members {
		excluded := false
		for _, ex := range excludeIDs {
			if id == ex {
				excluded = true
				break
			}
		}
		if !excluded {
			peers = append(peers, m.peer)
		}
	}
	return peers
}

func (r *Room) memberInfos(excludeIDs ...string) []PeerInfo {
	peers := r.peersSnapshot(excludeIDs...)
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.info())
	}
	return infos
}

func (r *Room) broadcast(msgType string, payload any, excludeIDs ...string) {
	for _, p := range r.peersSnapshot(excludeIDs...) {
		p.Send(msgType, payload)
	}
}

// Close is idempotent: it clears all timers, force-closes every member's
// media resources, releases the router and fires the close listeners exactly
// once. The roomClosed notice goes to the peers that were members at the
// moment of closing.
func (r *Room) Close(reason string) {
	r.closeOnce.Do(func() {
		r.Timers.StopAll()

		r.mu.Lock()
		r.state = RoomStateClosed
		members := make([]*Peer, 0, len(r.members))
		for _, m := range r.members {
			members = append(members, m.peer)
		}
		r.members = make(map[string]*roomMember)
		listeners := r.closeListeners
		r.closeListeners = nil
		r.mu.Unlock()

		notice := RoomClosedNotice{RoomID: r.ID, Reason: reason}
		for _, p := range members {
			p.detachRoom()
			p.Send(MsgRoomClosed, notice)
		}

		r.router.Close()

		for _, fn := range listeners {
			fn(r.ID, reason)
		}
	})
}
