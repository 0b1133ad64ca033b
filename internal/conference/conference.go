package conference

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/timers"
	"github.com/jonas/confab/internal/token"
	"golang.org/x/crypto/bcrypt"
)

type Type string

const (
	TypeP2P  Type = "p2p"
	TypeRoom Type = "room"
)

type Status string

// Status only moves forward; a closed conference is never reopened.
const (
	StatusNone         Status = "none"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusClosed       Status = "closed"
)

// Config is the effective conference configuration after merging client
// settings with anything the schedule service knows about the external id.
// The conference code is kept as a bcrypt hash, never in the clear.
type Config struct {
	CodeHash             []byte
	GuestsAllowed        bool
	RequireCodeForGuests bool
	RequireCodeForUsers  bool
	MaxGuests            int
	MaxUsers             int
	DurationMinutes      int
}

func (c *Config) SetCode(code string) error {
	if code == "" {
		c.CodeHash = nil
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.CodeHash = hash
	return nil
}

func (c *Config) CodeProtected() bool { return len(c.CodeHash) > 0 }

// CheckCode validates the supplied code for the given role. Roles have
// independently toggled code requirements.
func (c *Config) CheckCode(role token.Role, code string) *sfu.Error {
	required := c.RequireCodeForUsers
	if role == token.RoleGuest {
		required = c.RequireCodeForGuests
	}
	if !required || !c.CodeProtected() {
		return nil
	}
	if bcrypt.CompareHashAndPassword(c.CodeHash, []byte(code)) != nil {
		return sfu.Errf(ErrInvalidCode, "wrong conference code")
	}
	return nil
}

// roomBinding is set once the backing room has been provisioned.
type roomBinding struct {
	roomID          string
	roomToken       string
	roomURI         string
	rtpCapabilities json.RawMessage
}

// Conference is one logical call. Participants join and leave through the
// server, which owns the registry; the conference only tracks membership and
// lifecycle.
type Conference struct {
	ID         string
	ExternalID string
	RoomName   string
	Type       Type
	Config     Config
	CreatedAt  time.Time
	Timers     *timers.Table

	mu             sync.RWMutex
	status         Status
	participants   map[string]*Participant
	leaderID       string
	inviteeID      string
	reachedTwo     bool
	room           roomBinding
	readyWaiters   []func(err *sfu.Error)
	closeOnce      sync.Once
	closeListeners []func(conferenceID, reason string)
}

func New(id, externalID, roomName string, confType Type, cfg Config) *Conference {
	return &Conference{
		ID:           id,
		ExternalID:   externalID,
		RoomName:     roomName,
		Type:         confType,
		Config:       cfg,
		CreatedAt:    time.Now(),
		Timers:       timers.NewTable(),
		status:       StatusInitializing,
		participants: make(map[string]*Participant),
	}
}

func (c *Conference) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Conference) Room() (roomID, roomToken, roomURI string, rtpCapabilities json.RawMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room.roomID, c.room.roomToken, c.room.roomURI, c.room.rtpCapabilities
}

func (c *Conference) LeaderID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderID
}

func (c *Conference) setInvitee(participantID string) {
	c.mu.Lock()
	c.inviteeID = participantID
	c.mu.Unlock()
}

// pendingInvitee is the invited participant while the invite is still open;
// empty once the invitee has joined.
func (c *Conference) pendingInvitee() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inviteeID
}

func (c *Conference) OnClosed(fn func(conferenceID, reason string)) {
	c.mu.Lock()
	c.closeListeners = append(c.closeListeners, fn)
	c.mu.Unlock()
}

// setReady binds the provisioned room and releases every accept that was
// waiting for it. No-op unless the conference is still initializing.
func (c *Conference) setReady(roomID, roomToken, roomURI string, rtpCapabilities json.RawMessage) bool {
	c.mu.Lock()
	if c.status != StatusInitializing {
		c.mu.Unlock()
		return false
	}
	c.status = StatusReady
	c.room = roomBinding{roomID: roomID, roomToken: roomToken, roomURI: roomURI, rtpCapabilities: rtpCapabilities}
	waiters := c.readyWaiters
	c.readyWaiters = nil
	c.mu.Unlock()

	c.Timers.Disarm(timers.SlotRoomInit)
	for _, fn := range waiters {
		fn(nil)
	}
	return true
}

// awaitReady calls fn exactly once: immediately when the conference is
// already ready or closed, on the ready transition, or with a timeout error
// if the room never comes up within d.
func (c *Conference) awaitReady(d time.Duration, fn func(err *sfu.Error)) {
	var once sync.Once
	fire := func(err *sfu.Error) { once.Do(func() { fn(err) }) }

	c.mu.Lock()
	switch c.status {
	case StatusReady:
		c.mu.Unlock()
		fire(nil)
		return
	case StatusClosed:
		c.mu.Unlock()
		fire(sfu.Errf(ErrConferenceNotFound, "conference %s is closed", c.ID))
		return
	}
	c.readyWaiters = append(c.readyWaiters, fire)
	c.mu.Unlock()

	time.AfterFunc(d, func() {
		fire(sfu.Errf(sfu.ErrUpstreamFailure, "conference %s did not become ready in time", c.ID))
	})
}

func (c *Conference) addParticipant(p *Participant) *sfu.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusClosed {
		return sfu.Errf(ErrConferenceNotFound, "conference %s is closed", c.ID)
	}
	if _, ok := c.participants[p.ID]; ok {
		return sfu.Errf(ErrAlreadyInConference, "participant already in conference")
	}
	limit := c.Config.MaxGuests + c.Config.MaxUsers
	if c.Type == TypeP2P {
		limit = 2
	}
	if limit > 0 && len(c.participants) >= limit {
		return sfu.Errf(ErrConferenceFull, "conference %s is full", c.ID)
	}
	c.participants[p.ID] = p
	if c.leaderID == "" {
		c.leaderID = p.ID
	}
	if c.inviteeID == p.ID {
		c.inviteeID = ""
	}
	if len(c.participants) >= 2 {
		c.reachedTwo = true
	}
	return nil
}

// removeParticipant reports how many remain and whether the p2p auto-close
// rule now applies (count dropped to <=1 after having reached 2).
func (c *Conference) removeParticipant(participantID string) (remaining int, removed, autoClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.participants[participantID]; !ok {
		return len(c.participants), false, false
	}
	delete(c.participants, participantID)
	remaining = len(c.participants)
	autoClose = c.Type == TypeP2P && c.reachedTwo && remaining <= 1
	return remaining, true, autoClose
}

func (c *Conference) participantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.participants)
}

func (c *Conference) participantsSnapshot(excludeIDs ...string) []*Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Participant, 0, len(c.participants))
	for id, p := range c.participants {
		excluded := false
		for _, ex := range excludeIDs {
			if id == ex {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conference) roster() []ParticipantInfo {
	participants := c.participantsSnapshot()
	infos := make([]ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		infos = append(infos, p.info())
	}
	return infos
}

func (c *Conference) broadcast(msgType string, payload any, excludeIDs ...string) {
	for _, p := range c.participantsSnapshot(excludeIDs...) {
		p.Send(msgType, payload)
	}
}

func (c *Conference) info() ConferenceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConferenceInfo{
		ConferenceID:     c.ID,
		RoomName:         c.RoomName,
		Type:             c.Type,
		Status:           c.status,
		ParticipantCount: len(c.participants),
		CodeProtected:    c.Config.CodeProtected(),
	}
}

// Close is idempotent. It fails pending accepts, notifies the participants
// that were members at close time and fires the close listeners exactly once.
func (c *Conference) Close(reason string) {
	c.closeOnce.Do(func() {
		c.Timers.StopAll()

		c.mu.Lock()
		c.status = StatusClosed
		members := make([]*Participant, 0, len(c.participants))
		for _, p := range c.participants {
			members = append(members, p)
		}
		c.participants = make(map[string]*Participant)
		waiters := c.readyWaiters
		c.readyWaiters = nil
		listeners := c.closeListeners
		c.closeListeners = nil
		c.mu.Unlock()

		for _, fn := range waiters {
			fn(sfu.Errf(ErrConferenceNotFound, "conference %s closed: %s", c.ID, reason))
		}

		notice := ConferenceClosedNotice{ConferenceID: c.ID, Reason: reason}
		for _, p := range members {
			p.setConference("")
			p.Send(MsgConferenceClosed, notice)
		}

		for _, fn := range listeners {
			fn(c.ID, reason)
		}
	})
}
