package conference

import (
	"sync"

	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/timers"
	"github.com/jonas/confab/internal/token"
)

// Participant is one registered connection at the signaling layer. Unlike a
// room peer, a participant survives a socket drop for the reconnect grace
// window; only the sender is swapped on reattach.
type Participant struct {
	ID          string
	TrackingID  string
	Username    string
	Role        token.Role
	Timers      *timers.Table

	mu           sync.RWMutex
	displayName  string
	sender       sfu.Sender
	conferenceID string
}

func NewParticipant(id, trackingID, username, displayName string, role token.Role, sender sfu.Sender) *Participant {
	return &Participant{
		ID:          id,
		TrackingID:  trackingID,
		Username:    username,
		Role:        role,
		Timers:      timers.NewTable(),
		displayName: displayName,
		sender:      sender,
	}
}

func (p *Participant) Send(msgType string, payload any) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()
	if sender != nil {
		sender.Send(msgType, payload)
	}
}

func (p *Participant) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

func (p *Participant) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sender != nil
}

// attachSender swaps in a new connection (reconnect) and returns the old one
// so the caller can close it.
func (p *Participant) attachSender(sender sfu.Sender, displayName string) sfu.Sender {
	p.mu.Lock()
	old := p.sender
	p.sender = sender
	if displayName != "" {
		p.displayName = displayName
	}
	p.mu.Unlock()
	return old
}

// detachSender clears the connection without forgetting the participant,
// starting the reconnect grace window.
func (p *Participant) detachSender() sfu.Sender {
	p.mu.Lock()
	old := p.sender
	p.sender = nil
	p.mu.Unlock()
	return old
}

func (p *Participant) ConferenceID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conferenceID
}

func (p *Participant) setConference(conferenceID string) {
	p.mu.Lock()
	p.conferenceID = conferenceID
	p.mu.Unlock()
}

func (p *Participant) info() ParticipantInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ParticipantInfo{
		ParticipantID: p.ID,
		DisplayName:   p.displayName,
		Online:        p.sender != nil,
		InConference:  p.conferenceID != "",
	}
}
