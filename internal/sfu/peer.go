package sfu

import (
	"sync"

	"github.com/jonas/confab/internal/media"
	"github.com/jonas/confab/internal/timers"
	"github.com/jonas/confab/internal/token"
)

// Sender delivers messages to one connected client. Implementations must be
// safe for concurrent use; the websocket implementation serializes writes
// behind a mutex.
type Sender interface {
	Send(msgType string, payload any) error
	Close()
}

// ClientType tags how a peer negotiates media.
const (
	ClientTypeSFU = "sfu"
	ClientTypeSDP = "sdp"
)

type consumerKey struct {
	remotePeerID string
	kind         media.Kind
}

// Peer is one registered connection at the room layer. A Peer belongs to at
// most one Room at a time; its transports, producers and consumers are all
// empty whenever it is not joined.
type Peer struct {
	ID          string
	TrackingID  string
	Username    string
	DisplayName string
	Role        token.Role
	ClientType  string
	Timers      *timers.Table

	mu                sync.RWMutex
	sender            Sender
	roomID            string
	joinInstance      string
	tracks            TracksInfo
	producerTransport media.Transport
	consumerTransport media.Transport
	producers         map[media.Kind]media.Producer
	consumers         map[consumerKey]media.Consumer
}

func NewPeer(id, trackingID, username, displayName string, role token.Role, clientType string, sender Sender) *Peer {
	if clientType == "" {
		clientType = ClientTypeSFU
	}
	return &Peer{
		ID:          id,
		TrackingID:  trackingID,
		Username:    username,
		DisplayName: displayName,
		Role:        role,
		ClientType:  clientType,
		Timers:      timers.NewTable(),
		sender:      sender,
		producers:   make(map[media.Kind]media.Producer),
		consumers:   make(map[consumerKey]media.Consumer),
	}
}

func (p *Peer) Send(msgType string, payload any) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()
	if sender != nil {
		sender.Send(msgType, payload)
	}
}

func (p *Peer) SendError(msgType, code, message string) {
	p.Send(msgType, ErrorResult{Error: &Error{Code: code, Message: message}})
}

// CloseSender tears down the underlying connection, if any.
func (p *Peer) CloseSender() {
	p.mu.Lock()
	sender := p.sender
	p.sender = nil
	p.mu.Unlock()
	if sender != nil {
		sender.Close()
	}
}

func (p *Peer) RoomID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roomID
}

func (p *Peer) JoinInstance() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joinInstance
}

func (p *Peer) attachRoom(roomID, joinInstance string) {
	p.mu.Lock()
	p.roomID = roomID
	p.joinInstance = joinInstance
	p.mu.Unlock()
}

// detachRoom clears the room reference and closes all media, upholding the
// invariant that an unjoined peer holds no media resources.
func (p *Peer) detachRoom() {
	p.mu.Lock()
	p.roomID = ""
	p.joinInstance = ""
	p.mu.Unlock()
	p.CloseMedia()
}

func (p *Peer) Tracks() TracksInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracks
}

func (p *Peer) setTracks(info TracksInfo) {
	p.mu.Lock()
	p.tracks = info
	p.mu.Unlock()
}

func (p *Peer) setTransport(producing bool, t media.Transport) (old media.Transport) {
	p.mu.Lock()
	if producing {
		old = p.producerTransport
		p.producerTransport = t
	} else {
		old = p.consumerTransport
		p.consumerTransport = t
	}
	p.mu.Unlock()
	return old
}

func (p *Peer) transport(producing bool) media.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if producing {
		return p.producerTransport
	}
	return p.consumerTransport
}

func (p *Peer) producer(kind media.Kind) media.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producers[kind]
}

func (p *Peer) producerByID(id string) media.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, prod := range p.producers {
		if prod.ID() == id {
			return prod
		}
	}
	return nil
}

func (p *Peer) addProducer(prod media.Producer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.producers[prod.Kind()]; exists {
		return false
	}
	p.producers[prod.Kind()] = prod
	return true
}

func (p *Peer) removeProducer(kind media.Kind) media.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[kind]
	if !ok {
		return nil
	}
	delete(p.producers, kind)
	return prod
}

func (p *Peer) producerInfos() []ProducerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	infos := make([]ProducerInfo, 0, len(p.producers))
	for _, prod := range p.producers {
		infos = append(infos, ProducerInfo{ProducerID: prod.ID(), Kind: prod.Kind()})
	}
	return infos
}

func (p *Peer) hasConsumer(remotePeerID string, kind media.Kind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.consumers[consumerKey{remotePeerID, kind}]
	return ok
}

func (p *Peer) addConsumer(remotePeerID string, c media.Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := consumerKey{remotePeerID, c.Kind()}
	if _, exists := p.consumers[key]; exists {
		return false
	}
	p.consumers[key] = c
	return true
}

// closeConsumersOf closes this peer's consumers of the given remote peer and
// returns them so the caller can notify the client.
func (p *Peer) closeConsumersOf(remotePeerID string) []media.Consumer {
	p.mu.Lock()
	closed := make([]media.Consumer, 0, 2)
	for key, c := range p.consumers {
		if key.remotePeerID == remotePeerID {
			delete(p.consumers, key)
			closed = append(closed, c)
		}
	}
	p.mu.Unlock()

	for _, c := range closed {
		c.Close()
	}
	return closed
}

// CloseMedia closes all of the peer's consumers, producers and transports.
// Safe to call repeatedly.
func (p *Peer) CloseMedia() {
	p.mu.Lock()
	consumers := p.consumers
	producers := p.producers
	pt := p.producerTransport
	ct := p.consumerTransport
	p.consumers = make(map[consumerKey]media.Consumer)
	p.producers = make(map[media.Kind]media.Producer)
	p.producerTransport = nil
	p.consumerTransport = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, prod := range producers {
		prod.Close()
	}
	if pt != nil {
		pt.Close()
	}
	if ct != nil {
		ct.Close()
	}
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		PeerID:         p.ID,
		PeerTrackingID: p.TrackingID,
		DisplayName:    p.DisplayName,
		Producers:      p.producerInfos(),
		TracksInfo:     p.Tracks(),
	}
}
