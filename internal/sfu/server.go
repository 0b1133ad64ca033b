package sfu

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/media"
	"github.com/jonas/confab/internal/timers"
	"github.com/jonas/confab/internal/token"
	"github.com/sirupsen/logrus"
)

// Recorder is the remote recording capability. Calls are best-effort; a
// produce-notification failure only matters when the room is configured to
// close on recording failure.
type Recorder interface {
	RoomStarted(roomID, roomTrackingID string) error
	ProducerStarted(roomID, joinInstance, peerTrackingID string, kind media.Kind, producerID string) error
	RoomTerminated(roomID string) error
}

type NopRecorder struct{}

func (NopRecorder) RoomStarted(string, string) error { return nil }
func (NopRecorder) ProducerStarted(string, string, string, media.Kind, string) error {
	return nil
}
func (NopRecorder) RoomTerminated(string) error { return nil }

// Server is the top-level registry of peers and rooms. Inbound messages for
// one peer are processed sequentially by its connection loop; the registry
// maps are guarded here.
type Server struct {
	cfg      *config.Config
	tokens   *token.Service
	balancer media.Balancer
	recorder Recorder
	logger   *logrus.Logger

	mu              sync.RWMutex
	peers           map[string]*Peer
	peersByTracking map[string]*Peer
	rooms           map[string]*Room
}

func NewServer(cfg *config.Config, tokens *token.Service, balancer media.Balancer, recorder Recorder, logger *logrus.Logger) *Server {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Server{
		cfg:             cfg,
		tokens:          tokens,
		balancer:        balancer,
		recorder:        recorder,
		logger:          logger,
		peers:           make(map[string]*Peer),
		peersByTracking: make(map[string]*Peer),
		rooms:           make(map[string]*Room),
	}
}

// Dispatch routes one inbound envelope. It returns the peer id the connection
// should carry forward (registration assigns it, supersession may clear it).
func (s *Server) Dispatch(sender Sender, peerID string, env Envelope) string {
	s.touchPeer(peerID)

	switch env.Type {
	case MsgRegisterPeer:
		var p RegisterPeerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRegisterPeerResult, nil, Errf(ErrInvalidMessage, "invalid registerPeer payload"))
			return peerID
		}
		result, err := s.RegisterPeer(sender, p)
		sendResult(sender, MsgRegisterPeerResult, result, err)
		if err == nil {
			return result.PeerID
		}
		return peerID

	case MsgRoomNewToken:
		var p RoomNewTokenPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomNewTokenResult, nil, Errf(ErrInvalidMessage, "invalid roomNewToken payload"))
			return peerID
		}
		result, err := s.NewRoomToken(p)
		sendResult(sender, MsgRoomNewTokenResult, result, err)
		return peerID

	case MsgRoomNew:
		var p RoomNewPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomNewResult, nil, Errf(ErrInvalidMessage, "invalid roomNew payload"))
			return peerID
		}
		result, err := s.NewRoom(p)
		sendResult(sender, MsgRoomNewResult, result, err)
		return peerID

	case MsgRoomJoin:
		var p RoomJoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomJoinResult, nil, Errf(ErrInvalidMessage, "invalid roomJoin payload"))
			return peerID
		}
		result, err := s.JoinRoom(peerID, p)
		sendResult(sender, MsgRoomJoinResult, result, err)
		return peerID

	case MsgRoomLeave:
		var p RoomLeavePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomLeaveResult, nil, Errf(ErrInvalidMessage, "invalid roomLeave payload"))
			return peerID
		}
		result, err := s.LeaveRoom(peerID, p.RoomID)
		sendResult(sender, MsgRoomLeaveResult, result, err)
		return peerID

	case MsgCreateProducerTransport:
		result, err := s.CreateTransport(peerID, true)
		sendResult(sender, MsgCreateProducerTransportResult, result, err)
		return peerID

	case MsgCreateConsumerTransport:
		result, err := s.CreateTransport(peerID, false)
		sendResult(sender, MsgCreateConsumerTransportResult, result, err)
		return peerID

	case MsgConnectProducerTransport:
		result, err := s.ConnectTransport(peerID, true, env.Data)
		sendResult(sender, MsgProducerTransportConnected, result, err)
		return peerID

	case MsgConnectConsumerTransport:
		result, err := s.ConnectTransport(peerID, false, env.Data)
		sendResult(sender, MsgConsumerTransportConnected, result, err)
		return peerID

	case MsgRoomProduceStream:
		var p ProduceStreamPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomProduceStreamResult, nil, Errf(ErrInvalidMessage, "invalid roomProduceStream payload"))
			return peerID
		}
		result, err := s.ProduceStream(peerID, p)
		sendResult(sender, MsgRoomProduceStreamResult, result, err)
		return peerID

	case MsgRoomCloseProducer:
		var p CloseProducerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomCloseProducerResult, nil, Errf(ErrInvalidMessage, "invalid roomCloseProducer payload"))
			return peerID
		}
		result, err := s.CloseProducer(peerID, p)
		sendResult(sender, MsgRoomCloseProducerResult, result, err)
		return peerID

	case MsgRoomConsumeProducer:
		var p ConsumeProducerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomConsumeProducerResult, nil, Errf(ErrInvalidMessage, "invalid roomConsumeProducer payload"))
			return peerID
		}
		result, err := s.ConsumeProducer(peerID, p)
		sendResult(sender, MsgRoomConsumeProducerResult, result, err)
		return peerID

	case MsgPeerTracksInfo:
		var p TracksInfoPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgPeerTracksInfo, nil, Errf(ErrInvalidMessage, "invalid peerTracksInfo payload"))
			return peerID
		}
		if err := s.SetTracksInfo(peerID, p.TracksInfo); err != nil {
			sendResult(sender, MsgPeerTracksInfo, nil, err)
		}
		return peerID

	case MsgPeerMuteTracks:
		var p MuteTracksPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgPeerMuteTracksResult, nil, Errf(ErrInvalidMessage, "invalid peerMuteTracks payload"))
			return peerID
		}
		result, err := s.MuteTracks(peerID, p)
		sendResult(sender, MsgPeerMuteTracksResult, result, err)
		return peerID

	case MsgRoomPing:
		var p PingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sendResult(sender, MsgRoomPong, nil, Errf(ErrInvalidMessage, "invalid roomPing payload"))
			return peerID
		}
		sender.Send(MsgRoomPong, PongResult{RoomID: p.RoomID})
		return peerID

	default:
		sendResult(sender, env.Type, nil, Errf(ErrInvalidMessage, "unknown message type %q", env.Type))
		return peerID
	}
}

func sendResult(sender Sender, msgType string, payload any, err *Error) {
	if err != nil {
		sender.Send(msgType, ErrorResult{Error: err})
		return
	}
	sender.Send(msgType, payload)
}

// RegisterPeer validates the auth token and creates the peer. A reconnect
// with the same tracking id supersedes the previous peer after its cascading
// teardown, so at most one live peer per tracking id exists at any time.
func (s *Server) RegisterPeer(sender Sender, p RegisterPeerPayload) (*RegisterPeerResult, *Error) {
	payload, err := s.tokens.Verify(p.AuthToken)
	if err != nil {
		return nil, Errf(ErrInvalidToken, "auth token rejected")
	}
	if p.TrackingID == "" {
		return nil, Errf(ErrInvalidMessage, "trackingId is required")
	}
	if p.DisplayName == "" {
		return nil, Errf(ErrInvalidMessage, "displayName is required")
	}
	switch p.ClientType {
	case "", ClientTypeSFU, ClientTypeSDP:
	default:
		return nil, Errf(ErrInvalidMessage, "unknown clientType %q", p.ClientType)
	}

	peer := NewPeer(uuid.New().String(), p.TrackingID, payload.Username, p.DisplayName, payload.Role, p.ClientType, sender)

	// Lookup and insert share one critical section so two registrations for
	// the same tracking id cannot both slot in. Supersession tears the old
	// peer down outside the lock, so re-check until the slot is free.
	for {
		s.mu.Lock()
		existing := s.peersByTracking[p.TrackingID]
		if existing == nil {
			s.peers[peer.ID] = peer
			s.peersByTracking[peer.TrackingID] = peer
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		if existing.Username != payload.Username {
			s.logger.WithFields(logrus.Fields{"trackingId": p.TrackingID}).Warn("SECURITY: credential_mismatch on reconnect")
			return nil, Errf(ErrCredentialMismatch, "tracking id registered to a different user")
		}
		s.logger.WithFields(logrus.Fields{"trackingId": p.TrackingID, "oldPeerId": existing.ID}).Info("superseding reconnected peer")
		s.DisconnectPeer(existing.ID, "superseded")
	}

	s.armInactivity(peer)

	s.logger.WithFields(logrus.Fields{"peerId": peer.ID, "trackingId": peer.TrackingID, "role": peer.Role}).Info("peer registered")
	return &RegisterPeerResult{PeerID: peer.ID, DisplayName: peer.DisplayName}, nil
}

// NewRoomToken mints a signed token authorizing creation of (and joining)
// one specific, freshly allocated room id.
func (s *Server) NewRoomToken(p RoomNewTokenPayload) (*RoomNewTokenResult, *Error) {
	payload, err := s.tokens.Verify(p.AuthToken)
	if err != nil {
		return nil, Errf(ErrInvalidToken, "auth token rejected")
	}
	if payload.Role == token.RoleGuest {
		return nil, Errf(ErrNotAllowed, "guests cannot mint room tokens")
	}
	if p.ExpiresInMin < 0 {
		return nil, Errf(ErrInvalidMessage, "expiresInMin must not be negative")
	}

	roomID := uuid.New().String()
	roomToken, signErr := s.tokens.Sign(token.Payload{
		Username: payload.Username,
		Role:     payload.Role,
		RoomID:   roomID,
		Claims:   []token.Claim{token.ClaimCreateRoom, token.ClaimJoinRoom},
	}, time.Duration(p.ExpiresInMin)*time.Minute)
	if signErr != nil {
		return nil, Errf(ErrInternalError, "could not sign room token")
	}
	return &RoomNewTokenResult{RoomID: roomID, RoomToken: roomToken}, nil
}

// NewRoom creates a room after validating the createRoom claim against the
// requested id. On any failure the room is discarded with no state leaked.
func (s *Server) NewRoom(p RoomNewPayload) (*RoomNewResult, *Error) {
	payload, err := s.tokens.VerifyClaim(p.RoomToken, token.ClaimCreateRoom)
	if err != nil {
		return nil, Errf(ErrUnauthorized, "room token rejected")
	}
	if payload.RoomID != p.RoomID {
		return nil, Errf(ErrUnauthorized, "room token does not match room id")
	}

	s.mu.RLock()
	_, exists := s.rooms[p.RoomID]
	s.mu.RUnlock()
	if exists {
		return nil, Errf(ErrRoomExists, "room %s already exists", p.RoomID)
	}

	cfg := s.applyRoomDefaults(p.RoomConfig)

	router, routerErr := s.balancer.Next().CreateRouter()
	if routerErr != nil {
		s.logger.WithField("roomId", p.RoomID).Errorf("create router: %v", routerErr)
		return nil, Errf(ErrInternalError, "media engine unavailable")
	}

	room := NewRoom(p.RoomID, payload.Username, p.RoomToken, cfg, router)

	if cfg.IsRecorded {
		if recErr := s.recorder.RoomStarted(room.ID, room.TrackingID); recErr != nil {
			s.logger.WithField("roomId", room.ID).Warnf("recording start failed: %v", recErr)
			if cfg.CloseOnRecordingFailed {
				router.Close()
				return nil, Errf(ErrUpstreamFailure, "recording service unavailable")
			}
		}
	}

	room.OnClosed(func(roomID, reason string) {
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
		if room.Config.IsRecorded {
			if recErr := s.recorder.RoomTerminated(roomID); recErr != nil {
				s.logger.WithField("roomId", roomID).Warnf("recording terminate failed: %v", recErr)
			}
		}
		s.logger.WithFields(logrus.Fields{"roomId": roomID, "reason": reason}).Info("room closed")
	})

	s.mu.Lock()
	if _, raced := s.rooms[p.RoomID]; raced {
		s.mu.Unlock()
		router.Close()
		return nil, Errf(ErrRoomExists, "room %s already exists", p.RoomID)
	}
	s.rooms[room.ID] = room
	s.mu.Unlock()

	room.Timers.Arm(timers.SlotMaxDuration,
		time.Duration(cfg.MaxRoomDurationMinutes)*time.Minute,
		func() { room.Close("maxDuration") })
	s.armNoParticipants(room)

	s.logger.WithFields(logrus.Fields{"roomId": room.ID, "maxPeers": cfg.MaxPeers}).Info("room created")
	return &RoomNewResult{
		RoomID:              room.ID,
		RoomToken:           p.RoomToken,
		RoomRtpCapabilities: router.RTPCapabilities(),
	}, nil
}

func (s *Server) applyRoomDefaults(cfg RoomConfig) RoomConfig {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = s.cfg.MaxPeersPerRoom
	}
	if cfg.MaxRoomDurationMinutes <= 0 {
		cfg.MaxRoomDurationMinutes = s.cfg.MaxRoomDurationMinutes
	}
	if cfg.TimeOutNoParticipantsSecs < 0 {
		cfg.TimeOutNoParticipantsSecs = 0
	}
	if cfg.CloseRoomOnPeerCount < 0 {
		cfg.CloseRoomOnPeerCount = 0
	}
	return cfg
}

// armNoParticipants starts the empty-room countdown. At creation time a
// zero-configured window borrows the server default so the creator has a
// chance to join; on the leave path zero means close immediately.
func (s *Server) armNoParticipants(room *Room) {
	secs := room.Config.TimeOutNoParticipantsSecs
	if secs <= 0 {
		secs = s.cfg.TimeOutNoParticipantsSecs
	}
	room.Timers.Arm(timers.SlotNoParticipants, time.Duration(secs)*time.Second, func() {
		if room.PeerCount() <= room.Config.CloseRoomOnPeerCount {
			room.Close("noParticipants")
		}
	})
}

// JoinRoom admits a registered peer into a ready room after validating the
// joinRoom claim for this exact room id.
func (s *Server) JoinRoom(peerID string, p RoomJoinPayload) (*RoomJoinResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	payload, err := s.tokens.VerifyClaim(p.RoomToken, token.ClaimJoinRoom)
	if err != nil {
		return nil, Errf(ErrUnauthorized, "room token rejected")
	}
	if payload.RoomID != p.RoomID {
		return nil, Errf(ErrUnauthorized, "room token does not match room id")
	}
	if peer.RoomID() != "" {
		return nil, Errf(ErrAlreadyJoined, "peer already in room %s", peer.RoomID())
	}

	room := s.room(p.RoomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", p.RoomID)
	}

	joinInstance, joinErr := room.addPeer(peer)
	if joinErr != nil {
		return nil, joinErr
	}
	peer.attachRoom(room.ID, joinInstance)
	room.Timers.Disarm(timers.SlotNoParticipants)

	others := room.memberInfos(peer.ID)
	room.broadcast(MsgRoomNewPeer, NewPeerNotice{RoomID: room.ID, Peer: peer.info()}, peer.ID)

	result := &RoomJoinResult{
		RoomID:              room.ID,
		RoomRtpCapabilities: room.Router().RTPCapabilities(),
		Peers:               others,
	}

	// Plain-SDP clients cannot drive transport creation themselves; create
	// both on their behalf and push the parameters down.
	if peer.ClientType == ClientTypeSDP {
		for _, producing := range []bool{true, false} {
			tr, trErr := s.CreateTransport(peerID, producing)
			if trErr != nil {
				s.logger.WithField("peerId", peerID).Warnf("auto transport: %s", trErr.Message)
				continue
			}
			msgType := MsgCreateConsumerTransportResult
			if producing {
				msgType = MsgCreateProducerTransportResult
			}
			peer.Send(msgType, tr)
		}
	}

	s.logger.WithFields(logrus.Fields{"peerId": peer.ID, "roomId": room.ID}).Info("peer joined room")
	return result, nil
}

// LeaveRoom removes the peer from the named room with the full close cascade.
func (s *Server) LeaveRoom(peerID, roomID string) (*RoomLeaveResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	if roomID == "" || peer.RoomID() != roomID {
		return nil, Errf(ErrNotInRoom, "peer is not in room %q", roomID)
	}
	room := s.room(roomID)
	if room == nil {
		peer.detachRoom()
		return &RoomLeaveResult{RoomID: roomID}, nil
	}
	s.removeFromRoom(peer, room, true)
	return &RoomLeaveResult{RoomID: roomID}, nil
}

// removeFromRoom takes the peer out of the room, closes its media, notifies
// the remaining members (and, for symmetry with clients expecting an ack, the
// leaver itself when requested) and arms the empty-room countdown when the
// close threshold is reached.
func (s *Server) removeFromRoom(peer *Peer, room *Room, notifyLeaver bool) {
	remaining, removed := room.removePeer(peer.ID)
	peer.detachRoom()
	if !removed {
		return
	}

	notice := PeerLeftNotice{RoomID: room.ID, PeerID: peer.ID}
	for _, other := range room.peersSnapshot() {
		for _, c := range other.closeConsumersOf(peer.ID) {
			other.Send(MsgRoomConsumerClosed, ConsumerClosedNotice{
				ConsumerID: c.ID(), ProducerID: c.ProducerID(), Kind: c.Kind(),
			})
		}
		other.Send(MsgRoomPeerLeft, notice)
	}
	if notifyLeaver {
		peer.Send(MsgRoomPeerLeft, notice)
	}

	if room.State() == RoomStateReady && remaining <= room.Config.CloseRoomOnPeerCount {
		if room.Config.TimeOutNoParticipantsSecs <= 0 {
			room.Close("empty")
		} else {
			s.armNoParticipants(room)
		}
	}

	s.logger.WithFields(logrus.Fields{"peerId": peer.ID, "roomId": room.ID, "remaining": remaining}).Info("peer left room")
}

// CreateTransport allocates a producer- or consumer-side transport through
// the room's router. A repeated create replaces (and closes) the previous
// transport of the same direction.
func (s *Server) CreateTransport(peerID string, producing bool) (*CreateTransportResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	roomID := peer.RoomID()
	if roomID == "" {
		return nil, Errf(ErrNotInRoom, "peer has no room")
	}
	room := s.room(roomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", roomID)
	}

	transport, err := room.Router().CreateTransport()
	if err != nil {
		s.logger.WithField("peerId", peerID).Errorf("create transport: %v", err)
		return nil, Errf(ErrInternalError, "could not create transport")
	}
	if old := peer.setTransport(producing, transport); old != nil {
		old.Close()
	}

	info := transport.Info()
	return &CreateTransportResult{
		RoomID:             roomID,
		TransportID:        info.ID,
		ICEParameters:      info.ICEParameters,
		ICECandidates:      info.ICECandidates,
		DTLSParameters:     info.DTLSParameters,
		ICEServers:         info.ICEServers,
		ICETransportPolicy: info.ICETransportPolicy,
	}, nil
}

// ConnectTransport completes the handshake on a previously created
// transport. Ordering contract: create must precede connect.
func (s *Server) ConnectTransport(peerID string, producing bool, data json.RawMessage) (*TransportConnectedResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	var p ConnectTransportPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.DTLSParameters) == 0 {
		return nil, Errf(ErrInvalidMessage, "dtlsParameters are required")
	}
	transport := peer.transport(producing)
	if transport == nil {
		return nil, Errf(ErrTransportNotFound, "transport not created yet")
	}
	if err := transport.Connect(p.DTLSParameters); err != nil {
		return nil, Errf(ErrInternalError, "connect transport: %v", err)
	}
	return &TransportConnectedResult{RoomID: peer.RoomID()}, nil
}

// ProduceStream starts an outbound stream of one kind. A guest producing a
// kind the room config disallows is rejected; a second producer for a live
// kind is rejected as a duplicate.
func (s *Server) ProduceStream(peerID string, p ProduceStreamPayload) (*ProduceStreamResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	if !p.Kind.Valid() {
		return nil, Errf(ErrInvalidMessage, "unknown media kind %q", p.Kind)
	}
	roomID := peer.RoomID()
	if roomID == "" || roomID != p.RoomID {
		return nil, Errf(ErrNotInRoom, "peer is not in room %q", p.RoomID)
	}
	room := s.room(roomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", roomID)
	}

	if peer.Role == token.RoleGuest {
		if p.Kind == media.KindAudio && !room.Config.GuestsAllowMic {
			return nil, Errf(ErrNotAllowed, "guests may not produce audio in this room")
		}
		if p.Kind == media.KindVideo && !room.Config.GuestsAllowCamera {
			return nil, Errf(ErrNotAllowed, "guests may not produce video in this room")
		}
	}
	if peer.producer(p.Kind) != nil {
		return nil, Errf(ErrDuplicateProducer, "already producing %s", p.Kind)
	}

	transport := peer.transport(true)
	if transport == nil {
		return nil, Errf(ErrTransportNotFound, "producer transport not created yet")
	}

	producer, err := transport.Produce(p.Kind, p.RTPParameters)
	if err != nil {
		return nil, Errf(ErrInternalError, "produce: %v", err)
	}
	if !peer.addProducer(producer) {
		producer.Close()
		return nil, Errf(ErrDuplicateProducer, "already producing %s", p.Kind)
	}

	room.broadcast(MsgRoomNewProducer, NewProducerNotice{
		RoomID:     room.ID,
		PeerID:     peer.ID,
		ProducerID: producer.ID(),
		Kind:       producer.Kind(),
	}, peer.ID)

	if room.Config.IsRecorded {
		if recErr := s.recorder.ProducerStarted(room.ID, peer.JoinInstance(), peer.TrackingID, producer.Kind(), producer.ID()); recErr != nil {
			s.logger.WithFields(logrus.Fields{"roomId": room.ID, "producerId": producer.ID()}).Warnf("recording notify failed: %v", recErr)
			if room.Config.CloseOnRecordingFailed {
				room.Close("recordingFailed")
				return nil, Errf(ErrUpstreamFailure, "recording service unavailable")
			}
		}
	}

	return &ProduceStreamResult{RoomID: room.ID, Kind: producer.Kind(), ProducerID: producer.ID()}, nil
}

// CloseProducer closes the named producers of the calling peer. Consumers of
// the stream observe closure through the media layer; no extra broadcast.
func (s *Server) CloseProducer(peerID string, p CloseProducerPayload) (*CloseProducerResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	if peer.RoomID() == "" || peer.RoomID() != p.RoomID {
		return nil, Errf(ErrNotInRoom, "peer is not in room %q", p.RoomID)
	}
	for _, kind := range p.Kinds {
		if prod := peer.removeProducer(kind); prod != nil {
			prod.Close()
		}
	}
	return &CloseProducerResult{RoomID: p.RoomID}, nil
}

// ConsumeProducer subscribes the calling peer to a remote peer's producer.
// At most one consumer per (remote peer, kind) pair.
func (s *Server) ConsumeProducer(peerID string, p ConsumeProducerPayload) (*ConsumeProducerResult, *Error) {
	peer := s.peer(peerID)
	if peer == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	roomID := peer.RoomID()
	if roomID == "" || roomID != p.RoomID {
		return nil, Errf(ErrNotInRoom, "peer is not in room %q", p.RoomID)
	}
	room := s.room(roomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", roomID)
	}
	remote := room.member(p.RemotePeerID)
	if remote == nil {
		return nil, Errf(ErrPeerNotFound, "remote peer %s is not in this room", p.RemotePeerID)
	}
	producer := remote.producerByID(p.ProducerID)
	if producer == nil {
		return nil, Errf(ErrProducerNotFound, "producer %s not found", p.ProducerID)
	}
	if peer.hasConsumer(remote.ID, producer.Kind()) {
		return nil, Errf(ErrAlreadyConsuming, "already consuming %s from %s", producer.Kind(), remote.ID)
	}

	transport := peer.transport(false)
	if transport == nil {
		return nil, Errf(ErrTransportNotFound, "consumer transport not created yet")
	}

	consumer, err := transport.Consume(producer, p.RTPCapabilities)
	if err != nil {
		return nil, Errf(ErrInternalError, "consume: %v", err)
	}
	if !peer.addConsumer(remote.ID, consumer) {
		consumer.Close()
		return nil, Errf(ErrAlreadyConsuming, "already consuming %s from %s", producer.Kind(), remote.ID)
	}

	return &ConsumeProducerResult{
		RoomID:        room.ID,
		PeerID:        remote.ID,
		ConsumerID:    consumer.ID(),
		ProducerID:    producer.ID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// SetTracksInfo applies a self-service toggle. A flag can only move to
// enabled if the corresponding muted override is not set.
func (s *Server) SetTracksInfo(peerID string, requested TracksInfo) *Error {
	peer := s.peer(peerID)
	if peer == nil {
		return Errf(ErrPeerNotFound, "peer not registered")
	}
	roomID := peer.RoomID()
	if roomID == "" {
		return Errf(ErrNotInRoom, "peer has no room")
	}
	room := s.room(roomID)
	if room == nil {
		return Errf(ErrRoomNotFound, "room %s not found", roomID)
	}

	current := peer.Tracks()
	next := TracksInfo{
		IsAudioEnabled: requested.IsAudioEnabled && !current.IsAudioMuted,
		IsVideoEnabled: requested.IsVideoEnabled && !current.IsVideoMuted,
		IsAudioMuted:   current.IsAudioMuted,
		IsVideoMuted:   current.IsVideoMuted,
	}
	peer.setTracks(next)
	s.applyTrackState(peer, next)

	room.broadcast(MsgPeerTracksInfo, TracksInfoNotice{
		RoomID: room.ID, PeerID: peer.ID, TracksInfo: next,
	}, peer.ID)
	return nil
}

// MuteTracks is the privileged override another participant applies to a
// target peer. It sets both the muted flags and the derived enabled state,
// pauses the target's actual producers and informs everyone including the
// target, which must apply it over any local toggle.
func (s *Server) MuteTracks(peerID string, p MuteTracksPayload) (*MuteTracksResult, *Error) {
	actor := s.peer(peerID)
	if actor == nil {
		return nil, Errf(ErrPeerNotFound, "peer not registered")
	}
	if actor.Role == token.RoleGuest {
		return nil, Errf(ErrNotAllowed, "guests may not mute other peers")
	}
	roomID := actor.RoomID()
	if roomID == "" || roomID != p.RoomID {
		return nil, Errf(ErrNotInRoom, "peer is not in room %q", p.RoomID)
	}
	room := s.room(roomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", roomID)
	}
	target := room.member(p.PeerID)
	if target == nil {
		return nil, Errf(ErrPeerNotFound, "target peer %s is not in this room", p.PeerID)
	}

	next := TracksInfo{
		IsAudioMuted:   p.TracksInfo.IsAudioMuted,
		IsVideoMuted:   p.TracksInfo.IsVideoMuted,
		IsAudioEnabled: !p.TracksInfo.IsAudioMuted,
		IsVideoEnabled: !p.TracksInfo.IsVideoMuted,
	}
	target.setTracks(next)
	s.applyTrackState(target, next)

	notice := TracksInfoNotice{RoomID: room.ID, PeerID: target.ID, TracksInfo: next}
	room.broadcast(MsgPeerTracksInfo, notice, actor.ID, target.ID)
	target.Send(MsgPeerMuteTracks, notice)

	s.logger.WithFields(logrus.Fields{"roomId": room.ID, "by": actor.ID, "target": target.ID}).Info("tracks muted")
	return &MuteTracksResult{RoomID: room.ID, PeerID: target.ID}, nil
}

func (s *Server) applyTrackState(peer *Peer, info TracksInfo) {
	if prod := peer.producer(media.KindAudio); prod != nil {
		prod.SetPaused(!info.IsAudioEnabled)
	}
	if prod := peer.producer(media.KindVideo); prod != nil {
		prod.SetPaused(!info.IsVideoEnabled)
	}
}

// DisconnectPeer fully tears a peer down: room removal with the close
// cascade, registry cleanup, timers and connection.
func (s *Server) DisconnectPeer(peerID, reason string) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	peer, ok := s.peers[peerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peerID)
	if s.peersByTracking[peer.TrackingID] == peer {
		delete(s.peersByTracking, peer.TrackingID)
	}
	s.mu.Unlock()

	if roomID := peer.RoomID(); roomID != "" {
		if room := s.room(roomID); room != nil {
			s.removeFromRoom(peer, room, false)
		}
	}
	peer.CloseMedia()
	peer.Timers.StopAll()
	peer.CloseSender()

	s.logger.WithFields(logrus.Fields{"peerId": peerID, "reason": reason}).Info("peer disconnected")
}

// TerminateRoom force-closes a room, e.g. from the admin API.
func (s *Server) TerminateRoom(roomID, reason string) *Error {
	room := s.room(roomID)
	if room == nil {
		return Errf(ErrRoomNotFound, "room %s not found", roomID)
	}
	room.Close(reason)
	return nil
}

// Peer resolves a peer id; nil when unknown or superseded.
func (s *Server) Peer(peerID string) *Peer { return s.peer(peerID) }

// Room resolves a room id; nil once the room has closed.
func (s *Server) Room(roomID string) *Room { return s.room(roomID) }

func (s *Server) RTPCapabilities(roomID string) (json.RawMessage, *Error) {
	room := s.room(roomID)
	if room == nil {
		return nil, Errf(ErrRoomNotFound, "room %s not found", roomID)
	}
	return room.Router().RTPCapabilities(), nil
}

func (s *Server) peer(peerID string) *Peer {
	if peerID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[peerID]
}

func (s *Server) room(roomID string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *Server) touchPeer(peerID string) {
	if peer := s.peer(peerID); peer != nil {
		s.armInactivity(peer)
	}
}

func (s *Server) armInactivity(peer *Peer) {
	d := time.Duration(s.cfg.PeerInactivitySecs) * time.Second
	peer.Timers.Arm(timers.SlotInactivity, d, func() {
		s.logger.WithField("peerId", peer.ID).Info("peer inactive, disconnecting")
		s.DisconnectPeer(peer.ID, "inactivity")
	})
}
