package conference

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/timers"
	"github.com/jonas/confab/internal/token"
	"github.com/sirupsen/logrus"
)

// Server is the top-level registry of participants and conferences. It owns
// the invite handshake and brokers room provisioning via the room service.
type Server struct {
	cfg       *config.Config
	tokens    *token.Service
	rooms     RoomService
	schedules ScheduleSource
	logger    *logrus.Logger

	mu                     sync.RWMutex
	participants           map[string]*Participant
	participantsByTracking map[string]*Participant
	conferences            map[string]*Conference
}

func NewServer(cfg *config.Config, tokens *token.Service, rooms RoomService, schedules ScheduleSource, logger *logrus.Logger) *Server {
	return &Server{
		cfg:                    cfg,
		tokens:                 tokens,
		rooms:                  rooms,
		schedules:              schedules,
		logger:                 logger,
		participants:           make(map[string]*Participant),
		participantsByTracking: make(map[string]*Participant),
		conferences:            make(map[string]*Conference),
	}
}

// Dispatch routes one inbound envelope and returns the participant id the
// connection should carry forward.
func (s *Server) Dispatch(sender sfu.Sender, participantID string, env sfu.Envelope) string {
	switch env.Type {
	case MsgRegisterConf:
		var p RegisterConfPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgRegisterConfResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid registerConf payload")))
			return participantID
		}
		result, err := s.Register(sender, p)
		if err != nil {
			sender.Send(MsgRegisterConfResult, errResult(err))
			return participantID
		}
		sender.Send(MsgRegisterConfResult, result)
		return result.ParticipantID

	case MsgCreateConf:
		var p CreateConfPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgCreateConfResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid createConf payload")))
			return participantID
		}
		s.reply(sender, MsgCreateConfResult)(s.CreateConference(participantID, p))

	case MsgJoinConf:
		var p JoinConfPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgJoinConfResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid joinConf payload")))
			return participantID
		}
		s.reply(sender, MsgJoinConfResult)(s.JoinConference(participantID, p))

	case MsgInvite:
		var p InvitePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgInviteResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid invite payload")))
			return participantID
		}
		s.reply(sender, MsgInviteResult)(s.Invite(participantID, p))

	case MsgInviteCancelled:
		var p InviteCancelledPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgInviteCancelledResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid inviteCancelled payload")))
			return participantID
		}
		s.reply(sender, MsgInviteCancelledResult)(s.CancelInvite(participantID, p))

	case MsgReject:
		var p RejectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgRejectResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid reject payload")))
			return participantID
		}
		s.reply(sender, MsgRejectResult)(s.Reject(participantID, p))

	case MsgAccept:
		var p AcceptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgAcceptResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid accept payload")))
			return participantID
		}
		s.Accept(sender, participantID, p)

	case MsgLeave:
		var p LeavePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			sender.Send(MsgLeaveResult, errResult(sfu.Errf(sfu.ErrInvalidMessage, "invalid leave payload")))
			return participantID
		}
		s.reply(sender, MsgLeaveResult)(s.Leave(participantID, p))

	case MsgGetParticipants:
		s.reply(sender, MsgGetParticipantsResult)(s.GetParticipants(participantID))

	case MsgGetConferences:
		s.reply(sender, MsgGetConferencesResult)(s.GetConferences(participantID))

	default:
		sender.Send(env.Type, errResult(sfu.Errf(sfu.ErrInvalidMessage, "unknown message type %q", env.Type)))
	}
	return participantID
}

// reply curries the result delivery so handlers return (result, error) pairs.
func (s *Server) reply(sender sfu.Sender, msgType string) func(result any, err *sfu.Error) {
	return func(result any, err *sfu.Error) {
		if err != nil {
			sender.Send(msgType, errResult(err))
			return
		}
		sender.Send(msgType, result)
	}
}

// Register creates a participant or reattaches one that is reconnecting
// inside its grace window. Conference membership survives the reattach.
func (s *Server) Register(sender sfu.Sender, p RegisterConfPayload) (*RegisterConfResult, *sfu.Error) {
	payload, err := s.tokens.Verify(p.AuthToken)
	if err != nil {
		return nil, sfu.Errf(sfu.ErrInvalidToken, "auth token rejected")
	}
	if p.TrackingID == "" {
		return nil, sfu.Errf(sfu.ErrInvalidMessage, "trackingId is required")
	}
	if p.DisplayName == "" {
		return nil, sfu.Errf(sfu.ErrInvalidMessage, "displayName is required")
	}

	// Lookup and insert share one critical section so two registrations for
	// the same tracking id cannot both slot in; the loser reattaches instead.
	s.mu.Lock()
	if existing := s.participantsByTracking[p.TrackingID]; existing != nil {
		if existing.Username != payload.Username {
			s.mu.Unlock()
			s.logger.WithField("trackingId", p.TrackingID).Warn("SECURITY: credential_mismatch on conference reconnect")
			return nil, sfu.Errf(sfu.ErrCredentialMismatch, "tracking id registered to a different user")
		}
		existing.Timers.Disarm(timers.SlotReconnectGrace)
		old := existing.attachSender(sender, p.DisplayName)
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}
		s.logger.WithFields(logrus.Fields{"participantId": existing.ID, "trackingId": p.TrackingID}).Info("participant reattached")
		s.broadcastPresence()
		return &RegisterConfResult{
			ParticipantID: existing.ID,
			DisplayName:   existing.DisplayName(),
			ConferenceID:  existing.ConferenceID(),
		}, nil
	}

	participant := NewParticipant(uuid.New().String(), p.TrackingID, payload.Username, p.DisplayName, payload.Role, sender)
	s.participants[participant.ID] = participant
	s.participantsByTracking[participant.TrackingID] = participant
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"participantId": participant.ID, "trackingId": participant.TrackingID}).Info("participant registered")
	s.broadcastPresence()
	return &RegisterConfResult{ParticipantID: participant.ID, DisplayName: participant.DisplayName()}, nil
}

// broadcastPresence pushes the connected participant set to everyone, so
// clients can keep their contact lists current without polling.
func (s *Server) broadcastPresence() {
	s.mu.RLock()
	targets := make([]*Participant, 0, len(s.participants))
	infos := make([]ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		targets = append(targets, p)
		infos = append(infos, p.info())
	}
	s.mu.RUnlock()

	notice := PresenceNotice{Participants: infos}
	for _, p := range targets {
		p.Send(MsgParticipantsPresence, notice)
	}
}

// Invite lazily creates a p2p conference with the caller in it and forwards
// the invite to the target. The conference force-closes if the invitee never
// joins within the invite window.
func (s *Server) Invite(participantID string, p InvitePayload) (*InviteResult, *sfu.Error) {
	caller := s.participant(participantID)
	if caller == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "caller not registered")
	}
	if caller.ConferenceID() != "" {
		return nil, sfu.Errf(ErrAlreadyInConference, "caller already in a conference")
	}
	if p.ToParticipantID == participantID {
		return nil, sfu.Errf(ErrSelfInvite, "cannot invite yourself")
	}
	target := s.participant(p.ToParticipantID)
	if target == nil || !target.Online() {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant %s not available", p.ToParticipantID)
	}
	if target.ConferenceID() != "" {
		return nil, sfu.Errf(ErrAlreadyInConference, "participant %s already in a conference", p.ToParticipantID)
	}

	conf := New(uuid.New().String(), "", caller.DisplayName()+" / "+target.DisplayName(), TypeP2P, Config{GuestsAllowed: true})
	s.registerConference(conf, target.ID)

	if addErr := conf.addParticipant(caller); addErr != nil {
		conf.Close("setupFailed")
		return nil, addErr
	}
	caller.setConference(conf.ID)

	conf.Timers.Arm(timers.SlotMinParticipants, s.cfg.InviteTimeout, func() {
		if conf.participantCount() < 2 {
			conf.Close("inviteTimeout")
		}
	})
	conf.Timers.Arm(timers.SlotRoomInit, s.cfg.RoomInitTimeout, func() {
		conf.Close("roomInitTimeout")
	})
	go s.startRoom(conf)

	target.Send(MsgInvite, InviteNotice{
		ConferenceID:      conf.ID,
		FromParticipantID: caller.ID,
		FromDisplayName:   caller.DisplayName(),
	})

	s.logger.WithFields(logrus.Fields{"conferenceId": conf.ID, "from": caller.ID, "to": target.ID}).Info("invite sent")
	return &InviteResult{ConferenceID: conf.ID}, nil
}

// CancelInvite withdraws a pending invite. Only the conference leader (the
// inviter) may cancel; the invitee learns about it via inviteCancelled.
func (s *Server) CancelInvite(participantID string, p InviteCancelledPayload) (*InviteCancelledResult, *sfu.Error) {
	conf := s.conference(p.ConferenceID)
	if conf == nil {
		return nil, sfu.Errf(ErrConferenceNotFound, "conference %s not found", p.ConferenceID)
	}
	if conf.LeaderID() != participantID {
		return nil, sfu.Errf(sfu.ErrNotAllowed, "only the inviter may cancel")
	}
	conf.Close("cancelled")
	return &InviteCancelledResult{ConferenceID: p.ConferenceID}, nil
}

// Reject declines a pending invite. A p2p conference left with only the
// inviter closes immediately; no single-party conferences linger.
func (s *Server) Reject(participantID string, p RejectPayload) (*RejectResult, *sfu.Error) {
	participant := s.participant(participantID)
	if participant == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	conf := s.conference(p.ConferenceID)
	if conf == nil {
		return nil, sfu.Errf(ErrConferenceNotFound, "conference %s not found", p.ConferenceID)
	}
	if invitee := conf.pendingInvitee(); invitee != "" && invitee != participantID {
		return nil, sfu.Errf(sfu.ErrNotAllowed, "only the invited participant may reject")
	}
	if conf.Type == TypeP2P && conf.participantCount() <= 1 {
		conf.Close("rejected")
	}
	s.logger.WithFields(logrus.Fields{"conferenceId": conf.ID, "by": participantID}).Info("invite rejected")
	return &RejectResult{ConferenceID: p.ConferenceID}, nil
}

// Accept completes the invitee side of the handshake. The result is delivered
// asynchronously: immediately when the conference is ready, or once the
// backing room comes up, or as an error if it never does within the wait
// window.
func (s *Server) Accept(sender sfu.Sender, participantID string, p AcceptPayload) {
	respond := s.reply(sender, MsgAcceptResult)

	participant := s.participant(participantID)
	if participant == nil {
		respond(nil, sfu.Errf(ErrParticipantNotFound, "participant not registered"))
		return
	}
	if current := participant.ConferenceID(); current != "" && current != p.ConferenceID {
		respond(nil, sfu.Errf(ErrAlreadyInConference, "participant already in a conference"))
		return
	}
	conf := s.conference(p.ConferenceID)
	if conf == nil {
		respond(nil, sfu.Errf(ErrConferenceNotFound, "conference %s not found", p.ConferenceID))
		return
	}
	if invitee := conf.pendingInvitee(); invitee != "" && invitee != participantID {
		respond(nil, sfu.Errf(sfu.ErrNotAllowed, "only the invited participant may accept"))
		return
	}

	conf.awaitReady(s.cfg.RoomInitTimeout, func(waitErr *sfu.Error) {
		if waitErr != nil {
			respond(nil, waitErr)
			return
		}
		if joinErr := s.completeJoin(conf, participant); joinErr != nil {
			respond(nil, joinErr)
			return
		}
		respond(&AcceptResult{ConferenceID: conf.ID}, nil)
	})
}

// CreateConference provisions a room-backed conference. Guests cannot create;
// scheduled configuration, when the external id resolves, wins over the
// client-supplied settings.
func (s *Server) CreateConference(participantID string, p CreateConfPayload) (*CreateConfResult, *sfu.Error) {
	creator := s.participant(participantID)
	if creator == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	if creator.Role == token.RoleGuest {
		return nil, sfu.Errf(sfu.ErrNotAllowed, "guests cannot create conferences")
	}
	if p.RoomName == "" {
		return nil, sfu.Errf(sfu.ErrInvalidMessage, "roomName is required")
	}

	settings := p.Settings
	if p.ExternalID != "" && s.schedules != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RoomInitTimeout)
		scheduled, lookupErr := s.schedules.Lookup(ctx, p.ExternalID)
		cancel()
		if lookupErr != nil {
			s.logger.WithField("externalId", p.ExternalID).Warnf("schedule lookup failed: %v", lookupErr)
			return nil, sfu.Errf(sfu.ErrUpstreamFailure, "schedule service unavailable")
		}
		if scheduled != nil {
			settings = ConfSettings{
				ConferenceCode:       scheduled.ConferenceCode,
				GuestsAllowed:        scheduled.GuestsAllowed,
				RequireCodeForGuests: scheduled.RequireCodeForGuests,
				RequireCodeForUsers:  scheduled.RequireCodeForUsers,
				MaxGuests:            scheduled.MaxGuests,
				MaxUsers:             scheduled.MaxUsers,
				DurationMinutes:      scheduled.DurationMinutes,
			}
		}
	}

	cfg := Config{
		GuestsAllowed:        settings.GuestsAllowed,
		RequireCodeForGuests: settings.RequireCodeForGuests,
		RequireCodeForUsers:  settings.RequireCodeForUsers,
		MaxGuests:            settings.MaxGuests,
		MaxUsers:             settings.MaxUsers,
		DurationMinutes:      settings.DurationMinutes,
	}
	if hashErr := cfg.SetCode(settings.ConferenceCode); hashErr != nil {
		return nil, sfu.Errf(sfu.ErrInternalError, "could not protect conference code")
	}

	conf := New(uuid.New().String(), p.ExternalID, p.RoomName, TypeRoom, cfg)
	s.registerConference(conf, "")

	conf.Timers.Arm(timers.SlotRoomInit, s.cfg.RoomInitTimeout, func() {
		conf.Close("roomInitTimeout")
	})
	go s.startRoom(conf)

	s.logger.WithFields(logrus.Fields{"conferenceId": conf.ID, "roomName": p.RoomName, "by": participantID}).Info("conference created")
	return &CreateConfResult{ConferenceID: conf.ID, RoomName: p.RoomName}, nil
}

// JoinConference admits a participant into a ready conference, enforcing the
// guest flag and the per-role conference code.
func (s *Server) JoinConference(participantID string, p JoinConfPayload) (*JoinConfResult, *sfu.Error) {
	participant := s.participant(participantID)
	if participant == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	if participant.ConferenceID() != "" {
		return nil, sfu.Errf(ErrAlreadyInConference, "participant already in a conference")
	}
	conf := s.conference(p.ConferenceID)
	if conf == nil {
		return nil, sfu.Errf(ErrConferenceNotFound, "conference %s not found", p.ConferenceID)
	}
	if conf.Status() != StatusReady {
		return nil, sfu.Errf(ErrConferenceNotReady, "conference %s is %s", conf.ID, conf.Status())
	}
	if participant.Role == token.RoleGuest && !conf.Config.GuestsAllowed {
		return nil, sfu.Errf(sfu.ErrNotAllowed, "guests are not allowed in this conference")
	}
	if codeErr := conf.Config.CheckCode(participant.Role, p.ConferenceCode); codeErr != nil {
		return nil, codeErr
	}

	if joinErr := s.completeJoin(conf, participant); joinErr != nil {
		return nil, joinErr
	}
	return &JoinConfResult{ConferenceID: conf.ID}, nil
}

// Leave removes the participant. p2p conferences auto-close once they drop
// back to one party; a room-backed conference closes when its leader leaves,
// otherwise the remaining participants get a roster update.
func (s *Server) Leave(participantID string, p LeavePayload) (*LeaveResult, *sfu.Error) {
	participant := s.participant(participantID)
	if participant == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	if participant.ConferenceID() != p.ConferenceID {
		return nil, sfu.Errf(ErrConferenceNotFound, "participant is not in conference %q", p.ConferenceID)
	}
	conf := s.conference(p.ConferenceID)
	if conf == nil {
		participant.setConference("")
		return &LeaveResult{ConferenceID: p.ConferenceID}, nil
	}

	wasLeader := conf.LeaderID() == participantID
	_, removed, autoClose := conf.removeParticipant(participantID)
	participant.setConference("")
	if removed {
		switch {
		case autoClose:
			conf.Close("participantLeft")
		case wasLeader && conf.Type == TypeRoom:
			conf.Close("leaderLeft")
		default:
			conf.broadcast(MsgConferenceRoster, RosterNotice{ConferenceID: conf.ID, Participants: conf.roster()})
		}
	}
	s.logger.WithFields(logrus.Fields{"conferenceId": p.ConferenceID, "participantId": participantID}).Info("participant left conference")
	return &LeaveResult{ConferenceID: p.ConferenceID}, nil
}

func (s *Server) GetParticipants(participantID string) (*GetParticipantsResult, *sfu.Error) {
	if s.participant(participantID) == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	s.mu.RLock()
	infos := make([]ParticipantInfo, 0, len(s.participants))
	for id, p := range s.participants {
		if id == participantID {
			continue
		}
		infos = append(infos, p.info())
	}
	s.mu.RUnlock()
	return &GetParticipantsResult{Participants: infos}, nil
}

func (s *Server) GetConferences(participantID string) (*GetConferencesResult, *sfu.Error) {
	if s.participant(participantID) == nil {
		return nil, sfu.Errf(ErrParticipantNotFound, "participant not registered")
	}
	s.mu.RLock()
	infos := make([]ConferenceInfo, 0, len(s.conferences))
	for _, conf := range s.conferences {
		infos = append(infos, conf.info())
	}
	s.mu.RUnlock()
	return &GetConferencesResult{Conferences: infos}, nil
}

// Disconnect handles a dropped connection. A participant inside a conference
// gets the reconnect grace window before permanent removal; one outside is
// removed immediately.
func (s *Server) Disconnect(participantID string) {
	participant := s.participant(participantID)
	if participant == nil {
		return
	}
	if old := participant.detachSender(); old != nil {
		old.Close()
	}

	grace := time.Duration(s.cfg.ReconnectGraceSecs) * time.Second
	if participant.ConferenceID() == "" || grace <= 0 {
		s.removeParticipant(participant, "disconnected")
		return
	}
	s.logger.WithFields(logrus.Fields{"participantId": participantID, "grace": grace}).Info("participant disconnected, grace window armed")
	participant.Timers.Arm(timers.SlotReconnectGrace, grace, func() {
		s.removeParticipant(participant, "reconnectExpired")
	})
}

func (s *Server) removeParticipant(participant *Participant, reason string) {
	s.mu.Lock()
	if s.participants[participant.ID] != participant {
		s.mu.Unlock()
		return
	}
	delete(s.participants, participant.ID)
	if s.participantsByTracking[participant.TrackingID] == participant {
		delete(s.participantsByTracking, participant.TrackingID)
	}
	s.mu.Unlock()

	if confID := participant.ConferenceID(); confID != "" {
		s.Leave(participant.ID, LeavePayload{ConferenceID: confID})
	}
	participant.Timers.StopAll()

	s.logger.WithFields(logrus.Fields{"participantId": participant.ID, "reason": reason}).Info("participant removed")
	s.broadcastPresence()
}

// registerConference adds the conference to the registry and wires its close
// to registry removal, room teardown and, for pending p2p invites, the
// inviteCancelled notice to the invitee.
func (s *Server) registerConference(conf *Conference, inviteeID string) {
	conf.setInvitee(inviteeID)
	conf.OnClosed(func(conferenceID, reason string) {
		s.mu.Lock()
		delete(s.conferences, conferenceID)
		s.mu.Unlock()

		if roomID, _, roomURI, _ := conf.Room(); roomID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RoomInitTimeout)
			if termErr := s.rooms.TerminateRoom(ctx, roomURI, roomID, reason); termErr != nil {
				s.logger.WithField("roomId", roomID).Warnf("terminate room: %v", termErr)
			}
			cancel()
		}

		if inviteeID != "" {
			if invitee := s.participant(inviteeID); invitee != nil && invitee.ConferenceID() == "" {
				invitee.Send(MsgInviteCancelled, InviteCancelledResult{ConferenceID: conferenceID})
			}
		}
		s.logger.WithFields(logrus.Fields{"conferenceId": conferenceID, "reason": reason}).Info("conference closed")
	})

	s.mu.Lock()
	s.conferences[conf.ID] = conf
	s.mu.Unlock()
}

// startRoom provisions the backing room: token mint and room creation go to
// the same round-robin-picked instance. Runs off the dispatch path; any
// failure closes the conference so nothing lingers in initializing limbo.
func (s *Server) startRoom(conf *Conference) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RoomInitTimeout)
	defer cancel()

	baseURI := s.rooms.Pick()
	roomID, roomToken, err := s.rooms.NewRoomToken(ctx, baseURI)
	if err != nil {
		s.logger.WithField("conferenceId", conf.ID).Errorf("mint room token: %v", err)
		conf.Close("roomFailed")
		return
	}

	rtpCapabilities, err := s.rooms.NewRoom(ctx, baseURI, roomID, roomToken, s.computeRoomConfig(conf))
	if err != nil {
		s.logger.WithField("conferenceId", conf.ID).Errorf("create room: %v", err)
		conf.Close("roomFailed")
		return
	}

	if !conf.setReady(roomID, roomToken, baseURI, rtpCapabilities) {
		// Closed while we were provisioning; release the orphaned room.
		termCtx, termCancel := context.WithTimeout(context.Background(), s.cfg.RoomInitTimeout)
		s.rooms.TerminateRoom(termCtx, baseURI, roomID, "conferenceClosed")
		termCancel()
		return
	}

	for _, p := range conf.participantsSnapshot() {
		s.sendReady(conf, p)
	}
	conf.broadcast(MsgConferenceRoster, RosterNotice{ConferenceID: conf.ID, Participants: conf.roster()})

	s.logger.WithFields(logrus.Fields{"conferenceId": conf.ID, "roomId": roomID, "roomUri": baseURI}).Info("conference room ready")
}

func (s *Server) computeRoomConfig(conf *Conference) sfu.RoomConfig {
	maxPeers := conf.Config.MaxGuests + conf.Config.MaxUsers
	if conf.Type == TypeP2P {
		maxPeers = 2
	}
	maxDuration := conf.Config.DurationMinutes
	if maxDuration <= 0 {
		maxDuration = 60
	}
	return sfu.RoomConfig{
		MaxPeers:                  maxPeers,
		MaxRoomDurationMinutes:    maxDuration,
		TimeOutNoParticipantsSecs: 60,
		CloseRoomOnPeerCount:      0,
		GuestsAllowMic:            conf.Config.GuestsAllowed,
		GuestsAllowCamera:         conf.Config.GuestsAllowed,
	}
}

// completeJoin adds the participant, disarms the minimum-participants timer
// once a second party is in and hands out the room credentials.
func (s *Server) completeJoin(conf *Conference, participant *Participant) *sfu.Error {
	if addErr := conf.addParticipant(participant); addErr != nil {
		return addErr
	}
	participant.setConference(conf.ID)
	if conf.participantCount() >= 2 {
		conf.Timers.Disarm(timers.SlotMinParticipants)
	}

	s.sendReady(conf, participant)
	conf.broadcast(MsgConferenceRoster, RosterNotice{ConferenceID: conf.ID, Participants: conf.roster()})
	return nil
}

// sendReady issues the participant's personal room auth token and delivers
// the room connection parameters.
func (s *Server) sendReady(conf *Conference, participant *Participant) {
	roomID, roomToken, roomURI, rtpCapabilities := conf.Room()
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RoomInitTimeout)
	authToken, err := s.rooms.NewAuthUserToken(ctx, roomURI, participant.Username, participant.Role)
	cancel()
	if err != nil {
		s.logger.WithFields(logrus.Fields{"conferenceId": conf.ID, "participantId": participant.ID}).Errorf("mint user token: %v", err)
		participant.Send(MsgConferenceReady, errResult(sfu.Errf(sfu.ErrUpstreamFailure, "room service unavailable")))
		return
	}
	participant.Send(MsgConferenceReady, ConferenceReadyNotice{
		ConferenceID:        conf.ID,
		RoomID:              roomID,
		RoomToken:           roomToken,
		RoomURI:             roomURI,
		RoomRtpCapabilities: rtpCapabilities,
		AuthToken:           authToken,
	})
}

func (s *Server) participant(participantID string) *Participant {
	if participantID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participants[participantID]
}

func (s *Server) conference(conferenceID string) *Conference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conferences[conferenceID]
}
