package conference

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReattachKeepsConference(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, nil)

	alice, oldSender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, _ := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)
	waitReady(t, s, invited.ConferenceID)

	// Same tracking id, same user: reattach, keeping id and membership.
	authToken, signErr := s.tokens.Sign(token.Payload{Username: "alice", Role: token.RoleUser}, time.Hour)
	require.NoError(t, signErr)
	newSender := &fakeSender{}
	result, err := s.Register(newSender, RegisterConfPayload{
		AuthToken: authToken, TrackingID: "track-a", DisplayName: "Alice II",
	})
	require.Nil(t, err)
	assert.Equal(t, alice.ID, result.ParticipantID)
	assert.Equal(t, invited.ConferenceID, result.ConferenceID)
	assert.True(t, oldSender.isClosed())
	assert.Equal(t, "Alice II", alice.DisplayName())

	// A different user on the same tracking id is rejected.
	mallory, signErr := s.tokens.Sign(token.Payload{Username: "mallory", Role: token.RoleUser}, time.Hour)
	require.NoError(t, signErr)
	_, err = s.Register(&fakeSender{}, RegisterConfPayload{
		AuthToken: mallory, TrackingID: "track-a", DisplayName: "Mallory",
	})
	require.NotNil(t, err)
	assert.Equal(t, sfu.ErrCredentialMismatch, err.Code)
}

func TestInviteHandshake(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, nil)

	alice, aliceSender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)
	require.NotEmpty(t, invited.ConferenceID)

	// The target got the forwarded invite.
	notices := bobSender.ofType(MsgInvite)
	require.Len(t, notices, 1)
	invite := notices[0].(InviteNotice)
	assert.Equal(t, invited.ConferenceID, invite.ConferenceID)
	assert.Equal(t, alice.ID, invite.FromParticipantID)

	// The caller receives room credentials once the room is up.
	waitReady(t, s, invited.ConferenceID)
	require.Eventually(t, func() bool {
		return len(aliceSender.ofType(MsgConferenceReady)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ready := aliceSender.ofType(MsgConferenceReady)[0].(ConferenceReadyNotice)
	assert.NotEmpty(t, ready.RoomID)
	assert.NotEmpty(t, ready.RoomToken)
	assert.Equal(t, "http://rooms.test", ready.RoomURI)
	assert.Equal(t, "auth-alice", ready.AuthToken)

	// Accept completes the invitee's side.
	s.Accept(bobSender, bob.ID, AcceptPayload{ConferenceID: invited.ConferenceID})
	require.Eventually(t, func() bool {
		return len(bobSender.ofType(MsgAcceptResult)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, isErr := bobSender.ofType(MsgAcceptResult)[0].(sfu.ErrorResult)
	require.False(t, isErr)
	require.Len(t, bobSender.ofType(MsgConferenceReady), 1)
	assert.Equal(t, invited.ConferenceID, bob.ConferenceID())
	assert.Equal(t, alice.ID, s.conference(invited.ConferenceID).LeaderID())
}

func TestInviteGuards(t *testing.T) {
	s := newTestConfServer(t, nil, nil)

	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, _ := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)
	carol, _ := registerTestParticipant(t, s, "carol", "track-c", token.RoleUser)

	_, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: alice.ID})
	require.NotNil(t, err)
	assert.Equal(t, ErrSelfInvite, err.Code)

	_, err = s.Invite(alice.ID, InvitePayload{ToParticipantID: "nobody"})
	require.NotNil(t, err)
	assert.Equal(t, ErrParticipantNotFound, err.Code)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)

	// The caller is now busy, and so is anyone trying to reach them.
	_, err = s.Invite(alice.ID, InvitePayload{ToParticipantID: carol.ID})
	require.NotNil(t, err)
	assert.Equal(t, ErrAlreadyInConference, err.Code)

	waitReady(t, s, invited.ConferenceID)
}

func TestInviteTimeoutClosesConference(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, func(cfg *config.Config) {
		cfg.InviteTimeout = 100 * time.Millisecond
	})

	alice, aliceSender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)

	waitClosed(t, s, invited.ConferenceID)
	assert.Empty(t, alice.ConferenceID())

	closed := aliceSender.ofType(MsgConferenceClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "inviteTimeout", closed[0].(ConferenceClosedNotice).Reason)

	// The invitee learns the invite is dead and the room is released.
	require.Eventually(t, func() bool {
		return len(bobSender.ofType(MsgInviteCancelled)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(rooms.terminatedRooms()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptBeforeRoomReady(t *testing.T) {
	rooms := &fakeRoomService{block: make(chan struct{})}
	s := newTestConfServer(t, rooms, nil)

	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)

	// Accept while the room is still provisioning parks the join.
	s.Accept(bobSender, bob.ID, AcceptPayload{ConferenceID: invited.ConferenceID})
	assert.Empty(t, bobSender.ofType(MsgAcceptResult))

	close(rooms.block)
	require.Eventually(t, func() bool {
		return len(bobSender.ofType(MsgAcceptResult)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	_, isErr := bobSender.ofType(MsgAcceptResult)[0].(sfu.ErrorResult)
	require.False(t, isErr)
	assert.Equal(t, invited.ConferenceID, bob.ConferenceID())
}

func TestRoomFailureClosesConference(t *testing.T) {
	rooms := &fakeRoomService{failRooms: true}
	s := newTestConfServer(t, rooms, nil)

	alice, aliceSender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, _ := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)

	waitClosed(t, s, invited.ConferenceID)
	closed := aliceSender.ofType(MsgConferenceClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "roomFailed", closed[0].(ConferenceClosedNotice).Reason)
}

func TestCreateConferenceWithSchedule(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, nil)
	s.schedules = &fakeScheduleSource{conferences: map[string]*ScheduledConf{
		"sched-1": {
			ConferenceCode:       "4711",
			GuestsAllowed:        true,
			RequireCodeForGuests: true,
			MaxGuests:            5,
			MaxUsers:             5,
			DurationMinutes:      30,
		},
	}}

	guest, _ := registerTestParticipant(t, s, "eve", "track-g", token.RoleGuest)
	_, err := s.CreateConference(guest.ID, CreateConfPayload{RoomName: "standup"})
	require.NotNil(t, err)
	assert.Equal(t, sfu.ErrNotAllowed, err.Code)

	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	created, err := s.CreateConference(alice.ID, CreateConfPayload{ExternalID: "sched-1", RoomName: "standup"})
	require.Nil(t, err)
	waitReady(t, s, created.ConferenceID)

	// The scheduled settings won: guests need the code, users do not.
	_, err = s.JoinConference(guest.ID, JoinConfPayload{ConferenceID: created.ConferenceID})
	require.NotNil(t, err)
	assert.Equal(t, ErrInvalidCode, err.Code)

	_, err = s.JoinConference(guest.ID, JoinConfPayload{ConferenceID: created.ConferenceID, ConferenceCode: "4711"})
	require.Nil(t, err)
	_, err = s.JoinConference(alice.ID, JoinConfPayload{ConferenceID: created.ConferenceID})
	require.Nil(t, err)

	// First joiner leads.
	assert.Equal(t, guest.ID, s.conference(created.ConferenceID).LeaderID())
}

func TestJoinRequiresReadyConference(t *testing.T) {
	rooms := &fakeRoomService{block: make(chan struct{})}
	s := newTestConfServer(t, rooms, nil)

	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	created, err := s.CreateConference(alice.ID, CreateConfPayload{RoomName: "standup"})
	require.Nil(t, err)

	_, err = s.JoinConference(alice.ID, JoinConfPayload{ConferenceID: created.ConferenceID})
	require.NotNil(t, err)
	assert.Equal(t, ErrConferenceNotReady, err.Code)

	close(rooms.block)
	waitReady(t, s, created.ConferenceID)
	_, err = s.JoinConference(alice.ID, JoinConfPayload{ConferenceID: created.ConferenceID})
	require.Nil(t, err)
}

func TestLeaveSemantics(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, nil)

	// Room-backed: a non-leader leaving updates the roster, the leader
	// leaving closes the conference.
	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)
	carol, _ := registerTestParticipant(t, s, "carol", "track-c", token.RoleUser)

	created, err := s.CreateConference(alice.ID, CreateConfPayload{RoomName: "standup", Settings: ConfSettings{MaxUsers: 5}})
	require.Nil(t, err)
	waitReady(t, s, created.ConferenceID)

	for _, p := range []*Participant{alice, bob, carol} {
		_, err = s.JoinConference(p.ID, JoinConfPayload{ConferenceID: created.ConferenceID})
		require.Nil(t, err)
	}

	_, err = s.Leave(carol.ID, LeavePayload{ConferenceID: created.ConferenceID})
	require.Nil(t, err)
	require.NotNil(t, s.conference(created.ConferenceID))
	rosters := bobSender.ofType(MsgConferenceRoster)
	require.NotEmpty(t, rosters)
	assert.Len(t, rosters[len(rosters)-1].(RosterNotice).Participants, 2)

	_, err = s.Leave(alice.ID, LeavePayload{ConferenceID: created.ConferenceID})
	require.Nil(t, err)
	waitClosed(t, s, created.ConferenceID)
	closed := bobSender.ofType(MsgConferenceClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "leaderLeft", closed[0].(ConferenceClosedNotice).Reason)
	assert.Empty(t, bob.ConferenceID())
}

func TestDisconnectGraceWindow(t *testing.T) {
	rooms := &fakeRoomService{}
	s := newTestConfServer(t, rooms, func(cfg *config.Config) {
		cfg.ReconnectGraceSecs = 1
	})

	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)
	waitReady(t, s, invited.ConferenceID)
	s.Accept(bobSender, bob.ID, AcceptPayload{ConferenceID: invited.ConferenceID})
	require.Eventually(t, func() bool { return bob.ConferenceID() == invited.ConferenceID },
		2*time.Second, 10*time.Millisecond)

	// Within the grace window the participant and its membership survive.
	s.Disconnect(bob.ID)
	require.NotNil(t, s.participant(bob.ID))
	assert.False(t, bob.Online())
	assert.Equal(t, invited.ConferenceID, bob.ConferenceID())

	// The window expires without a reconnect: full removal, and the p2p
	// conference auto-closes back down to one party.
	require.Eventually(t, func() bool { return s.participant(bob.ID) == nil },
		3*time.Second, 50*time.Millisecond)
	waitClosed(t, s, invited.ConferenceID)

	// Outside a conference there is no grace window.
	s.Disconnect(alice.ID)
	assert.Nil(t, s.participant(alice.ID))
}

func TestRegisterConcurrentSameTrackingID(t *testing.T) {
	s := newTestConfServer(t, nil, nil)
	authToken, signErr := s.tokens.Sign(token.Payload{Username: "alice", Role: token.RoleUser}, time.Hour)
	require.NoError(t, signErr)

	const attempts = 8
	var wg sync.WaitGroup
	ids := make([]string, attempts)
	errs := make([]*sfu.Error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Register(&fakeSender{}, RegisterConfPayload{
				AuthToken:   authToken,
				TrackingID:  "track-race",
				DisplayName: "alice",
			})
			errs[i] = err
			if err == nil {
				ids[i] = result.ParticipantID
			}
		}(i)
	}
	wg.Wait()

	// One registration wins the insert; the rest reattach to it. Either way
	// a single participant exists and every caller got its id.
	s.mu.RLock()
	count := len(s.participants)
	survivor := s.participantsByTracking["track-race"]
	s.mu.RUnlock()

	require.Equal(t, 1, count)
	require.NotNil(t, survivor)
	for i := 0; i < attempts; i++ {
		require.Nil(t, errs[i])
		assert.Equal(t, survivor.ID, ids[i])
	}
}

func TestInviteOnlyInviteeMayAcceptOrReject(t *testing.T) {
	s := newTestConfServer(t, nil, nil)
	alice, _ := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, bobSender := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)
	mallory, mallorySender := registerTestParticipant(t, s, "mallory", "track-m", token.RoleUser)

	invited, err := s.Invite(alice.ID, InvitePayload{ToParticipantID: bob.ID})
	require.Nil(t, err)
	waitReady(t, s, invited.ConferenceID)

	// A third party cannot kill the pending invite.
	_, rejectErr := s.Reject(mallory.ID, RejectPayload{ConferenceID: invited.ConferenceID})
	require.NotNil(t, rejectErr)
	assert.Equal(t, sfu.ErrNotAllowed, rejectErr.Code)
	require.NotNil(t, s.conference(invited.ConferenceID))

	// Nor take the invitee's seat.
	s.Accept(mallorySender, mallory.ID, AcceptPayload{ConferenceID: invited.ConferenceID})
	results := mallorySender.ofType(MsgAcceptResult)
	require.Len(t, results, 1)
	res, ok := results[0].(sfu.ErrorResult)
	require.True(t, ok)
	assert.Equal(t, sfu.ErrNotAllowed, res.Error.Code)

	// The invited participant still completes the handshake.
	s.Accept(bobSender, bob.ID, AcceptPayload{ConferenceID: invited.ConferenceID})
	require.Eventually(t, func() bool { return bob.ConferenceID() == invited.ConferenceID },
		2*time.Second, 10*time.Millisecond)
	conf := s.conference(invited.ConferenceID)
	require.NotNil(t, conf)
	assert.Equal(t, 2, conf.participantCount())
}

func TestPresenceBroadcastOnRegisterAndRemoval(t *testing.T) {
	s := newTestConfServer(t, nil, nil)
	alice, aliceSender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)
	bob, _ := registerTestParticipant(t, s, "bob", "track-b", token.RoleUser)

	notices := aliceSender.ofType(MsgParticipantsPresence)
	require.NotEmpty(t, notices)
	arrival := notices[len(notices)-1].(PresenceNotice)
	assert.Len(t, arrival.Participants, 2)

	// Bob is outside any conference, so the drop removes him immediately
	// and the remaining participants hear about it.
	s.Disconnect(bob.ID)
	notices = aliceSender.ofType(MsgParticipantsPresence)
	require.NotEmpty(t, notices)
	departure := notices[len(notices)-1].(PresenceNotice)
	require.Len(t, departure.Participants, 1)
	assert.Equal(t, alice.ID, departure.Participants[0].ParticipantID)
}

func TestDispatchRejectsMalformedPayloads(t *testing.T) {
	s := newTestConfServer(t, nil, nil)
	alice, sender := registerTestParticipant(t, s, "alice", "track-a", token.RoleUser)

	bad := json.RawMessage("{")
	for msgType, resultType := range map[string]string{
		MsgInviteCancelled: MsgInviteCancelledResult,
		MsgReject:          MsgRejectResult,
		MsgAccept:          MsgAcceptResult,
		MsgLeave:           MsgLeaveResult,
	} {
		s.Dispatch(sender, alice.ID, sfu.Envelope{Type: msgType, Data: bad})
		payloads := sender.ofType(resultType)
		require.NotEmpty(t, payloads, msgType)
		res, ok := payloads[len(payloads)-1].(sfu.ErrorResult)
		require.True(t, ok, msgType)
		assert.Equal(t, sfu.ErrInvalidMessage, res.Error.Code, msgType)
	}
}
