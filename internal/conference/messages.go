// Package conference is the signaling layer above rooms: it matches
// registered participants into conferences, runs the invite handshake and
// provisions backing rooms through the room-service API.
package conference

import (
	"encoding/json"

	"github.com/jonas/confab/internal/sfu"
)

const (
	MsgRegisterConf           = "registerConf"
	MsgRegisterConfResult     = "registerConfResult"
	MsgCreateConf             = "createConf"
	MsgCreateConfResult       = "createConfResult"
	MsgJoinConf               = "joinConf"
	MsgJoinConfResult         = "joinConfResult"
	MsgInvite                 = "invite"
	MsgInviteResult           = "inviteResult"
	MsgInviteCancelled        = "inviteCancelled"
	MsgInviteCancelledResult  = "inviteCancelledResult"
	MsgReject                 = "reject"
	MsgRejectResult           = "rejectResult"
	MsgAccept                 = "accept"
	MsgAcceptResult           = "acceptResult"
	MsgLeave                  = "leave"
	MsgLeaveResult            = "leaveResult"
	MsgGetParticipants        = "getParticipants"
	MsgGetParticipantsResult  = "getParticipantsResult"
	MsgGetConferences         = "getConferences"
	MsgGetConferencesResult   = "getConferencesResult"

	// Server-initiated.
	MsgConferenceReady      = "conferenceReady"
	MsgConferenceClosed     = "conferenceClosed"
	MsgConferenceRoster     = "conferenceRoster"
	MsgParticipantsPresence = "participants"
)

// Conference-layer error codes, carried in the same typed error results as
// the room layer.
const (
	ErrConferenceNotFound  = "CONFERENCE_NOT_FOUND"
	ErrConferenceNotReady  = "CONFERENCE_NOT_READY"
	ErrAlreadyInConference = "ALREADY_IN_CONFERENCE"
	ErrParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	ErrInvalidCode         = "INVALID_CODE"
	ErrConferenceFull      = "CONFERENCE_FULL"
	ErrSelfInvite          = "SELF_INVITE"
)

type RegisterConfPayload struct {
	AuthToken   string `json:"authToken"`
	TrackingID  string `json:"trackingId"`
	DisplayName string `json:"displayName"`
}

type RegisterConfResult struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	// ConferenceID is set when the registration reattached a participant that
	// was inside a conference during its reconnect grace window.
	ConferenceID string `json:"conferenceId,omitempty"`
}

// ConfSettings is the client-supplied part of a conference configuration;
// scheduled conferences merge settings fetched from the schedule service over
// these.
type ConfSettings struct {
	ConferenceCode       string `json:"conferenceCode,omitempty"`
	GuestsAllowed        bool   `json:"guestsAllowed"`
	RequireCodeForGuests bool   `json:"requireCodeForGuests"`
	RequireCodeForUsers  bool   `json:"requireCodeForUsers"`
	MaxGuests            int    `json:"maxGuests"`
	MaxUsers             int    `json:"maxUsers"`
	DurationMinutes      int    `json:"durationMinutes"`
}

type CreateConfPayload struct {
	ExternalID string       `json:"externalId,omitempty"`
	RoomName   string       `json:"roomName"`
	Settings   ConfSettings `json:"settings"`
}

type CreateConfResult struct {
	ConferenceID string `json:"conferenceId"`
	RoomName     string `json:"roomName"`
}

type JoinConfPayload struct {
	ConferenceID   string `json:"conferenceId"`
	ConferenceCode string `json:"conferenceCode,omitempty"`
}

type JoinConfResult struct {
	ConferenceID string `json:"conferenceId"`
}

type InvitePayload struct {
	ToParticipantID string `json:"toParticipantId"`
}

type InviteResult struct {
	ConferenceID string `json:"conferenceId"`
}

// InviteNotice is forwarded to the invited participant under the invite type.
type InviteNotice struct {
	ConferenceID      string `json:"conferenceId"`
	FromParticipantID string `json:"fromParticipantId"`
	FromDisplayName   string `json:"fromDisplayName"`
}

type InviteCancelledPayload struct {
	ConferenceID string `json:"conferenceId"`
}

type InviteCancelledResult struct {
	ConferenceID string `json:"conferenceId"`
}

type RejectPayload struct {
	ConferenceID string `json:"conferenceId"`
}

type RejectResult struct {
	ConferenceID string `json:"conferenceId"`
}

type AcceptPayload struct {
	ConferenceID string `json:"conferenceId"`
}

type AcceptResult struct {
	ConferenceID string `json:"conferenceId"`
}

type LeavePayload struct {
	ConferenceID string `json:"conferenceId"`
}

type LeaveResult struct {
	ConferenceID string `json:"conferenceId"`
}

type ParticipantInfo struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Online        bool   `json:"online"`
	InConference  bool   `json:"inConference"`
}

type GetParticipantsResult struct {
	Participants []ParticipantInfo `json:"participants"`
}

type ConferenceInfo struct {
	ConferenceID     string `json:"conferenceId"`
	RoomName         string `json:"roomName"`
	Type             Type   `json:"confType"`
	Status           Status `json:"status"`
	ParticipantCount int    `json:"participantCount"`
	CodeProtected    bool   `json:"codeProtected"`
}

type GetConferencesResult struct {
	Conferences []ConferenceInfo `json:"conferences"`
}

// ConferenceReadyNotice carries everything a participant needs to register
// and join the backing room on its room-service instance.
type ConferenceReadyNotice struct {
	ConferenceID        string          `json:"conferenceId"`
	RoomID              string          `json:"roomId"`
	RoomToken           string          `json:"roomToken"`
	RoomURI             string          `json:"roomUri"`
	RoomRtpCapabilities json.RawMessage `json:"roomRtpCapabilities"`
	AuthToken           string          `json:"authToken"`
}

type ConferenceClosedNotice struct {
	ConferenceID string `json:"conferenceId"`
	Reason       string `json:"reason"`
}

type RosterNotice struct {
	ConferenceID string            `json:"conferenceId"`
	Participants []ParticipantInfo `json:"participants"`
}

// PresenceNotice announces the connected participant set whenever someone
// registers or is permanently removed.
type PresenceNotice struct {
	Participants []ParticipantInfo `json:"participants"`
}

// errResult mirrors the room layer's error framing.
func errResult(err *sfu.Error) sfu.ErrorResult {
	return sfu.ErrorResult{Error: err}
}
