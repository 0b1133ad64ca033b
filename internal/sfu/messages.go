package sfu

import (
	"encoding/json"

	"github.com/jonas/confab/internal/media"
)

// Envelope frames every message on the peer-facing protocol. Unknown types
// are a validation error, never a silent no-op.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	MsgRegisterPeer                  = "registerPeer"
	MsgRegisterPeerResult            = "registerPeerResult"
	MsgRoomNewToken                  = "roomNewToken"
	MsgRoomNewTokenResult            = "roomNewTokenResult"
	MsgRoomNew                       = "roomNew"
	MsgRoomNewResult                 = "roomNewResult"
	MsgRoomJoin                      = "roomJoin"
	MsgRoomJoinResult                = "roomJoinResult"
	MsgRoomLeave                     = "roomLeave"
	MsgRoomLeaveResult               = "roomLeaveResult"
	MsgCreateProducerTransport       = "createProducerTransport"
	MsgCreateProducerTransportResult = "createProducerTransportResult"
	MsgCreateConsumerTransport       = "createConsumerTransport"
	MsgCreateConsumerTransportResult = "createConsumerTransportResult"
	MsgConnectProducerTransport      = "connectProducerTransport"
	MsgProducerTransportConnected    = "producerTransportConnected"
	MsgConnectConsumerTransport      = "connectConsumerTransport"
	MsgConsumerTransportConnected    = "consumerTransportConnected"
	MsgRoomProduceStream             = "roomProduceStream"
	MsgRoomProduceStreamResult       = "roomProduceStreamResult"
	MsgRoomCloseProducer             = "roomCloseProducer"
	MsgRoomCloseProducerResult       = "roomCloseProducerResult"
	MsgRoomConsumeProducer           = "roomConsumeProducer"
	MsgRoomConsumeProducerResult     = "roomConsumeProducerResult"
	MsgPeerTracksInfo                = "peerTracksInfo"
	MsgPeerMuteTracks                = "peerMuteTracks"
	MsgPeerMuteTracksResult          = "peerMuteTracksResult"
	MsgRoomPing                      = "roomPing"
	MsgRoomPong                      = "roomPong"

	// Server-initiated.
	MsgRoomNewProducer    = "roomNewProducer"
	MsgRoomNewPeer        = "roomNewPeer"
	MsgRoomPeerLeft       = "roomPeerLeft"
	MsgRoomClosed         = "roomClosed"
	MsgRoomConsumerClosed = "roomConsumerClosed"
)

// ErrorResult is sent under the request's result type when a handler fails.
type ErrorResult struct {
	Error *Error `json:"error"`
}

// TracksInfo mirrors a peer's current track state. Enabled flags reflect the
// peer's own toggle; Muted flags are a server/peer-imposed override that a
// self-toggle cannot undo.
type TracksInfo struct {
	IsAudioEnabled bool `json:"isAudioEnabled"`
	IsVideoEnabled bool `json:"isVideoEnabled"`
	IsAudioMuted   bool `json:"isAudioMuted"`
	IsVideoMuted   bool `json:"isVideoMuted"`
}

type RegisterPeerPayload struct {
	AuthToken   string `json:"authToken"`
	TrackingID  string `json:"trackingId"`
	DisplayName string `json:"displayName"`
	ClientType  string `json:"clientType"`
}

type RegisterPeerResult struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

type RoomNewTokenPayload struct {
	AuthToken    string `json:"authToken"`
	ExpiresInMin int    `json:"expiresInMin"`
}

type RoomNewTokenResult struct {
	RoomID    string `json:"roomId"`
	RoomToken string `json:"roomToken"`
}

type RoomNewPayload struct {
	RoomToken  string     `json:"roomToken"`
	RoomID     string     `json:"roomId"`
	RoomConfig RoomConfig `json:"roomConfig"`
}

type RoomNewResult struct {
	RoomID              string          `json:"roomId"`
	RoomToken           string          `json:"roomToken"`
	RoomRtpCapabilities json.RawMessage `json:"roomRtpCapabilities"`
}

type RoomJoinPayload struct {
	RoomID    string `json:"roomId"`
	RoomToken string `json:"roomToken"`
}

type RoomJoinResult struct {
	RoomID              string          `json:"roomId"`
	RoomRtpCapabilities json.RawMessage `json:"roomRtpCapabilities"`
	Peers               []PeerInfo      `json:"peers"`
}

type RoomLeavePayload struct {
	RoomID string `json:"roomId"`
}

type RoomLeaveResult struct {
	RoomID string `json:"roomId"`
}

type ProducerInfo struct {
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind"`
}

type PeerInfo struct {
	PeerID         string         `json:"peerId"`
	PeerTrackingID string         `json:"peerTrackingId"`
	DisplayName    string         `json:"displayName"`
	Producers      []ProducerInfo `json:"producers"`
	TracksInfo     TracksInfo     `json:"trackInfo"`
}

type CreateTransportResult struct {
	RoomID             string          `json:"roomId"`
	TransportID        string          `json:"transportId"`
	ICEParameters      json.RawMessage `json:"iceParameters"`
	ICECandidates      json.RawMessage `json:"iceCandidates"`
	DTLSParameters     json.RawMessage `json:"dtlsParameters"`
	ICEServers         []string        `json:"iceServers,omitempty"`
	ICETransportPolicy string          `json:"iceTransportPolicy,omitempty"`
}

type ConnectTransportPayload struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type TransportConnectedResult struct {
	RoomID string `json:"roomId"`
}

type ProduceStreamPayload struct {
	RoomID        string          `json:"roomId"`
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ProduceStreamResult struct {
	RoomID     string     `json:"roomId"`
	Kind       media.Kind `json:"kind"`
	ProducerID string     `json:"producerId"`
}

type CloseProducerPayload struct {
	RoomID string       `json:"roomId"`
	Kinds  []media.Kind `json:"kinds"`
}

type CloseProducerResult struct {
	RoomID string `json:"roomId"`
}

type ConsumeProducerPayload struct {
	RoomID          string          `json:"roomId"`
	RemotePeerID    string          `json:"remotePeerId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeProducerResult struct {
	RoomID        string          `json:"roomId"`
	PeerID        string          `json:"peerId"`
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type TracksInfoPayload struct {
	TracksInfo TracksInfo `json:"tracksInfo"`
}

type MuteTracksPayload struct {
	RoomID     string     `json:"roomId"`
	PeerID     string     `json:"peerId"`
	TracksInfo TracksInfo `json:"tracksInfo"`
}

type MuteTracksResult struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type PingPayload struct {
	RoomID string `json:"roomId"`
}

type PongResult struct {
	RoomID string `json:"roomId"`
}

// Server-initiated notices.

type NewProducerNotice struct {
	RoomID     string     `json:"roomId"`
	PeerID     string     `json:"peerId"`
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind"`
}

type NewPeerNotice struct {
	RoomID string   `json:"roomId"`
	Peer   PeerInfo `json:"peer"`
}

type PeerLeftNotice struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type RoomClosedNotice struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type ConsumerClosedNotice struct {
	ConsumerID string     `json:"consumerId"`
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind"`
}

type TracksInfoNotice struct {
	RoomID     string     `json:"roomId"`
	PeerID     string     `json:"peerId"`
	TracksInfo TracksInfo `json:"tracksInfo"`
}
