// Package media wraps the SFU media engine behind small interfaces so the
// room server can treat transport, producer and consumer creation as opaque
// capabilities returning connection parameters.
package media

import "encoding/json"

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// TransportInfo carries the negotiation parameters a client needs to connect
// a transport.
type TransportInfo struct {
	ID                 string          `json:"transportId"`
	ICEParameters      json.RawMessage `json:"iceParameters"`
	ICECandidates      json.RawMessage `json:"iceCandidates"`
	DTLSParameters     json.RawMessage `json:"dtlsParameters"`
	ICEServers         []string        `json:"iceServers,omitempty"`
	ICETransportPolicy string          `json:"iceTransportPolicy,omitempty"`
}

// Producer is one inbound media stream of one kind from one peer.
type Producer interface {
	ID() string
	Kind() Kind
	// SetPaused stops or resumes forwarding without tearing the stream down.
	SetPaused(paused bool)
	Close()
}

// Consumer is one peer's subscription to another peer's Producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RTPParameters() json.RawMessage
	Close()
}

// Transport is one directional media transport. Connect must be called with
// the client's parameters before Produce or Consume.
type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(connectParameters json.RawMessage) error
	Produce(kind Kind, rtpParameters json.RawMessage) (Producer, error)
	Consume(producer Producer, rtpCapabilities json.RawMessage) (Consumer, error)
	Close()
}

// Router hosts all transports of one room on one worker.
type Router interface {
	RTPCapabilities() json.RawMessage
	CreateTransport() (Transport, error)
	Close()
}

// Worker is one media-engine process slot. Routers created on a worker stay
// pinned to it.
type Worker interface {
	CreateRouter() (Router, error)
}

// Balancer selects the worker for the next router. Injectable so the
// distribution strategy is swappable without touching call sites.
type Balancer interface {
	Next() Worker
}
