package sfu

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/media"
	"github.com/jonas/confab/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	Type    string
	Payload any
}

type fakeSender struct {
	mu     sync.Mutex
	msgs   []fakeMsg
	closed bool
}

func (f *fakeSender) Send(msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, fakeMsg{Type: msgType, Payload: payload})
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) ofType(msgType string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, m := range f.msgs {
		if m.Type == msgType {
			out = append(out, m.Payload)
		}
	}
	return out
}

// errCode returns the error code of the last ErrorResult sent under the given
// message type, or "" when the last one was a success.
func (f *fakeSender) errCode(msgType string) string {
	msgs := f.ofType(msgType)
	if len(msgs) == 0 {
		return ""
	}
	if res, ok := msgs[len(msgs)-1].(ErrorResult); ok {
		return res.Error.Code
	}
	return ""
}

var (
	fakeCaps = json.RawMessage(`{"codecs":["opus","VP8"]}`)
	fakeBlob = json.RawMessage(`{}`)
)

type fakeBalancer struct{ worker *fakeWorker }

func (b *fakeBalancer) Next() media.Worker { return b.worker }

type fakeWorker struct {
	routers atomic.Int32
	seq     atomic.Int64
}

func (w *fakeWorker) CreateRouter() (media.Router, error) {
	w.routers.Add(1)
	return &fakeRouter{worker: w}, nil
}

func (w *fakeWorker) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, w.seq.Add(1))
}

type fakeRouter struct {
	worker *fakeWorker
	closed atomic.Bool
}

func (r *fakeRouter) RTPCapabilities() json.RawMessage { return fakeCaps }

func (r *fakeRouter) CreateTransport() (media.Transport, error) {
	return &fakeTransport{id: r.worker.nextID("transport"), worker: r.worker}, nil
}

func (r *fakeRouter) Close() { r.closed.Store(true) }

type fakeTransport struct {
	id        string
	worker    *fakeWorker
	connected atomic.Bool
	closed    atomic.Bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Info() media.TransportInfo {
	return media.TransportInfo{
		ID:             t.id,
		ICEParameters:  fakeBlob,
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: fakeBlob,
	}
}

func (t *fakeTransport) Connect(json.RawMessage) error {
	t.connected.Store(true)
	return nil
}

func (t *fakeTransport) Produce(kind media.Kind, _ json.RawMessage) (media.Producer, error) {
	return &fakeProducer{id: t.worker.nextID("producer"), kind: kind}, nil
}

func (t *fakeTransport) Consume(producer media.Producer, _ json.RawMessage) (media.Consumer, error) {
	return &fakeConsumer{
		id:         t.worker.nextID("consumer"),
		producerID: producer.ID(),
		kind:       producer.Kind(),
	}, nil
}

func (t *fakeTransport) Close() { t.closed.Store(true) }

type fakeProducer struct {
	id     string
	kind   media.Kind
	paused atomic.Bool
	closed atomic.Bool
}

func (p *fakeProducer) ID() string            { return p.id }
func (p *fakeProducer) Kind() media.Kind      { return p.kind }
func (p *fakeProducer) SetPaused(paused bool) { p.paused.Store(paused) }
func (p *fakeProducer) Close()                { p.closed.Store(true) }

type fakeConsumer struct {
	id         string
	producerID string
	kind       media.Kind
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string                    { return c.id }
func (c *fakeConsumer) ProducerID() string            { return c.producerID }
func (c *fakeConsumer) Kind() media.Kind              { return c.kind }
func (c *fakeConsumer) RTPParameters() json.RawMessage { return fakeBlob }
func (c *fakeConsumer) Close()                        { c.closed.Store(true) }

type recorderCall struct {
	method string
	roomID string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorderCall
	fail  bool
}

func (r *fakeRecorder) record(method, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recorderCall{method: method, roomID: roomID})
	if r.fail {
		return fmt.Errorf("recording upstream down")
	}
	return nil
}

func (r *fakeRecorder) RoomStarted(roomID, _ string) error { return r.record("roomStarted", roomID) }

func (r *fakeRecorder) ProducerStarted(roomID, _, _ string, _ media.Kind, _ string) error {
	return r.record("producerStarted", roomID)
}

func (r *fakeRecorder) RoomTerminated(roomID string) error {
	return r.record("roomTerminated", roomID)
}

func (r *fakeRecorder) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.method)
	}
	return out
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		MaxPeersPerRoom:           16,
		MaxRoomDurationMinutes:    60,
		TimeOutNoParticipantsSecs: 60,
		PeerInactivitySecs:        60,
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(cfg, token.NewService("test-secret"), &fakeBalancer{worker: &fakeWorker{}}, nil, logger)
}

func authToken(t *testing.T, s *Server, username string, role token.Role) string {
	t.Helper()
	tok, err := s.tokens.Sign(token.Payload{Username: username, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func registerTestPeer(t *testing.T, s *Server, username, trackingID string, role token.Role) (*Peer, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	result, errr := s.RegisterPeer(sender, RegisterPeerPayload{
		AuthToken:   authToken(t, s, username, role),
		TrackingID:  trackingID,
		DisplayName: username,
	})
	require.Nil(t, errr)
	peer := s.Peer(result.PeerID)
	require.NotNil(t, peer)
	return peer, sender
}

func createTestRoom(t *testing.T, s *Server, creator string, cfg RoomConfig) (roomID, roomToken string) {
	t.Helper()
	tokenResult, errr := s.NewRoomToken(RoomNewTokenPayload{
		AuthToken: authToken(t, s, creator, token.RoleUser),
	})
	require.Nil(t, errr)
	newResult, errr := s.NewRoom(RoomNewPayload{
		RoomToken:  tokenResult.RoomToken,
		RoomID:     tokenResult.RoomID,
		RoomConfig: cfg,
	})
	require.Nil(t, errr)
	return newResult.RoomID, newResult.RoomToken
}

func joinTestRoom(t *testing.T, s *Server, peer *Peer, roomID, roomToken string) *RoomJoinResult {
	t.Helper()
	result, errr := s.JoinRoom(peer.ID, RoomJoinPayload{RoomID: roomID, RoomToken: roomToken})
	require.Nil(t, errr)
	return result
}
