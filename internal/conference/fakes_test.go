package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonas/confab/internal/config"
	"github.com/jonas/confab/internal/sfu"
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

var testCaps = json.RawMessage(`{"codecs":["opus"]}`)

// fakeRoomService provisions rooms in memory. Setting block makes NewRoom
// wait until unblock is called, to exercise the accept-before-ready path.
type fakeRoomService struct {
	mu         sync.Mutex
	seq        int
	created    []string
	terminated []string
	failRooms  bool
	block      chan struct{}
}

func (f *fakeRoomService) Pick() string { return "http://rooms.test" }

func (f *fakeRoomService) NewAuthUserToken(_ context.Context, _, username string, _ token.Role) (string, error) {
	return "auth-" + username, nil
}

func (f *fakeRoomService) NewRoomToken(_ context.Context, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("room-%d", f.seq)
	return id, "token-" + id, nil
}

func (f *fakeRoomService) NewRoom(ctx context.Context, _, roomID, _ string, _ sfu.RoomConfig) (json.RawMessage, error) {
	f.mu.Lock()
	block := f.block
	fail := f.failRooms
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("room service down")
	}

	f.mu.Lock()
	f.created = append(f.created, roomID)
	f.mu.Unlock()
	return testCaps, nil
}

func (f *fakeRoomService) TerminateRoom(_ context.Context, _, roomID, _ string) error {
	f.mu.Lock()
	f.terminated = append(f.terminated, roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRoomService) terminatedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type fakeScheduleSource struct {
	conferences map[string]*ScheduledConf
}

func (f *fakeScheduleSource) Lookup(_ context.Context, externalID string) (*ScheduledConf, error) {
	return f.conferences[externalID], nil
}

func newTestConfServer(t *testing.T, rooms *fakeRoomService, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		RoomInitTimeout:    2 * time.Second,
		InviteTimeout:      2 * time.Second,
		ReconnectGraceSecs: 30,
	}
	if mutate != nil {
		mutate(cfg)
	}
	if rooms == nil {
		rooms = &fakeRoomService{}
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(cfg, token.NewService("test-secret"), rooms, nil, logger)
}

func registerTestParticipant(t *testing.T, s *Server, username, trackingID string, role token.Role) (*Participant, *fakeSender) {
	t.Helper()
	authToken, err := s.tokens.Sign(token.Payload{Username: username, Role: role}, time.Hour)
	require.NoError(t, err)

	sender := &fakeSender{}
	result, errr := s.Register(sender, RegisterConfPayload{
		AuthToken:   authToken,
		TrackingID:  trackingID,
		DisplayName: username,
	})
	require.Nil(t, errr)
	participant := s.participant(result.ParticipantID)
	require.NotNil(t, participant)
	return participant, sender
}

func waitReady(t *testing.T, s *Server, conferenceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conf := s.conference(conferenceID)
		return conf != nil && conf.Status() == StatusReady
	}, 3*time.Second, 10*time.Millisecond)
}

func waitClosed(t *testing.T, s *Server, conferenceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.conference(conferenceID) == nil
	}, 3*time.Second, 10*time.Millisecond)
}
