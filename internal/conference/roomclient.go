package conference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonas/confab/internal/sfu"
	"github.com/jonas/confab/internal/token"
)

// RoomService provisions rooms for conferences. Injectable so tests can run
// against an in-process fake instead of a live room-service instance.
type RoomService interface {
	// Pick selects the instance that will host the next room. All follow-up
	// calls for that room must go to the same base URI.
	Pick() string
	NewAuthUserToken(ctx context.Context, baseURI, username string, role token.Role) (string, error)
	NewRoomToken(ctx context.Context, baseURI string) (roomID, roomToken string, err error)
	NewRoom(ctx context.Context, baseURI, roomID, roomToken string, cfg sfu.RoomConfig) (rtpCapabilities json.RawMessage, err error)
	TerminateRoom(ctx context.Context, baseURI, roomID, reason string) error
}

// RoomClient talks to the room-service admin API over HTTP with bearer
// authorization, distributing rooms round-robin over the configured URIs.
type RoomClient struct {
	uris        []string
	accessToken string
	httpClient  *http.Client
	next        atomic.Uint64
}

func NewRoomClient(uris []string, accessToken string, timeout time.Duration) *RoomClient {
	return &RoomClient{
		uris:        uris,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *RoomClient) Pick() string {
	if len(c.uris) == 0 {
		return ""
	}
	n := c.next.Add(1)
	return c.uris[(n-1)%uint64(len(c.uris))]
}

type newAuthUserTokenRequest struct {
	Username string     `json:"username"`
	Role     token.Role `json:"role"`
}

type newAuthUserTokenResponse struct {
	AuthToken string `json:"authToken"`
}

func (c *RoomClient) NewAuthUserToken(ctx context.Context, baseURI, username string, role token.Role) (string, error) {
	var resp newAuthUserTokenResponse
	err := c.post(ctx, baseURI, "/newAuthUserToken", newAuthUserTokenRequest{Username: username, Role: role}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AuthToken, nil
}

type newRoomTokenRequest struct {
	ExpiresInMin int `json:"expiresInMin"`
}

func (c *RoomClient) NewRoomToken(ctx context.Context, baseURI string) (string, string, error) {
	var resp sfu.RoomNewTokenResult
	err := c.post(ctx, baseURI, "/newRoomToken", newRoomTokenRequest{}, &resp)
	if err != nil {
		return "", "", err
	}
	return resp.RoomID, resp.RoomToken, nil
}

func (c *RoomClient) NewRoom(ctx context.Context, baseURI, roomID, roomToken string, cfg sfu.RoomConfig) (json.RawMessage, error) {
	var resp sfu.RoomNewResult
	err := c.post(ctx, baseURI, "/newRoom", sfu.RoomNewPayload{RoomToken: roomToken, RoomID: roomID, RoomConfig: cfg}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.RoomRtpCapabilities, nil
}

type terminateRoomRequest struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

func (c *RoomClient) TerminateRoom(ctx context.Context, baseURI, roomID, reason string) error {
	return c.post(ctx, baseURI, "/terminateRoom", terminateRoomRequest{RoomID: roomID, Reason: reason}, nil)
}

func (c *RoomClient) post(ctx context.Context, baseURI, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURI+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure sfu.ErrorResult
		if decodeErr := json.NewDecoder(resp.Body).Decode(&failure); decodeErr == nil && failure.Error != nil {
			return fmt.Errorf("room service %s: %w", path, failure.Error)
		}
		return fmt.Errorf("room service %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
