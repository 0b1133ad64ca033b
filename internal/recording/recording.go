// Package recording notifies an external recording service about room and
// producer lifecycle events so it can attach to the media it should capture.
package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonas/confab/internal/media"
	"github.com/sirupsen/logrus"
)

type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *logrus.Logger
}

func NewClient(baseURL, accessToken string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type roomStartedRequest struct {
	RoomID         string `json:"roomId"`
	RoomTrackingID string `json:"roomTrackingId"`
}

func (c *Client) RoomStarted(roomID, roomTrackingID string) error {
	return c.post("/recordings/start", roomStartedRequest{RoomID: roomID, RoomTrackingID: roomTrackingID})
}

type producerStartedRequest struct {
	RoomID         string     `json:"roomId"`
	JoinInstance   string     `json:"joinInstance"`
	PeerTrackingID string     `json:"peerTrackingId"`
	Kind           media.Kind `json:"kind"`
	ProducerID     string     `json:"producerId"`
}

// ProducerStarted links a live producer to the recording session. The join
// instance lets the recorder discard linkage from a superseded join of the
// same tracking id.
func (c *Client) ProducerStarted(roomID, joinInstance, peerTrackingID string, kind media.Kind, producerID string) error {
	return c.post("/recordings/producer", producerStartedRequest{
		RoomID:         roomID,
		JoinInstance:   joinInstance,
		PeerTrackingID: peerTrackingID,
		Kind:           kind,
		ProducerID:     producerID,
	})
}

type roomTerminatedRequest struct {
	RoomID string `json:"roomId"`
}

func (c *Client) RoomTerminated(roomID string) error {
	return c.post("/recordings/stop", roomTerminatedRequest{RoomID: roomID})
}

func (c *Client) post(path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
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
		return fmt.Errorf("recording service %s: status %d", path, resp.StatusCode)
	}
	c.logger.WithField("path", path).Debug("recording service notified")
	return nil
}
