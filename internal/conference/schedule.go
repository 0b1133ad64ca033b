package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ScheduledConf is what the schedule service knows about a pre-planned
// conference, merged over the client-supplied settings at creation time.
type ScheduledConf struct {
	ConferenceCode       string `json:"conferenceCode"`
	GuestsAllowed        bool   `json:"guestsAllowed"`
	RequireCodeForGuests bool   `json:"requireCodeForGuests"`
	RequireCodeForUsers  bool   `json:"requireCodeForUsers"`
	MaxGuests            int    `json:"maxGuests"`
	MaxUsers             int    `json:"maxUsers"`
	DurationMinutes      int    `json:"durationMinutes"`
}

// ScheduleSource resolves an external id to its scheduled configuration.
// A nil result with nil error means the id is unknown to the scheduler.
type ScheduleSource interface {
	Lookup(ctx context.Context, externalID string) (*ScheduledConf, error)
}

// ScheduleClient fetches scheduled conference data over HTTP.
type ScheduleClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewScheduleClient(baseURL string, timeout time.Duration) *ScheduleClient {
	return &ScheduleClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *ScheduleClient) Lookup(ctx context.Context, externalID string) (*ScheduledConf, error) {
	endpoint := c.baseURL + "/conferences/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("schedule service: status %d", resp.StatusCode)
	}

	var scheduled ScheduledConf
	if err := json.NewDecoder(resp.Body).Decode(&scheduled); err != nil {
		return nil, err
	}
	return &scheduled, nil
}
