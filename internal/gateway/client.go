package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dispatchq/internal/models"
)

// Client talks to the messaging gateway that owns the channel
// connections (pairing, session liveness). The worker uses it as its
// ConnectionManager and MessageSender; it never mutates slot state.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type connectionsResponse struct {
	Connections []models.ConnectionSlot `json:"connections"`
}

// GetActiveSlots returns the client's connection slot snapshot.
func (c *Client) GetActiveSlots(ctx context.Context, clientID string) ([]models.ConnectionSlot, error) {
	url := fmt.Sprintf("%s/clients/%s/connections", c.baseURL, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway connections request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway connections request: status %d", resp.StatusCode)
	}

	var out connectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode connections response: %w", err)
	}
	return out.Connections, nil
}

type sendRequest struct {
	ClientID   string `json:"client_id"`
	Number     string `json:"number"`
	Text       string `json:"text"`
	SlotNumber int    `json:"slot_number"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Send delivers one text message through the given slot.
func (c *Client) Send(ctx context.Context, clientID, destination, message string, slotNumber int) error {
	body, err := json.Marshal(sendRequest{
		ClientID:   clientID,
		Number:     destination,
		Text:       message,
		SlotNumber: slotNumber,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message/text", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway send request: status %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "send rejected by gateway"
		}
		return fmt.Errorf("gateway: %s", out.Error)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
}
