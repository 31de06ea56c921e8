package relayhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tss-session-relay/api"
	"github.com/ruteri/tss-session-relay/interfaces"
)

// DefaultClientTimeout bounds a single request to the relay.
const DefaultClientTimeout = 5 * time.Second

// StatusError is returned when the relay answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay responded with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to a relay over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a relay client for baseURL (e.g. "http://192.168.1.5:18080").
// A nil httpClient is replaced by one with DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the relay address the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Hello(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/hello", nil, nil)
	return err
}

// PostMessage posts msg to the session mailbox. messageID may be empty.
func (c *Client) PostMessage(ctx context.Context, messageID string, msg *interfaces.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/message/"+url.PathEscape(msg.SessionID), body, messageIDHeaders(messageID))
	return err
}

// GetMessages polls the messages pending for deviceID with a sequence number above since.
func (c *Client) GetMessages(ctx context.Context, sessionID, messageID, deviceID string, since uint64) ([]interfaces.Message, error) {
	path := fmt.Sprintf("/message/%s/%s", url.PathEscape(sessionID), url.PathEscape(deviceID))
	if since > 0 {
		path += "?" + api.SinceQueryParam + "=" + strconv.FormatUint(since, 10)
	}

	respBody, err := c.do(ctx, http.MethodGet, path, nil, messageIDHeaders(messageID))
	if err != nil {
		return nil, err
	}

	var msgs []interfaces.Message
	if err := json.Unmarshal(respBody, &msgs); err != nil {
		return nil, fmt.Errorf("could not parse messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage acknowledges deviceID's copy of the message with hash.
func (c *Client) DeleteMessage(ctx context.Context, sessionID, messageID, deviceID, hash string) error {
	path := fmt.Sprintf("/message/%s/%s/%s", url.PathEscape(sessionID), url.PathEscape(deviceID), url.PathEscape(hash))
	_, err := c.do(ctx, http.MethodDelete, path, nil, messageIDHeaders(messageID))
	return err
}

// AckMessage deletes deviceID's copy of msg, matched by sender, sequence number
// and hash.
func (c *Client) AckMessage(ctx context.Context, sessionID, messageID, deviceID string, msg *interfaces.Message) error {
	query := url.Values{}
	query.Set(api.FromQueryParam, msg.From)
	query.Set(api.SequenceNoQueryParam, strconv.FormatUint(msg.SequenceNo, 10))

	path := fmt.Sprintf("/message/%s/%s/%s?%s", url.PathEscape(sessionID), url.PathEscape(deviceID), url.PathEscape(msg.Hash), query.Encode())
	_, err := c.do(ctx, http.MethodDelete, path, nil, messageIDHeaders(messageID))
	return err
}

func (c *Client) RegisterParticipants(ctx context.Context, sessionID string, parties []string) error {
	return c.postParties(ctx, "/"+url.PathEscape(sessionID), parties)
}

func (c *Client) Participants(ctx context.Context, sessionID string) ([]string, error) {
	return c.getParties(ctx, "/"+url.PathEscape(sessionID))
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+url.PathEscape(sessionID), nil, nil)
	return err
}

func (c *Client) StartWithCommittee(ctx context.Context, sessionID string, committee []string) error {
	return c.postParties(ctx, "/start/"+url.PathEscape(sessionID), committee)
}

func (c *Client) Committee(ctx context.Context, sessionID string) ([]string, error) {
	return c.getParties(ctx, "/start/"+url.PathEscape(sessionID))
}

func (c *Client) MarkComplete(ctx context.Context, sessionID string, parties []string) error {
	return c.postParties(ctx, "/complete/"+url.PathEscape(sessionID), parties)
}

func (c *Client) CompletedParties(ctx context.Context, sessionID string) ([]string, error) {
	return c.getParties(ctx, "/complete/"+url.PathEscape(sessionID))
}

// MarkKeysignComplete publishes the keysign result for messageID.
func (c *Client) MarkKeysignComplete(ctx context.Context, sessionID, messageID string, result []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/complete/"+url.PathEscape(sessionID)+"/keysign", result, messageIDHeaders(messageID))
	return err
}

func (c *Client) KeysignResult(ctx context.Context, sessionID, messageID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/complete/"+url.PathEscape(sessionID)+"/keysign", nil, messageIDHeaders(messageID))
}

func (c *Client) UploadSetupMessage(ctx context.Context, sessionID, messageID, payload string) error {
	_, err := c.do(ctx, http.MethodPost, "/setup-message/"+url.PathEscape(sessionID), []byte(payload), messageIDHeaders(messageID))
	return err
}

func (c *Client) SetupMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/setup-message/"+url.PathEscape(sessionID), nil, messageIDHeaders(messageID))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) postParties(ctx context.Context, path string, parties []string) error {
	body, err := json.Marshal(parties)
	if err != nil {
		return fmt.Errorf("could not encode parties: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, path, body, nil)
	return err
}

func (c *Client) getParties(ctx context.Context, path string) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var parties []string
	if err := json.Unmarshal(body, &parties); err != nil {
		return nil, fmt.Errorf("could not parse parties: %w", err)
	}
	return parties, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach relay: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, api.MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("could not read relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func messageIDHeaders(messageID string) map[string]string {
	if messageID == "" {
		return nil
	}
	return map[string]string{api.MessageIDHeader: messageID}
}
