package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"e2eed/internal/domain"
)

const prefix = "/_matrix/client/v3"

// Client talks to one server as one device.
type Client struct {
	Base   string
	Token  string
	User   domain.UserID
	DeviceID domain.DeviceID
	HTTP   *http.Client
}

// New returns a client using http.DefaultClient.
func New(base, token string, user domain.UserID, device domain.DeviceID) *Client {
	return &Client{Base: base, Token: token, User: user, DeviceID: device, HTTP: http.DefaultClient}
}

// Upload publishes keys for the client's own device. user and device must
// match the identity the token was issued for.
func (c *Client) Upload(ctx context.Context, user domain.UserID, device domain.DeviceID, req domain.KeyUploadRequest) (domain.KeyUploadResponse, error) {
	var out domain.KeyUploadResponse
	if user != c.User || device != c.DeviceID {
		return out, domain.Validationf("client is %s/%s, cannot upload for %s/%s", c.User, c.DeviceID, user, device)
	}
	err := c.do(ctx, http.MethodPost, "/keys/upload", req, &out)
	return out, err
}

func (c *Client) Query(ctx context.Context, req domain.KeyQueryRequest) (domain.KeyQueryResponse, error) {
	var out domain.KeyQueryResponse
	err := c.do(ctx, http.MethodPost, "/keys/query", req, &out)
	return out, err
}

func (c *Client) Claim(ctx context.Context, req domain.KeyClaimRequest) (domain.KeyClaimResponse, error) {
	var out domain.KeyClaimResponse
	err := c.do(ctx, http.MethodPost, "/keys/claim", req, &out)
	return out, err
}

// Device queries the published keys of one device.
func (c *Client) Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error) {
	resp, err := c.Query(ctx, domain.KeyQueryRequest{
		DeviceKeys: map[domain.UserID][]domain.DeviceID{user: {device}},
	})
	if err != nil {
		return domain.Device{}, err
	}
	if reason, ok := resp.Failures[user]; ok {
		return domain.Device{}, fmt.Errorf("query %s: %s", user, reason)
	}
	keys, ok := resp.DeviceKeys[user][device]
	if !ok {
		return domain.Device{}, domain.NotFoundf("device %s of %s", device, user)
	}
	return domain.Device{UserID: user, DeviceID: device, Keys: keys}, nil
}

// Send queues to-device events. sender must be the client's user; the
// server takes the sender from the token.
func (c *Client) Send(ctx context.Context, sender domain.UserID, eventType string, messages map[domain.UserID]map[domain.DeviceID]json.RawMessage) error {
	if sender != c.User {
		return domain.Validationf("client is %s, cannot send as %s", c.User, sender)
	}
	txn := domain.UUIDGenerator{}.NewID()
	body := struct {
		Messages map[domain.UserID]map[domain.DeviceID]json.RawMessage `json:"messages"`
	}{messages}
	return c.do(ctx, http.MethodPut, "/sendToDevice/"+url.PathEscape(eventType)+"/"+txn, body, nil)
}

// Messages fetches pending to-device events for the client's device.
func (c *Client) Messages(ctx context.Context, limit int) ([]domain.ToDeviceMessage, error) {
	path := "/to_device"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Events []domain.ToDeviceMessage `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}

// Acknowledge deletes delivered to-device events.
func (c *Client) Acknowledge(ctx context.Context, ids []string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "/to_device/delete", struct {
		MessageIDs []string `json:"message_ids"`
	}{ids}, &out)
	return out.Deleted, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	u := c.Base + prefix + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(method, u, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
