package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// requestTimeout bounds ordinary JSON API calls. Long-poll syncs and
	// uploads set their own deadlines.
	requestTimeout = 30 * time.Second

	// syncTimeoutSlack is added to the long-poll timeout so the server
	// answers before the client gives up.
	syncTimeoutSlack = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// maxSyncResponseBytes caps sync response reads. Initial syncs of
	// large accounts are much bigger than ordinary API answers.
	maxSyncResponseBytes = 64 * 1024 * 1024
)

// Client talks to a homeserver's client-server and media APIs.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the first request's host. This prevents the access token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for the homeserver at baseURL. If
// httpClient is nil, a client with the same-host redirect policy and no
// global timeout is created; per-call deadlines are applied instead.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the homeserver URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAccessToken sets the token sent with authenticated requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

func (c *Client) authorize(req *http.Request) {
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// responseError builds the error for a non-200 response. 429 and 5xx
// are wrapped as transient server errors.
func responseError(status int, body []byte) error {
	herr := &HTTPError{StatusCode: status}

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && (apiErr.ErrCode != "" || apiErr.Error != "") {
		herr.ErrCode = apiErr.ErrCode
		herr.Message = apiErr.Error
	} else {
		herr.Message = sanitizeResponseBody(body)
	}

	if isTransientStatus(status) {
		return &TransientError{Kind: KindServer, Err: herr}
	}

	return herr
}

// do sends a JSON request and decodes a 200 response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result any, maxBytes int64) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, classifyTransportError(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %w", method, endpoint, responseError(resp.StatusCode, respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	return c.do(ctx, method, endpoint, query, body, result, maxAPIResponseBytes)
}

// Login performs a password login and stores the returned access token
// on the client.
func (c *Client) Login(ctx context.Context, user, password, deviceName string) (*LoginResponse, error) {
	req := LoginRequest{
		Type:                     "m.login.password",
		Identifier:               UserIdentifier{Type: "m.id.user", User: user},
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	}

	var resp LoginResponse
	if err := c.call(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, req, &resp); err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.ErrCode == "M_FORBIDDEN" {
			return nil, fmt.Errorf("logging in: %w", apperrors.ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: %w: no access token", apperrors.ErrAPIResponse)
	}

	c.SetAccessToken(resp.AccessToken)

	return &resp, nil
}

// Logout invalidates the current access token on the server and clears
// it from the client.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/_matrix/client/v3/logout", nil, struct{}{}, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	c.SetAccessToken("")

	return nil
}

// WhoAmI returns the user the current access token belongs to. A
// rejected token is reported as ErrInvalidToken.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var resp WhoAmIResponse
	if err := c.call(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp); err != nil {
		if IsPermanent(err) {
			return nil, fmt.Errorf("checking access token: %w: %w", apperrors.ErrInvalidToken, err)
		}

		return nil, fmt.Errorf("checking access token: %w", err)
	}

	return &resp, nil
}

// Versions returns the client API versions the homeserver supports. It needs
// no authentication, which makes it a cheap connectivity probe.
func (c *Client) Versions(ctx context.Context) (*VersionsResponse, error) {
	var resp VersionsResponse
	if err := c.call(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching versions: %w", err)
	}

	return &resp, nil
}

// Ping reports whether the homeserver is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Versions(ctx)
	return err
}

// FetchEarlierPage requests up to limit events older than pivot, newest
// first. An empty pivot starts from the live end of the room.
func (c *Client) FetchEarlierPage(ctx context.Context, roomID, pivot string, limit int) (*models.HistoryPage, error) {
	q := url.Values{}
	q.Set("dir", "b")
	q.Set("limit", strconv.Itoa(limit))

	if pivot != "" {
		q.Set("from", pivot)
	}

	var resp MessagesResponse

	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.call(ctx, http.MethodGet, endpoint, q, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", roomID, err)
	}

	for i := range resp.Chunk {
		if resp.Chunk[i].RoomID == "" {
			resp.Chunk[i].RoomID = roomID
		}
	}

	return &models.HistoryPage{
		StartToken: resp.Start,
		EndToken:   resp.End,
		Events:     resp.Chunk,
	}, nil
}

// Sync long-polls the homeserver for events after since. An empty since
// requests a full initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	if since != "" {
		q.Set("since", since)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+syncTimeoutSlack)
	defer cancel()

	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, nil, &resp, maxSyncResponseBytes); err != nil {
		return nil, fmt.Errorf("syncing: %w", err)
	}

	return &resp, nil
}

// LongPoll adapts Client.Sync to the sync loop's source interface.
type LongPoll struct {
	Client  *Client
	Timeout time.Duration
}

// Sync fetches the next batch after since.
func (p *LongPoll) Sync(ctx context.Context, since string) (*models.SyncBatch, error) {
	resp, err := p.Client.Sync(ctx, since, p.Timeout)
	if err != nil {
		return nil, err
	}

	return resp.Batch(), nil
}

// SetPresence updates the presence of userID.
func (c *Client) SetPresence(ctx context.Context, userID, presence, statusMsg string) error {
	endpoint := "/_matrix/client/v3/presence/" + url.PathEscape(userID) + "/status"

	req := PresenceRequest{Presence: presence, StatusMsg: statusMsg}
	if err := c.call(ctx, http.MethodPut, endpoint, nil, req, nil); err != nil {
		return fmt.Errorf("setting presence: %w", err)
	}

	return nil
}

// GetPresence returns the presence of userID.
func (c *Client) GetPresence(ctx context.Context, userID string) (*PresenceResponse, error) {
	endpoint := "/_matrix/client/v3/presence/" + url.PathEscape(userID) + "/status"

	var resp PresenceResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting presence: %w", err)
	}

	return &resp, nil
}

// UploadStream posts body to the media repository. The status code and
// body are returned as-is for any response the server sends; only a
// failure to get a response is an error. Connectivity and TLS failures
// come back as *TransientError.
//
// If body is an io.ReadCloser the transport closes it once the request
// has been written.
func (c *Client) UploadStream(ctx context.Context, body io.Reader, size int64, mimeType, filename string) (int, []byte, error) {
	target := c.baseURL + "/_matrix/media/v3/upload"
	if filename != "" {
		q := url.Values{}
		q.Set("filename", norm.NFC.String(filename))
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating upload request: %w", err)
	}

	req.ContentLength = size
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	req.Header.Set("Content-Type", mimeType)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("uploading %s: %w", filename, classifyTransportError(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading upload response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}
