// Package peerclient is the peer-side client library for the
// collaboration server (spec section 4.8's counterpart): the
// three-call handshake (login, session/join-token mint, duplex
// upgrade), a full-room-roster PeerDirectory that tracks room.onJoin/
// room.onLeave, and a host-side hook for approving or denying
// peer.onJoinRequest applications.
//
// Grounded on the teacher's conn-pool.go dialAndHandshake (dial, then
// a fixed handshake exchange before the connection is usable) and
// internal/node/client.go's Connect (parse address, open transport,
// send a registration message, wait for the server's reply).
package peerclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/crypto"
)

// serverPeerID is the collaboration server's own connection identity,
// the Target every server-addressed control request (peer.init) uses.
// Must match server.ServerID on the server side.
const serverPeerID = "server"

// ProtocolVersion is the handshake version exchanged in peer.init
// (spec section 6). Must match the server's.
const ProtocolVersion = "0.0.1"

// Client is a peer's handle to one collaboration server: its own
// identity, the server's base URL and published public key, and the
// HTTP client used for the login/session calls that precede the
// duplex upgrade.
type Client struct {
	baseURL   string
	identity  crypto.PrivateKey
	name      string
	email     string
	serverPub crypto.PublicKey

	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
}

// Options configures a new Client.
type Options struct {
	// BaseURL is the collaboration server's HTTP origin, e.g.
	// "https://collab.example.com".
	BaseURL   string
	Identity  crypto.PrivateKey
	Name      string
	Email     string
	ServerKey crypto.PublicKey

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *zap.Logger
}

// New constructs a Client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		identity:   opts.Identity,
		name:       opts.Name,
		email:      opts.Email,
		serverPub:  opts.ServerKey,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

type loginRequest struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	SignPub string `json:"signPub"`
	SealPub string `json:"sealPub"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type sessionRequest struct {
	Token string `json:"token"`
}

// userID derives a stable identifier for this peer's durable identity
// from its public key fingerprint, since spec.md leaves the choice of
// user id to the surrounding application.
func (c *Client) userID() string {
	return fmt.Sprintf("%x", crypto.Fingerprint(c.identity.Public))
}

// Login implements the POST /api/login leg of the handshake (spec
// section 4.5), returning the login token used to mint a join token.
func (c *Client) Login(ctx context.Context) (string, error) {
	body := loginRequest{
		UserID:  c.userID(),
		Name:    c.name,
		Email:   c.email,
		SignPub: base64.StdEncoding.EncodeToString(c.identity.Public.Sign),
		SealPub: base64.StdEncoding.EncodeToString(c.identity.Public.SealBytes),
	}
	var resp tokenResponse
	if err := c.postJSON(ctx, "/api/login", body, &resp); err != nil {
		return "", fmt.Errorf("peerclient: login: %w", err)
	}
	return resp.Token, nil
}

// CreateRoom implements POST /api/session (spec section 4.5): mints a
// join token that, once redeemed via Connect, makes this peer the new
// room's host.
func (c *Client) CreateRoom(ctx context.Context, loginToken string) (string, error) {
	var resp tokenResponse
	if err := c.postJSON(ctx, "/api/session", sessionRequest{Token: loginToken}, &resp); err != nil {
		return "", fmt.Errorf("peerclient: create room: %w", err)
	}
	return resp.Token, nil
}

// JoinRoom implements POST /api/session/{roomId} (spec section 4.5):
// mints a join token admitting this peer as a guest of roomID, subject
// to the host's approval once Connect redeems it.
func (c *Client) JoinRoom(ctx context.Context, loginToken, roomID string) (string, error) {
	var resp tokenResponse
	if err := c.postJSON(ctx, "/api/session/"+roomID, sessionRequest{Token: loginToken}, &resp); err != nil {
		return "", fmt.Errorf("peerclient: join room: %w", err)
	}
	return resp.Token, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wsURL rewrites the client's http(s) base URL to ws(s) for the
// websocket upgrade endpoint.
func (c *Client) wsURL(path string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + path
}

var wsDialer = websocket.DefaultDialer
