// ABOUTME: Matrix-backed protocol adapter using one mautrix client per connection
// ABOUTME: Maps DM rooms to peers, auto-joins invites and reports sync failures as disconnects

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-switchboard/internal/protocol"
)

// networkTimeout bounds individual Matrix API calls.
const networkTimeout = 10 * time.Second

// ErrNoCredentials is returned by Connect when there is neither a session nor credentials.
var ErrNoCredentials = errors.New("no matrix credentials for connection")

// Credentials are a Matrix account used for password login.
type Credentials struct {
	Username string
	Password string
}

// CredentialsFunc resolves login credentials for a connection.
type CredentialsFunc func(ctx context.Context, connectionID string) (Credentials, bool)

// Session is the resumable state stored in Connection.SessionData.
type Session struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

func encodeSession(s Session) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSession(data []byte) (Session, bool) {
	if len(data) == 0 {
		return Session{}, false
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false
	}
	if s.UserID == "" || s.AccessToken == "" {
		return Session{}, false
	}
	return s, true
}

type liveSession struct {
	client *mautrix.Client
	cancel context.CancelFunc
	ready  bool
	rooms  map[id.UserID]id.RoomID // peer -> DM room
}

// Adapter bridges connections to Matrix accounts.
type Adapter struct {
	homeserver  string
	credentials CredentialsFunc
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	events   chan protocol.Event
}

// New creates an adapter for the given homeserver.
func New(homeserver string, credentials CredentialsFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		homeserver:  homeserver,
		credentials: credentials,
		logger:      logger.With("component", "matrix"),
		sessions:    make(map[string]*liveSession),
		events:      make(chan protocol.Event, 1024),
	}
}

// Events returns the channel of session events.
func (a *Adapter) Events() <-chan protocol.Event {
	return a.events
}

// Connect resumes from the session blob or logs in with configured
// credentials, then starts syncing. It never returns a handshake token; the
// first successful sync is reported as EventConnected.
func (a *Adapter) Connect(ctx context.Context, connectionID string, session []byte) (string, error) {
	a.Close(connectionID)

	client, sess, err := a.login(ctx, connectionID, session)
	if err != nil {
		return "", err
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return "", fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}

	syncCtx, cancel := context.WithCancel(context.Background())
	live := &liveSession{
		client: client,
		cancel: cancel,
		rooms:  make(map[id.UserID]id.RoomID),
	}

	blob, err := encodeSession(sess)
	if err != nil {
		cancel()
		return "", fmt.Errorf("encoding session: %w", err)
	}

	var once sync.Once
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		once.Do(func() {
			a.mu.Lock()
			live.ready = true
			a.mu.Unlock()
			a.logger.Info("matrix session ready", "connection_id", connectionID, "user_id", sess.UserID)
			a.emit(protocol.EventConnected{ConnectionID: connectionID, Address: sess.UserID, Session: blob})
		})
		return true
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.handleMembership(ctx, connectionID, live, evt)
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		a.handleMessage(connectionID, live, evt)
	})

	a.mu.Lock()
	a.sessions[connectionID] = live
	a.mu.Unlock()

	go a.runSync(syncCtx, connectionID, live)
	return "", nil
}

// login builds a client from a stored session or by password login.
func (a *Adapter) login(ctx context.Context, connectionID string, session []byte) (*mautrix.Client, Session, error) {
	if sess, ok := decodeSession(session); ok {
		homeserver := sess.Homeserver
		if homeserver == "" {
			homeserver = a.homeserver
		}
		client, err := mautrix.NewClient(homeserver, id.UserID(sess.UserID), sess.AccessToken)
		if err != nil {
			return nil, Session{}, fmt.Errorf("creating matrix client: %w", err)
		}
		client.DeviceID = id.DeviceID(sess.DeviceID)
		sess.Homeserver = homeserver
		return client, sess, nil
	}

	if a.credentials == nil {
		return nil, Session{}, ErrNoCredentials
	}
	creds, ok := a.credentials(ctx, connectionID)
	if !ok {
		return nil, Session{}, ErrNoCredentials
	}

	client, err := mautrix.NewClient(a.homeserver, "", "")
	if err != nil {
		return nil, Session{}, fmt.Errorf("creating matrix client: %w", err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := client.Login(loginCtx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: creds.Username,
		},
		Password:                 creds.Password,
		InitialDeviceDisplayName: "coven-switchboard",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, Session{}, fmt.Errorf("matrix login: %w", err)
	}

	return client, Session{
		Homeserver:  a.homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}, nil
}

func (a *Adapter) runSync(ctx context.Context, connectionID string, live *liveSession) {
	err := live.client.SyncWithContext(ctx)

	a.mu.Lock()
	current := a.sessions[connectionID] == live
	if current {
		delete(a.sessions, connectionID)
	}
	a.mu.Unlock()

	// Close or a newer Connect replaced this session; nothing to report
	if !current || ctx.Err() != nil {
		return
	}

	reason := "sync stopped"
	if err != nil {
		reason = err.Error()
	}
	a.logger.Warn("matrix sync ended", "connection_id", connectionID, "error", err)
	a.emit(protocol.EventDisconnected{
		ConnectionID: connectionID,
		Reason:       reason,
		IsLogout:     errors.Is(err, mautrix.MUnknownToken),
	})
}

// handleMembership joins rooms the account is invited to.
func (a *Adapter) handleMembership(ctx context.Context, connectionID string, live *liveSession, evt *event.Event) {
	if evt.GetStateKey() != live.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := live.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		a.emit(protocol.EventError{ConnectionID: connectionID, Err: fmt.Errorf("joining %s: %w", evt.RoomID, err)})
		return
	}

	a.mu.Lock()
	if _, known := live.rooms[evt.Sender]; !known {
		live.rooms[evt.Sender] = evt.RoomID
	}
	a.mu.Unlock()
}

func (a *Adapter) handleMessage(connectionID string, live *liveSession, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	self := evt.Sender == live.client.UserID
	if !self {
		a.mu.Lock()
		live.rooms[evt.Sender] = evt.RoomID
		a.mu.Unlock()
	}

	a.emit(protocol.EventMessageIn{Inbound: protocol.Inbound{
		ConnectionID: connectionID,
		From:         evt.Sender.String(),
		Text:         content.Body,
		Timestamp:    time.UnixMilli(evt.Timestamp),
		IsSelfEcho:   self,
	}})
}

// Send delivers text to the DM room shared with the Matrix user `to`,
// creating the room on first contact.
func (a *Adapter) Send(ctx context.Context, connectionID, to, text string) error {
	a.mu.Lock()
	live, ok := a.sessions[connectionID]
	if !ok || !live.ready {
		a.mu.Unlock()
		return fmt.Errorf("sending from %s: %w", connectionID, protocol.ErrNotConnected)
	}
	peer := id.UserID(to)
	roomID, known := live.rooms[peer]
	a.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	if !known {
		resp, err := live.client.CreateRoom(sendCtx, &mautrix.ReqCreateRoom{
			Invite:   []id.UserID{peer},
			IsDirect: true,
			Preset:   "trusted_private_chat",
		})
		if err != nil {
			return fmt.Errorf("creating room with %s: %w", to, err)
		}
		roomID = resp.RoomID

		a.mu.Lock()
		live.rooms[peer] = roomID
		a.mu.Unlock()
	}

	resp, err := live.client.SendText(sendCtx, roomID, text)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}

	a.emit(protocol.EventMessageAck{ConnectionID: connectionID, To: to, MessageID: resp.EventID.String()})
	return nil
}

// IsReady reports whether the connection has completed its first sync.
func (a *Adapter) IsReady(connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	live, ok := a.sessions[connectionID]
	return ok && live.ready
}

// Logout invalidates the access token and stops syncing.
func (a *Adapter) Logout(ctx context.Context, connectionID string) error {
	a.mu.Lock()
	live, ok := a.sessions[connectionID]
	delete(a.sessions, connectionID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("logging out %s: %w", connectionID, protocol.ErrNotConnected)
	}

	live.cancel()
	live.client.StopSync()

	logoutCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := live.client.Logout(logoutCtx); err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}

	a.emit(protocol.EventDisconnected{ConnectionID: connectionID, Reason: "logged out", IsLogout: true})
	return nil
}

// Close stops syncing without logging out.
func (a *Adapter) Close(connectionID string) {
	a.mu.Lock()
	live, ok := a.sessions[connectionID]
	delete(a.sessions, connectionID)
	a.mu.Unlock()

	if ok {
		live.cancel()
		live.client.StopSync()
	}
}

func (a *Adapter) emit(evt protocol.Event) {
	a.events <- evt
}

var _ protocol.Adapter = (*Adapter)(nil)
