package remoteclient

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"promofleet/internal/domain/promotion/ports"
	"promofleet/internal/infra/logger"
)

// Client drives one mobile's MTProto session. The gotd client runs in a
// background goroutine for the whole connected lifetime; RPC calls are
// issued against it from the promotion control plane's goroutines.
type Client struct {
	mobile ports.Mobile
	tc     *telegram.Client
	waiter *floodwait.Waiter

	mu        sync.Mutex
	api       *tg.Client
	runCancel context.CancelFunc
	runDone   chan struct{}
	runErr    error

	connected atomic.Bool

	// hashes caches channel access hashes discovered via dialog sweeps and
	// username resolution. gotd RPC calls need the hash alongside the id.
	hashMu sync.Mutex
	hashes map[int64]int64
}

var _ ports.RemoteClient = (*Client)(nil)

// Connect starts the background run loop and blocks until the session is
// authorized and ready, the run loop dies, or ctx expires. An unauthorized
// session file is a terminal account condition, not a retryable one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ready := make(chan error, 1)
	c.runCancel = cancel
	c.runDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.waiter.Run(runCtx, func(ctx context.Context) error {
			return c.tc.Run(ctx, func(ctx context.Context) error {
				status, err := c.tc.Auth().Status(ctx)
				if err != nil {
					ready <- errors.Wrap(err, "auth status")
					return err
				}
				if !status.Authorized {
					err := &ports.TerminalAccountError{Code: "auth_key_unregistered"}
					ready <- err
					return err
				}

				c.mu.Lock()
				c.api = c.tc.API()
				c.mu.Unlock()
				c.connected.Store(true)
				ready <- nil

				<-ctx.Done()
				return ctx.Err()
			})
		})
		c.connected.Store(false)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnf("remoteclient %s: run loop exited: %v", c.mobile, err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-done
			return classifyConnectError(err)
		}
		return nil
	case <-done:
		c.mu.Lock()
		err := c.runErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("run loop exited before the session became ready")
		}
		return classifyConnectError(err)
	case <-ctx.Done():
		cancel()
		return classifyConnectError(ctx.Err())
	}
}

// Disconnect stops the run loop and waits for it to unwind, bounded by ctx.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	c.connected.Store(false)

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the run loop is up and the session authorized.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || !c.connected.Load() {
		return nil, &ports.TransientTransportError{Cause: errors.New("client is not connected")}
	}
	return c.api, nil
}

// GetSelf fetches the session's own identity.
func (c *Client) GetSelf(ctx context.Context) (ports.SelfInfo, error) {
	if _, err := c.apiClient(); err != nil {
		return ports.SelfInfo{}, err
	}
	self, err := c.tc.Self(ctx)
	if err != nil {
		return ports.SelfInfo{}, classifySendError(err)
	}
	return ports.SelfInfo{Username: self.Username, FirstName: self.FirstName}, nil
}

// GetDialogs fetches up to limit dialogs in one sweep and maps the group-like
// chats into transport entities, caching access hashes along the way.
func (c *Client) GetDialogs(ctx context.Context, limit int) ([]ports.DialogEntity, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, classifySendError(errors.Wrap(err, "MessagesGetDialogs"))
	}

	chats, err := chatsFromDialogs(resp)
	if err != nil {
		return nil, err
	}

	out := make([]ports.DialogEntity, 0, len(chats))
	for _, chat := range chats {
		channel, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		c.rememberHash(channel)
		out = append(out, dialogEntityFromChannel(channel))
	}
	return out, nil
}

// GetEntity resolves a single channel by id from the access-hash cache.
func (c *Client) GetEntity(ctx context.Context, id ports.ChannelID) (ports.DialogEntity, error) {
	api, err := c.apiClient()
	if err != nil {
		return ports.DialogEntity{}, err
	}

	channelID, err := channelIDToInt(id)
	if err != nil {
		return ports.DialogEntity{}, err
	}
	hash, ok := c.lookupHash(channelID)
	if !ok {
		return ports.DialogEntity{}, &ports.ChannelPrivateError{}
	}

	resp, err := api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: channelID, AccessHash: hash},
	})
	if err != nil {
		return ports.DialogEntity{}, classifySendError(errors.Wrap(err, "ChannelsGetChannels"))
	}

	for _, chat := range resp.GetChats() {
		if channel, ok := chat.(*tg.Channel); ok && channel.ID == channelID {
			c.rememberHash(channel)
			return dialogEntityFromChannel(channel), nil
		}
	}
	return ports.DialogEntity{}, &ports.ChannelPrivateError{}
}

// GetMessages probes a channel's history starting above minID, as the
// verification queue does to confirm a recent send survived.
func (c *Client) GetMessages(ctx context.Context, channel ports.ChannelID, minID int64) ([]ports.RemoteMessage, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	peer, err := c.inputPeer(channel)
	if err != nil {
		return nil, err
	}

	resp, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		MinID: int(minID),
	})
	if err != nil {
		return nil, classifySendError(errors.Wrap(err, "MessagesGetHistory"))
	}

	return messagesFromHistory(resp), nil
}

// SendMessage delivers one text message. When the target carries a username
// it is resolved fresh (also refreshing the hash cache); otherwise the send
// goes by cached channel id.
func (c *Client) SendMessage(ctx context.Context, target ports.SendTarget, message string) (ports.SendResult, error) {
	api, err := c.apiClient()
	if err != nil {
		return ports.SendResult{}, err
	}

	var peer tg.InputPeerClass
	if target.Username != "" {
		peer, err = c.resolveUsername(ctx, api, target.Username)
	} else {
		peer, err = c.inputPeer(target.ChannelID)
	}
	if err != nil {
		return ports.SendResult{}, err
	}

	updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  message,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return ports.SendResult{}, classifySendError(err)
	}

	id := messageIDFromUpdates(updates)
	if id == 0 {
		return ports.SendResult{}, &ports.TransientTransportError{
			Cause: errors.New("send succeeded but the response carried no message id"),
		}
	}
	return ports.SendResult{ID: id}, nil
}

func (c *Client) resolveUsername(ctx context.Context, api *tg.Client, username string) (tg.InputPeerClass, error) {
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: strings.TrimPrefix(username, "@"),
	})
	if err != nil {
		return nil, classifySendError(errors.Wrapf(err, "resolve %s", username))
	}
	for _, chat := range resolved.Chats {
		if channel, ok := chat.(*tg.Channel); ok {
			c.rememberHash(channel)
			return &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}, nil
		}
	}
	return nil, &ports.ChannelPrivateError{}
}

func (c *Client) inputPeer(id ports.ChannelID) (tg.InputPeerClass, error) {
	channelID, err := channelIDToInt(id)
	if err != nil {
		return nil, err
	}
	hash, ok := c.lookupHash(channelID)
	if !ok {
		return nil, &ports.ChannelPrivateError{}
	}
	return &tg.InputPeerChannel{ChannelID: channelID, AccessHash: hash}, nil
}

func (c *Client) rememberHash(channel *tg.Channel) {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	if c.hashes == nil {
		c.hashes = make(map[int64]int64)
	}
	c.hashes[channel.ID] = channel.AccessHash
}

func (c *Client) lookupHash(channelID int64) (int64, bool) {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	hash, ok := c.hashes[channelID]
	return hash, ok
}

// channelIDToInt parses the opaque channel id back into gotd's numeric form.
func channelIDToInt(id ports.ChannelID) (int64, error) {
	v, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel id %q is not numeric: %w", id, err)
	}
	return v, nil
}

// NormalizeChannelID strips the bot-API "-100" prefix at ingest so the rest
// of the system only ever sees the bare numeric id.
func NormalizeChannelID(raw string) ports.ChannelID {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "-100") {
		s = s[len("-100"):]
	}
	return ports.ChannelID(s)
}
