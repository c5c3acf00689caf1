// Package ports defines the boundary between the promotion control plane and
// everything it depends on but does not implement: the MTProto transport, the
// metadata stores, and the outbound alert webhook.
package ports

import (
	"context"
	"fmt"
)

// Mobile is the phone-number string identifying a session. It is the primary
// key throughout the control plane.
type Mobile string

// ChannelID is an opaque channel identifier with the "-100" MTProto prefix
// already stripped.
type ChannelID string

// DialogEntity is the transport's view of one dialog entry, as returned by
// RemoteClient.GetDialogs.
type DialogEntity struct {
	ID                        ChannelID
	Title                     string
	Username                  string
	ParticipantsCount         int
	Broadcast                 bool
	Megagroup                 bool
	Restricted                bool
	DefaultBannedSendMessages bool
	WordRestriction           int
}

// SelfInfo is the transport's identity response.
type SelfInfo struct {
	Username  string
	FirstName string
}

// RemoteMessage is a minimal message reference used by verification probes.
type RemoteMessage struct {
	ID int64
}

// SendTarget names where a message should be sent: by username when known,
// falling back to the raw channel id.
type SendTarget struct {
	ChannelID ChannelID
	Username  string
}

// SendResult is returned by a successful RemoteClient.SendMessage.
type SendResult struct {
	ID int64
}

// RemoteClient is the opaque MTProto transport the control plane drives. It
// never appears as a concrete type inside the domain packages, only as this
// interface.
type RemoteClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	GetSelf(ctx context.Context) (SelfInfo, error)
	GetDialogs(ctx context.Context, limit int) ([]DialogEntity, error)
	GetEntity(ctx context.Context, id ChannelID) (DialogEntity, error)
	GetMessages(ctx context.Context, channel ChannelID, minID int64) ([]RemoteMessage, error)
	SendMessage(ctx context.Context, target SendTarget, message string) (SendResult, error)
}

// Factory builds a fresh, not-yet-connected RemoteClient for a mobile.
type Factory func(ctx context.Context, mobile Mobile) (RemoteClient, error)

// --- typed send outcomes ----------------------------------------------------

// FloodWaitError is Telegram's rate-limit signal, carrying the seconds the
// caller must wait before sending again.
type FloodWaitError struct{ Seconds int }

func (e *FloodWaitError) Error() string { return fmt.Sprintf("FLOOD_WAIT(%d)", e.Seconds) }

// ChannelPrivateError means the target is not resolvable by id; the caller
// should retry once by username if one is known.
type ChannelPrivateError struct{}

func (e *ChannelPrivateError) Error() string { return "CHANNEL_PRIVATE" }

// UserBannedError is a terminal-per-channel condition: this mobile is banned
// from this specific channel.
type UserBannedError struct{}

func (e *UserBannedError) Error() string { return "USER_BANNED_IN_CHANNEL" }

// ChatWriteForbiddenError is a terminal-per-channel condition: writing is
// disabled for everyone, not specific to this mobile.
type ChatWriteForbiddenError struct{}

func (e *ChatWriteForbiddenError) Error() string { return "CHAT_WRITE_FORBIDDEN" }

// TerminalAccountError means the underlying account is permanently unusable
// (deactivated, auth key revoked, phone banned, ...). Code carries the raw
// classification string for logging/persistence.
type TerminalAccountError struct{ Code string }

func (e *TerminalAccountError) Error() string { return "terminal account error: " + e.Code }

// TransientTransportError wraps a retryable network/transport failure; the
// caller should back off to the next tick rather than retry inline.
type TransientTransportError struct{ Cause error }

func (e *TransientTransportError) Error() string {
	return "transient transport: " + e.Cause.Error()
}
func (e *TransientTransportError) Unwrap() error { return e.Cause }

// LimitReachedError is returned by ClientRegistry.Acquire when the hard cap
// on concurrent connections is hit.
type LimitReachedError struct{ Limit int }

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("client registry: limit reached (%d)", e.Limit)
}

// AccountNotFoundError is returned when acquiring a mobile the AccountStore
// does not list as a promote-mobile.
type AccountNotFoundError struct{ Mobile Mobile }

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("client registry: account not found for %s", e.Mobile)
}

// --- store ports ------------------------------------------------------------

// ChannelMeta is the channel metadata record owned by ChannelStore.
type ChannelMeta struct {
	ChannelID         ChannelID
	Title             string
	Username          string
	ParticipantsCount int
	Broadcast         bool
	Restricted        bool
	CanSendMsgs       bool
	AvailableMsgs     []string
	Banned            bool
	LastMessageTime   int64
	WordRestriction   int
}

// ChannelPatch carries partial updates for ChannelStore.Update. Nil fields
// are left untouched.
type ChannelPatch struct {
	Banned          *bool
	LastMessageTime *int64
	CanSendMsgs     *bool
}

// ChannelStore is the external store of channel metadata. Upsert is the
// write-back half of the scheduler's cache-through lookup.
type ChannelStore interface {
	FindOne(ctx context.Context, id ChannelID) (*ChannelMeta, error)
	Upsert(ctx context.Context, meta ChannelMeta) error
	Update(ctx context.Context, id ChannelID, patch ChannelPatch) error
	RemoveFromAvailableMsgs(ctx context.Context, id ChannelID, variant string) error
	ActiveChannels(ctx context.Context, limit, skip int, exclude []ChannelID) ([]ChannelMeta, error)
}

// TemplateStore is the external store of promotional message templates.
type TemplateStore interface {
	FindOne(ctx context.Context) (map[string]string, error)
}

// AccountRecord describes one managed Telegram account as reported by
// AccountStore.
type AccountRecord struct {
	ClientID       string
	PromoteMobiles []Mobile
	DaysLeft       int
}

// AccountStore is the external store of account records.
type AccountStore interface {
	GetActiveClients(ctx context.Context) ([]AccountRecord, error)
	MarkExpired(ctx context.Context, mobiles []Mobile) error
}

// NotifyEvent describes one fire-and-forget alert.
type NotifyEvent struct {
	Kind    string
	Mobile  Mobile
	Channel ChannelID
	Detail  string
}

const (
	NotifyChannelBanned   = "channel_banned"
	NotifyVariantRemoved  = "variant_removed"
	NotifyBypassOn403     = "bypass_on_403"
	NotifyRetryExhaustion = "retry_exhaustion"
)

// Notifier is the optional outbound alert webhook. A nil Notifier is valid;
// callers must tolerate it.
type Notifier interface {
	Notify(ctx context.Context, event NotifyEvent)
}
