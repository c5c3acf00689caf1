// Package remoteclient is the gotd-backed transport used by the promotion
// control plane. It owns one MTProto client per mobile, runs it in the
// background behind a flood-wait-aware run loop, and translates raw Telegram
// RPC failures into the typed outcomes the domain dispatches on.
package remoteclient

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gotd/td/tgerr"

	"promofleet/internal/domain/promotion/ports"
)

// Telegram RPC error types that end an account for good. Matching any of
// these marks the account expired upstream.
var terminalAccountCodes = []string{
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
	"PHONE_NUMBER_BANNED",
}

// classifySendError maps a raw sendMessage failure into the typed error set
// the scheduler dispatches on. Unrecognized RPC errors pass through
// unchanged so their error code lands in the outcome history as-is.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &ports.FloodWaitError{Seconds: int(wait.Seconds())}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE") {
		return &ports.ChannelPrivateError{}
	}
	if tgerr.Is(err, "USER_BANNED_IN_CHANNEL") {
		return &ports.UserBannedError{}
	}
	if tgerr.Is(err, "CHAT_WRITE_FORBIDDEN") {
		return &ports.ChatWriteForbiddenError{}
	}
	if code, ok := terminalCode(err); ok {
		return &ports.TerminalAccountError{Code: code}
	}
	if isTransient(err) {
		return &ports.TransientTransportError{Cause: err}
	}
	return err
}

// classifyConnectError is the acquire-path variant: terminal account codes
// dominate, everything else is reported as a transient transport failure so
// the registry retries on a later tick.
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := terminalCode(err); ok {
		return &ports.TerminalAccountError{Code: code}
	}
	var already *ports.TerminalAccountError
	if errors.As(err, &already) {
		return already
	}
	return &ports.TransientTransportError{Cause: err}
}

func terminalCode(err error) (string, bool) {
	for _, code := range terminalAccountCodes {
		if tgerr.Is(err, code) {
			return strings.ToLower(code), true
		}
	}
	return "", false
}

// isTransient recognizes the retry-next-tick failure shapes: timeouts,
// dropped connections, DNS blips, and Telegram's internal 5xx-style codes.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.Code >= 500
	}
	return false
}
