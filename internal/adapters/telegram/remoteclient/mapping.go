package remoteclient

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"promofleet/internal/domain/promotion/ports"
)

// chatsFromDialogs unwraps the chat list out of a MessagesGetDialogs
// response. DialogsNotModified never occurs without an offset hash, but is
// handled anyway.
func chatsFromDialogs(resp tg.MessagesDialogsClass) ([]tg.ChatClass, error) {
	switch d := resp.(type) {
	case *tg.MessagesDialogs:
		return d.Chats, nil
	case *tg.MessagesDialogsSlice:
		return d.Chats, nil
	case *tg.MessagesDialogsNotModified:
		return nil, nil
	default:
		return nil, errors.Errorf("unexpected dialogs response %T", resp)
	}
}

// messagesFromHistory flattens a history response into ordered message ids,
// newest first, the order Telegram returns them in.
func messagesFromHistory(resp tg.MessagesMessagesClass) []ports.RemoteMessage {
	var raw []tg.MessageClass
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	default:
		return nil
	}

	out := make([]ports.RemoteMessage, 0, len(raw))
	for _, m := range raw {
		switch msg := m.(type) {
		case *tg.Message:
			out = append(out, ports.RemoteMessage{ID: int64(msg.ID)})
		case *tg.MessageService:
			out = append(out, ports.RemoteMessage{ID: int64(msg.ID)})
		}
	}
	return out
}

// messageIDFromUpdates digs the freshly assigned message id out of a
// sendMessage response.
func messageIDFromUpdates(u tg.UpdatesClass) int64 {
	switch upd := u.(type) {
	case *tg.UpdateShortSentMessage:
		return int64(upd.ID)
	case *tg.Updates:
		return messageIDFromUpdateList(upd.Updates)
	case *tg.UpdatesCombined:
		return messageIDFromUpdateList(upd.Updates)
	default:
		return 0
	}
}

func messageIDFromUpdateList(updates []tg.UpdateClass) int64 {
	for _, u := range updates {
		switch upd := u.(type) {
		case *tg.UpdateMessageID:
			return int64(upd.ID)
		case *tg.UpdateNewChannelMessage:
			if msg, ok := upd.Message.(*tg.Message); ok {
				return int64(msg.ID)
			}
		case *tg.UpdateNewMessage:
			if msg, ok := upd.Message.(*tg.Message); ok {
				return int64(msg.ID)
			}
		}
	}
	return 0
}

// dialogEntityFromChannel maps a raw channel into the transport-neutral
// entity the domain consumes.
func dialogEntityFromChannel(channel *tg.Channel) ports.DialogEntity {
	participants, _ := channel.GetParticipantsCount()
	bannedRights, hasBanned := channel.GetDefaultBannedRights()
	return ports.DialogEntity{
		ID:                        ports.ChannelID(strconv.FormatInt(channel.ID, 10)),
		Title:                     channel.Title,
		Username:                  channel.Username,
		ParticipantsCount:         participants,
		Broadcast:                 channel.Broadcast,
		Megagroup:                 channel.Megagroup,
		Restricted:                channel.Restricted,
		DefaultBannedSendMessages: hasBanned && bannedRights.SendMessages,
	}
}
