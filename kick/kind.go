package kick

import "strings"

// Kind is the canonical event type persisted as event_type.
type Kind string

const (
	KindChat                 Kind = "chat"
	KindSubscription         Kind = "subscription"
	KindGiftedSubscription   Kind = "gifted_subscription"
	KindBan                  Kind = "ban"
	KindUnban                Kind = "unban"
	KindTimeout              Kind = "timeout"
	KindMessageDeleted       Kind = "message_deleted"
	KindPinnedMessage        Kind = "pinned_message"
	KindPinnedMessageDeleted Kind = "pinned_message_deleted"
	KindMessageSent          Kind = "message_sent"
	KindHost                 Kind = "host"
	KindChatroomUpdated      Kind = "chatroom_updated"
	KindChatroomClear        Kind = "chatroom_clear"
	KindUnknown              Kind = "unknown"

	// KindProtocol marks Pusher control frames. They are consumed by the
	// session and never reach storage.
	KindProtocol Kind = "protocol"
)

// Origin event names emitted on chatrooms.<id>.v2.
const (
	EventChatMessage          = `App\Events\ChatMessageEvent`
	EventSubscription         = `App\Events\SubscriptionEvent`
	EventGiftedSubscriptions  = `App\Events\GiftedSubscriptionsEvent`
	EventUserBanned           = `App\Events\UserBannedEvent`
	EventUserUnbanned         = `App\Events\UserUnbannedEvent`
	EventMessageDeleted       = `App\Events\MessageDeletedEvent`
	EventPinnedMessageCreated = `App\Events\PinnedMessageCreatedEvent`
	EventPinnedMessageDeleted = `App\Events\PinnedMessageDeletedEvent`
	EventChatMessageSent      = `App\Events\ChatMessageSentEvent`
	EventChatroomUpdated      = `App\Events\ChatroomUpdatedEvent`
	EventChatroomClear        = `App\Events\ChatroomClearEvent`
	EventStreamHost           = `App\Events\StreamHostEvent`
)

// Pusher protocol event names.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventSubscribe             = "pusher:subscribe"
)

var eventKinds = map[string]Kind{
	EventChatMessage:          KindChat,
	EventSubscription:         KindSubscription,
	EventGiftedSubscriptions:  KindGiftedSubscription,
	EventUserBanned:           KindBan,
	EventUserUnbanned:         KindUnban,
	EventMessageDeleted:       KindMessageDeleted,
	EventPinnedMessageCreated: KindPinnedMessage,
	EventPinnedMessageDeleted: KindPinnedMessageDeleted,
	EventChatMessageSent:      KindMessageSent,
	EventChatroomUpdated:      KindChatroomUpdated,
	EventChatroomClear:        KindChatroomClear,
	EventStreamHost:           KindHost,
}

// KindOf maps an origin event name to its Kind. Ban events are refined into
// ban or timeout by Decode once the payload is known.
func KindOf(event string) Kind {
	if k, ok := eventKinds[event]; ok {
		return k
	}
	if isProtocolEvent(event) {
		return KindProtocol
	}
	return KindUnknown
}

func isProtocolEvent(event string) bool {
	return strings.HasPrefix(event, "pusher:") || strings.HasPrefix(event, "pusher_internal:")
}
