package kick

import (
	"encoding/json"
	"fmt"
)

const unknownUser = "Unknown"

type user struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
}

type chatMessage struct {
	ID         ID              `json:"id"`
	ChatroomID ID              `json:"chatroom_id"`
	Content    string          `json:"content"`
	Type       string          `json:"type"`
	CreatedAt  Timestamp       `json:"created_at"`
	Sender     json.RawMessage `json:"sender"`
	Metadata   json.RawMessage `json:"metadata"`
}

func defaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindChat:                 chatRule,
		KindSubscription:         subscriptionRule,
		KindGiftedSubscription:   giftedSubscriptionRule,
		KindBan:                  banRule,
		KindTimeout:              banRule,
		KindUnban:                unbanRule,
		KindMessageDeleted:       messageDeletedRule,
		KindPinnedMessage:        pinnedMessageRule,
		KindPinnedMessageDeleted: pinnedMessageDeletedRule,
		KindMessageSent:          messageSentRule,
		KindChatroomUpdated:      chatroomUpdatedRule,
		KindChatroomClear:        chatroomClearRule,
		KindHost:                 hostRule,
	}
}

func decodeData(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s payload: %w", env.Kind, err)
	}
	return nil
}

// present drops JSON null and empty values so they persist as NULL.
func present(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func parseUser(raw json.RawMessage) (user, error) {
	var u user
	if len(present(raw)) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("user: %w", err)
	}
	return u, nil
}

func orUnknown(name string) string {
	if name == "" {
		return unknownUser
	}
	return name
}

func chatRule(env Envelope) (Record, error) {
	var msg chatMessage
	if err := decodeData(env, &msg); err != nil {
		return Record{}, err
	}
	sender, err := parseUser(msg.Sender)
	if err != nil {
		return Record{}, err
	}
	rec := baseRecord(env)
	rec.UserID = sender.ID.String()
	rec.Username = sender.Username
	rec.Content = msg.Content
	rec.SenderData = present(msg.Sender)
	rec.Metadata = present(msg.Metadata)
	return rec, nil
}

func subscriptionRule(env Envelope) (Record, error) {
	var sub struct {
		Username string `json:"username"`
		Months   int    `json:"months"`
	}
	if err := decodeData(env, &sub); err != nil {
		return Record{}, err
	}
	name := orUnknown(sub.Username)
	rec := baseRecord(env)
	rec.Username = name
	rec.Content = fmt.Sprintf("%s subscribed for %d months", name, sub.Months)
	rec.SenderData = mustJSON(map[string]any{"username": name, "months": sub.Months})
	rec.Metadata = mustJSON(map[string]any{"months": sub.Months})
	return rec, nil
}

func giftedSubscriptionRule(env Envelope) (Record, error) {
	var gift struct {
		GiftedUsernames []string `json:"gifted_usernames"`
		GifterUsername  string   `json:"gifter_username"`
		GifterTotal     int      `json:"gifter_total"`
	}
	if err := decodeData(env, &gift); err != nil {
		return Record{}, err
	}
	name := orUnknown(gift.GifterUsername)
	rec := baseRecord(env)
	rec.Username = name
	rec.Content = fmt.Sprintf("%s gifted %d subscriptions", name, len(gift.GiftedUsernames))
	rec.SenderData = mustJSON(map[string]any{"username": name})
	rec.Metadata = mustJSON(map[string]any{
		"gifted_usernames": gift.GiftedUsernames,
		"gifter_total":     gift.GifterTotal,
	})
	return rec, nil
}

func banRule(env Envelope) (Record, error) {
	var ban struct {
		User      json.RawMessage `json:"user"`
		BannedBy  json.RawMessage `json:"banned_by"`
		Permanent bool            `json:"permanent"`
		Duration  json.Number     `json:"duration"`
		ExpiresAt *string         `json:"expires_at"`
	}
	if err := decodeData(env, &ban); err != nil {
		return Record{}, err
	}
	target, err := parseUser(ban.User)
	if err != nil {
		return Record{}, err
	}
	by, err := parseUser(ban.BannedBy)
	if err != nil {
		return Record{}, fmt.Errorf("banned_by: %w", err)
	}
	name := orUnknown(target.Username)
	byName := orUnknown(by.Username)

	rec := baseRecord(env)
	rec.UserID = target.ID.String()
	rec.Username = name
	if ban.Permanent {
		rec.EventType = KindBan
		rec.Content = fmt.Sprintf("%s was banned permanently by %s", name, byName)
	} else {
		rec.EventType = KindTimeout
		duration := ban.Duration.String()
		if duration == "" {
			duration = "0"
		}
		rec.Content = fmt.Sprintf("%s was banned for %s seconds by %s", name, duration, byName)
	}
	rec.SenderData = present(ban.User)
	rec.Metadata = mustJSON(map[string]any{
		"banned_by":          present(ban.BannedBy),
		"banned_by_username": by.Username,
		"permanent":          ban.Permanent,
		"duration":           ban.Duration,
		"expires_at":         ban.ExpiresAt,
	})
	return rec, nil
}

func unbanRule(env Envelope) (Record, error) {
	var unban struct {
		User       json.RawMessage `json:"user"`
		UnbannedBy json.RawMessage `json:"unbanned_by"`
		Permanent  bool            `json:"permanent"`
	}
	if err := decodeData(env, &unban); err != nil {
		return Record{}, err
	}
	target, err := parseUser(unban.User)
	if err != nil {
		return Record{}, err
	}
	by, err := parseUser(unban.UnbannedBy)
	if err != nil {
		return Record{}, fmt.Errorf("unbanned_by: %w", err)
	}
	name := orUnknown(target.Username)

	rec := baseRecord(env)
	rec.UserID = target.ID.String()
	rec.Username = name
	rec.Content = fmt.Sprintf("%s was unbanned by %s", name, orUnknown(by.Username))
	rec.SenderData = present(unban.User)
	rec.Metadata = mustJSON(map[string]any{
		"unbanned_by":          present(unban.UnbannedBy),
		"unbanned_by_username": by.Username,
		"permanent":            unban.Permanent,
	})
	return rec, nil
}

func messageDeletedRule(env Envelope) (Record, error) {
	var del struct {
		Message struct {
			ID ID `json:"id"`
		} `json:"message"`
		AIModerated   bool            `json:"aiModerated"`
		ViolatedRules json.RawMessage `json:"violatedRules"`
	}
	if err := decodeData(env, &del); err != nil {
		return Record{}, err
	}
	rules := present(del.ViolatedRules)
	if rules == nil {
		rules = json.RawMessage("[]")
	}
	rec := baseRecord(env)
	if del.AIModerated {
		rec.Content = "Message deleted (AI moderated)"
	} else {
		rec.Content = "Message deleted (manually moderated)"
	}
	rec.Metadata = mustJSON(map[string]any{
		"deleted_message_id": del.Message.ID,
		"aiModerated":        del.AIModerated,
		"violatedRules":      rules,
	})
	return rec, nil
}

func pinnedMessageRule(env Envelope) (Record, error) {
	var pin struct {
		Message  chatMessage     `json:"message"`
		Duration json.RawMessage `json:"duration"`
		PinnedBy json.RawMessage `json:"pinnedBy"`
	}
	if err := decodeData(env, &pin); err != nil {
		return Record{}, err
	}
	sender, err := parseUser(pin.Message.Sender)
	if err != nil {
		return Record{}, err
	}
	by, err := parseUser(pin.PinnedBy)
	if err != nil {
		return Record{}, fmt.Errorf("pinnedBy: %w", err)
	}

	rec := baseRecord(env)
	if id := pin.Message.ID.String(); id != "" {
		rec.EventID = id
	}
	if room := pin.Message.ChatroomID.String(); room != "" {
		rec.ChatroomID = room
	}
	if !pin.Message.CreatedAt.IsZero() {
		rec.Timestamp = pin.Message.CreatedAt.Time
	}
	rec.UserID = sender.ID.String()
	rec.Username = sender.Username
	rec.Content = "Message pinned: " + pin.Message.Content
	rec.SenderData = present(pin.Message.Sender)
	rec.Metadata = mustJSON(map[string]any{
		"duration":           present(pin.Duration),
		"pinnedBy":           present(pin.PinnedBy),
		"pinned_by_username": by.Username,
		"original_metadata":  present(pin.Message.Metadata),
	})
	return rec, nil
}

func pinnedMessageDeletedRule(env Envelope) (Record, error) {
	rec := baseRecord(env)
	rec.Content = "Pinned message deleted"
	rec.Metadata = json.RawMessage("{}")
	return rec, nil
}

func messageSentRule(env Envelope) (Record, error) {
	var sent struct {
		Message json.RawMessage `json:"message"`
		User    json.RawMessage `json:"user"`
	}
	if err := decodeData(env, &sent); err != nil {
		return Record{}, err
	}
	var msg struct {
		ID                 ID              `json:"id"`
		ChatroomID         ID              `json:"chatroom_id"`
		Type               string          `json:"type"`
		Action             string          `json:"action"`
		CreatedAt          Timestamp       `json:"created_at"`
		MonthsSubscribed   json.RawMessage `json:"months_subscribed"`
		SubscriptionsCount json.RawMessage `json:"subscriptions_count"`
	}
	if raw := present(sent.Message); raw != nil {
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Record{}, fmt.Errorf("message: %w", err)
		}
	}
	sender, err := parseUser(sent.User)
	if err != nil {
		return Record{}, err
	}

	rec := baseRecord(env)
	if id := msg.ID.String(); id != "" {
		rec.EventID = id
	}
	if room := msg.ChatroomID.String(); room != "" {
		rec.ChatroomID = room
	}
	if !msg.CreatedAt.IsZero() {
		rec.Timestamp = msg.CreatedAt.Time
	}
	rec.UserID = sender.ID.String()
	rec.Username = sender.Username
	rec.Content = fmt.Sprintf("Message sent (%s): %s", msg.Type, msg.Action)
	rec.SenderData = present(sent.User)
	rec.Metadata = mustJSON(map[string]any{
		"message_info":        present(sent.Message),
		"months_subscribed":   present(msg.MonthsSubscribed),
		"subscriptions_count": present(msg.SubscriptionsCount),
	})
	return rec, nil
}

func chatroomUpdatedRule(env Envelope) (Record, error) {
	var settings struct {
		SlowMode              json.RawMessage `json:"slow_mode"`
		SubscribersMode       json.RawMessage `json:"subscribers_mode"`
		FollowersMode         json.RawMessage `json:"followers_mode"`
		EmotesMode            json.RawMessage `json:"emotes_mode"`
		AdvancedBotProtection json.RawMessage `json:"advanced_bot_protection"`
		AccountAge            json.RawMessage `json:"account_age"`
	}
	if err := decodeData(env, &settings); err != nil {
		return Record{}, err
	}
	rec := baseRecord(env)
	rec.Content = "Chatroom settings updated"
	rec.Metadata = mustJSON(map[string]any{
		"slow_mode":               present(settings.SlowMode),
		"subscribers_mode":        present(settings.SubscribersMode),
		"followers_mode":          present(settings.FollowersMode),
		"emotes_mode":             present(settings.EmotesMode),
		"advanced_bot_protection": present(settings.AdvancedBotProtection),
		"account_age":             present(settings.AccountAge),
	})
	return rec, nil
}

func chatroomClearRule(env Envelope) (Record, error) {
	rec := baseRecord(env)
	rec.Content = "Chatroom cleared"
	rec.Metadata = mustJSON(map[string]any{"clear_id": env.EventID})
	return rec, nil
}

func hostRule(env Envelope) (Record, error) {
	var host struct {
		HostUsername    string  `json:"host_username"`
		NumberViewers   int     `json:"number_viewers"`
		OptionalMessage *string `json:"optional_message"`
	}
	if err := decodeData(env, &host); err != nil {
		return Record{}, err
	}
	name := orUnknown(host.HostUsername)
	rec := baseRecord(env)
	rec.Username = name
	rec.Content = fmt.Sprintf("%s is hosting the stream with %d viewers", name, host.NumberViewers)
	rec.Metadata = mustJSON(map[string]any{
		"host_username":    name,
		"number_viewers":   host.NumberViewers,
		"optional_message": host.OptionalMessage,
	})
	return rec, nil
}
