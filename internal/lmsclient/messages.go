package lmsclient

import (
	"context"
	"time"

	"coursewatch/internal/model"
)

// Message is one private message or notification, as returned by
// core_message_get_messages. Kept on Client for completeness — the
// monitoring pipeline never reads messages — mirroring the breadth of
// original_source's webservice/messages.py, the largest single webservice
// file in that package.
type Message struct {
	ID           int64
	FromUserID   model.UserID
	ToUserID     model.UserID
	Subject      string
	Text         string
	Notification bool
	Created      time.Time
	Read         *time.Time
}

type rawMessage struct {
	ID         int64  `json:"id"`
	UserIDFrom int64  `json:"useridfrom"`
	UserIDTo   int64  `json:"useridto"`
	Subject    string `json:"subject"`
	FullText   string `json:"fullmessage"`
	Notify     bool   `json:"notification"`
	Created    int64  `json:"timecreated"`
	Read       *int64 `json:"timeread"`
}

// ListMessages calls core_message_get_messages for the given recipient
// (toUserID == 0 means any recipient), optionally restricted to unread-only.
func (c *Client) ListMessages(ctx context.Context, toUserID model.UserID, unreadOnly bool) ([]Message, error) {
	read := 2 // MessageReadStatus.ALL
	if unreadOnly {
		read = 0 // MessageReadStatus.UNREAD
	}

	var resp struct {
		Messages []rawMessage `json:"messages"`
	}
	if err := c.Call(ctx, "core_message_get_messages", Params{
		"useridto":    int64(toUserID),
		"useridfrom":  int64(0),
		"type":        "both",
		"read":        read,
		"newestfirst": true,
	}, &resp); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(resp.Messages))
	for _, rm := range resp.Messages {
		m := Message{
			ID:           rm.ID,
			FromUserID:   model.UserID(rm.UserIDFrom),
			ToUserID:     model.UserID(rm.UserIDTo),
			Subject:      rm.Subject,
			Text:         rm.FullText,
			Notification: rm.Notify,
			Created:      time.Unix(rm.Created, 0).UTC(),
		}
		if rm.Read != nil {
			t := time.Unix(*rm.Read, 0).UTC()
			m.Read = &t
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// MarkMessageRead calls core_message_mark_message_read for a single
// message, timestamping it with the server's current time.
func (c *Client) MarkMessageRead(ctx context.Context, messageID int64) error {
	return c.Call(ctx, "core_message_mark_message_read", Params{
		"messageid": messageID,
		"timeread":  int64(0),
	}, nil)
}

// InstantMessage is one message to send via SendInstantMessages.
type InstantMessage struct {
	ToUserID model.UserID
	Text     string
}

// SendInstantMessages calls core_message_send_instant_messages for a batch
// of messages and reports per-message delivery failure via the returned
// slice's parallel "failed" booleans (msgid == -1 in the wire response
// means the send failed for that message).
func (c *Client) SendInstantMessages(ctx context.Context, messages []InstantMessage) ([]bool, error) {
	wire := make([]any, len(messages))
	for i, m := range messages {
		wire[i] = map[string]any{
			"touserid":   int64(m.ToUserID),
			"text":       m.Text,
			"textformat": 0, // FORMAT_MOODLE
		}
	}

	var reports []struct {
		MsgID int64 `json:"msgid"`
	}
	if err := c.Call(ctx, "core_message_send_instant_messages", Params{"messages": wire}, &reports); err != nil {
		return nil, err
	}

	failed := make([]bool, len(reports))
	for i, r := range reports {
		failed[i] = r.MsgID == -1
	}
	return failed, nil
}
