package models

// ChatEvent is the payload carried on the intake queue topics and on the
// bridge deliver/group channels.
type ChatEvent struct {
	MessageID  int64  `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	ReceiverID *int64 `json:"receiverId,omitempty"`
	GroupID    *int64 `json:"groupId,omitempty"`
	Content    string `json:"content"`
}

type PresenceEvent struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

type ReadReceipt struct {
	MessageID  int64  `json:"messageId"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Status     Status `json:"status"`
}

type TypingEvent struct {
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`
}
