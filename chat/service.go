// Package chat implements message submission, read receipts and the
// consumers that move messages from the intake queue onto the bridge.
package chat

import (
	"context"
	"unicode/utf8"

	"chatrelay/models"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MaxContentLength is the longest accepted message text, in characters.
const MaxContentLength = 5000

// Store is the message persistence, implemented by db.DB.
type Store interface {
	PersistMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	AdvanceStatus(ctx context.Context, id int64, to models.Status) (bool, error)
	ListUndelivered(ctx context.Context, userID int64, limit int) ([]models.Message, error)
	ListConversation(ctx context.Context, a, b int64, req models.PageRequest) (*models.Page, error)
	ListGroupMessages(ctx context.Context, groupID int64, req models.PageRequest) (*models.Page, error)
	CountUnreadBySender(ctx context.Context, userID int64) (map[int64]int64, error)
	UserExists(ctx context.Context, id int64) (bool, error)
}

// Membership is implemented by groups.Resolver.
type Membership interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	MemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// Producer is implemented by queue.Producer.
type Producer interface {
	PublishDirect(ctx context.Context, ev models.ChatEvent) error
	PublishGroup(ctx context.Context, ev models.ChatEvent) error
}

// Fanout is implemented by bridge.Bridge.
type Fanout interface {
	PublishToUser(ctx context.Context, userID int64, ev models.ChatEvent) error
	PublishToGroup(ctx context.Context, groupID int64, ev models.ChatEvent) error
	PublishReceipt(ctx context.Context, r models.ReadReceipt) error
	PublishTyping(ctx context.Context, ev models.TypingEvent) error
}

type Service struct {
	store    Store
	groups   Membership
	producer Producer
	fanout   Fanout
}

func NewService(store Store, groups Membership, producer Producer, fanout Fanout) *Service {
	return &Service{store: store, groups: groups, producer: producer, fanout: fanout}
}

func cleanContent(content string) (string, error) {
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", errors.Wrapf(models.ErrValidation, "message longer than %d characters", MaxContentLength)
	}
	clean := Sanitize(content)
	if clean == "" {
		return "", errors.Wrap(models.ErrValidation, "message is empty")
	}
	return clean, nil
}

// SendDirect stores a direct message and queues it for delivery. When the
// queue publish fails the stored message is still returned, together with
// an error wrapping models.ErrTransient: the receiver will get it through
// the offline pull path.
func (s *Service) SendDirect(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error) {
	if receiverID == senderID {
		return nil, errors.Wrap(models.ErrValidation, "cannot message yourself")
	}
	clean, err := cleanContent(content)
	if err != nil {
		return nil, err
	}

	exists, err := s.store.UserExists(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(models.ErrNotFound, "user %d", receiverID)
	}

	stored, err := s.store.PersistMessage(ctx, &models.Message{
		SenderID:   senderID,
		ReceiverID: &receiverID,
		Content:    clean,
		Kind:       models.KindDirect,
	})
	if err != nil {
		return nil, err
	}

	if err := s.producer.PublishDirect(ctx, stored.Event()); err != nil {
		jww.WARN.Printf("Message %d stored but not queued: %v", stored.ID, err)
		return stored, err
	}
	return stored, nil
}

// SendGroup stores a group message from a member and queues it. Recipients
// are resolved when the message is consumed.
func (s *Service) SendGroup(ctx context.Context, senderID, groupID int64, content string) (*models.Message, error) {
	clean, err := cleanContent(content)
	if err != nil {
		return nil, err
	}

	member, err := s.groups.IsMember(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, errors.Wrapf(models.ErrAuthorization, "user %d is not a member of group %d", senderID, groupID)
	}

	stored, err := s.store.PersistMessage(ctx, &models.Message{
		SenderID: senderID,
		GroupID:  &groupID,
		Content:  clean,
		Kind:     models.KindGroup,
	})
	if err != nil {
		return nil, err
	}

	if err := s.producer.PublishGroup(ctx, stored.Event()); err != nil {
		jww.WARN.Printf("Group message %d stored but not queued: %v", stored.ID, err)
		return stored, err
	}
	return stored, nil
}

// MarkRead advances a direct message to READ on behalf of its receiver and
// sends a receipt to the sender. Marking an already read message again is a
// no-op without a second receipt.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID int64) (*models.ReadReceipt, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Kind != models.KindDirect {
		return nil, errors.Wrapf(models.ErrValidation, "message %d is not a direct message", messageID)
	}
	if *m.ReceiverID != readerID {
		return nil, errors.Wrapf(models.ErrAuthorization, "user %d is not the receiver of message %d", readerID, messageID)
	}

	moved, err := s.store.AdvanceStatus(ctx, messageID, models.StatusRead)
	if err != nil {
		return nil, err
	}

	receipt := &models.ReadReceipt{
		MessageID:  messageID,
		SenderID:   m.SenderID,
		ReceiverID: readerID,
		Status:     models.StatusRead,
	}
	if moved {
		if err := s.fanout.PublishReceipt(ctx, *receipt); err != nil {
			jww.WARN.Printf("Read receipt for message %d not published: %v", messageID, err)
		}
	}
	return receipt, nil
}

// Typing forwards a typing indicator to receiverID wherever it is connected.
func (s *Service) Typing(ctx context.Context, senderID, receiverID int64) error {
	if receiverID == senderID || receiverID == 0 {
		return errors.Wrap(models.ErrValidation, "invalid typing target")
	}
	return s.fanout.PublishTyping(ctx, models.TypingEvent{SenderID: senderID, ReceiverID: receiverID})
}

// FetchOffline returns the direct messages userID has not read yet, oldest
// first, and marks the SENT ones DELIVERED.
func (s *Service) FetchOffline(ctx context.Context, userID int64) ([]models.Message, error) {
	msgs, err := s.store.ListUndelivered(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if msgs[i].Status != models.StatusSent {
			continue
		}
		if _, err := s.store.AdvanceStatus(ctx, msgs[i].ID, models.StatusDelivered); err != nil {
			return nil, err
		}
		msgs[i].Status = models.StatusDelivered
	}
	return msgs, nil
}

func (s *Service) History(ctx context.Context, userID, otherID int64, req models.PageRequest) (*models.Page, error) {
	return s.store.ListConversation(ctx, userID, otherID, req)
}

// GroupHistory pages a group's messages for one of its members.
func (s *Service) GroupHistory(ctx context.Context, userID, groupID int64, req models.PageRequest) (*models.Page, error) {
	member, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, errors.Wrapf(models.ErrAuthorization, "user %d is not a member of group %d", userID, groupID)
	}
	return s.store.ListGroupMessages(ctx, groupID, req)
}

func (s *Service) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	return s.store.CountUnreadBySender(ctx, userID)
}
