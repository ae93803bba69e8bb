package chat

import (
	"context"

	"chatrelay/models"
	"chatrelay/queue"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ConsumerGroup is the queue group shared by every node.
const ConsumerGroup = "chat-delivery"

// HandleDirect marks a queued direct message DELIVERED and pushes it to the
// receiver's bridge channel. Bridge failures are logged and swallowed: the
// stored row is the source of truth.
func (s *Service) HandleDirect(ctx context.Context, ev models.ChatEvent) error {
	if ev.ReceiverID == nil {
		return errors.Wrapf(models.ErrValidation, "event %d has no receiver", ev.MessageID)
	}

	if _, err := s.store.AdvanceStatus(ctx, ev.MessageID, models.StatusDelivered); err != nil {
		return err
	}

	if err := s.fanout.PublishToUser(ctx, *ev.ReceiverID, ev); err != nil {
		jww.WARN.Printf("Fan-out of message %d to user %d failed: %v", ev.MessageID, *ev.ReceiverID, err)
	}
	return nil
}

// HandleGroup marks a queued group message DELIVERED, expands the group into
// its current members (minus the sender) and pushes to each of them, then to
// the group channel.
func (s *Service) HandleGroup(ctx context.Context, ev models.ChatEvent) error {
	if ev.GroupID == nil {
		return errors.Wrapf(models.ErrValidation, "event %d has no group", ev.MessageID)
	}
	groupID := *ev.GroupID

	if _, err := s.store.AdvanceStatus(ctx, ev.MessageID, models.StatusDelivered); err != nil {
		return err
	}

	members, err := s.groups.MemberIDs(ctx, groupID)
	if err != nil {
		return err
	}

	for _, id := range members {
		if id == ev.SenderID {
			continue
		}
		if err := s.fanout.PublishToUser(ctx, id, ev); err != nil {
			jww.WARN.Printf("Fan-out of group message %d to user %d failed: %v", ev.MessageID, id, err)
		}
	}
	if err := s.fanout.PublishToGroup(ctx, groupID, ev); err != nil {
		jww.WARN.Printf("Fan-out of group message %d to group %d failed: %v", ev.MessageID, groupID, err)
	}
	return nil
}

// Run attaches the direct and group consumers to q. They stop when ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, q queue.Queue, rate int) error {
	direct := queue.NewWorker("direct", rate)
	if _, err := q.Consume(ctx, queue.TopicDirect, ConsumerGroup, direct.Wrap(s.HandleDirect)); err != nil {
		return errors.Wrap(err, "start direct consumer")
	}

	group := queue.NewWorker("group", rate)
	if _, err := q.Consume(ctx, queue.TopicGroup, ConsumerGroup, group.Wrap(s.HandleGroup)); err != nil {
		return errors.Wrap(err, "start group consumer")
	}

	jww.INFO.Printf("Delivery consumers running")
	return nil
}
