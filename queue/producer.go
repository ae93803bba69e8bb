package queue

import (
	"context"
	"encoding/json"
	"strconv"

	"chatrelay/models"

	"github.com/pkg/errors"
)

// Producer publishes chat events onto the intake topics, keyed so that all
// messages to one receiver (or one group) share a partition.
type Producer struct {
	pub Publisher
}

func NewProducer(pub Publisher) *Producer {
	return &Producer{pub: pub}
}

func (p *Producer) PublishDirect(ctx context.Context, ev models.ChatEvent) error {
	if ev.ReceiverID == nil {
		return errors.Wrap(models.ErrValidation, "direct event without receiver")
	}
	return p.publish(ctx, TopicDirect, *ev.ReceiverID, ev)
}

func (p *Producer) PublishGroup(ctx context.Context, ev models.ChatEvent) error {
	if ev.GroupID == nil {
		return errors.Wrap(models.ErrValidation, "group event without group")
	}
	return p.publish(ctx, TopicGroup, *ev.GroupID, ev)
}

func (p *Producer) publish(ctx context.Context, topic string, key int64, ev models.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode chat event")
	}

	msgID := strconv.FormatInt(ev.MessageID, 10)
	if err := p.pub.Publish(ctx, topic, strconv.FormatInt(key, 10), msgID, data); err != nil {
		return errors.Wrapf(models.ErrTransient, "publish message %d: %v", ev.MessageID, err)
	}
	return nil
}
