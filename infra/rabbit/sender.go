package rabbit

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rabbitmq/amqp091-go"
)

// Sender publishes each event to a topic exchange with the event key as
// routing key. Publishes are confirmed by the broker before Publish returns.
type Sender struct {
	conn     *amqp091.Connection
	exchange string

	mu       sync.Mutex
	channel  *amqp091.Channel
	confirms chan amqp091.Confirmation
}

func NewSender(conn *amqp091.Connection, exchange string) (*Sender, error) {
	s := &Sender{conn: conn, exchange: exchange}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) open() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return errors.Wrapf(err, "declare exchange %s", s.exchange)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return errors.Wrap(err, "enable confirms")
	}
	s.channel = ch
	s.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return nil
}

func (s *Sender) Publish(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || s.channel.IsClosed() {
		if err := s.open(); err != nil {
			return err
		}
	}
	err := s.channel.PublishWithContext(ctx, s.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         payload,
	})
	if err != nil {
		return err
	}

	select {
	case c, ok := <-s.confirms:
		if !ok {
			s.channel = nil
			return errors.New("channel closed before confirm")
		}
		if !c.Ack {
			return errors.Newf("broker nacked delivery %d", c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.channel != nil {
		err = s.channel.Close()
	}
	return errors.CombineErrors(err, s.conn.Close())
}
