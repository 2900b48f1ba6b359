// Package rabbit publishes outbox events to a RabbitMQ exchange.
package rabbit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"perpcore/staticerr"
)

// GetRabbitConnection dials until it succeeds, ctx ends, or timeout passes.
func GetRabbitConnection(ctx context.Context, url string, timeout time.Duration) (*amqp091.Connection, error) {
	deadline := time.After(timeout)
	log := logrus.WithField("component", "rabbit")
	for attempt := 1; ; attempt++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.WithError(err).WithField("attempt", attempt).Debug("dial failed")

		select {
		case <-ctx.Done():
			return nil, staticerr.Mark(ctx.Err(), staticerr.ErrRabbitConnectionFail)
		case <-deadline:
			return nil, errors.Wrapf(staticerr.ErrRabbitConnectionFail, "after %d attempts: %v", attempt, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
