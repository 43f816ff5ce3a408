package rabbitmq

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"

	"ditto/internal/gateway"
)

// Dial opens a broker connection and reports its closure to notify, so the
// gateway can drop it and dial again on the next Open.
func Dial(ctx context.Context, url, name string, notify gateway.Notify) (*amqp091.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(name)
	conn, err := amqp091.DialConfig(url, amqp091.Config{Properties: props})
	if err != nil {
		var amqpErr *amqp091.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.AccessRefused {
			notify(gateway.AuthFailed, err)
		}
		return nil, err
	}
	notify(gateway.Connected, nil)

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			notify(gateway.Disconnected, amqpErr)
			notify(gateway.Closed, amqpErr)
			return
		}
		notify(gateway.Closed, nil)
	}()
	return conn, nil
}
