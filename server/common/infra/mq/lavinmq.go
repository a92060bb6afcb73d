package mq

import amqp "github.com/rabbitmq/amqp091-go"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareTopicExchange sets up a durable topic exchange on a fresh channel
// and returns that channel for publishing.
func DeclareTopicExchange(conn *amqp.Connection, exchange string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// DeclareBoundQueue declares a durable queue bound to the exchange under the
// given routing key and returns a channel ready for consuming.
func DeclareBoundQueue(conn *amqp.Connection, exchange, queue, routingKey string) (*amqp.Channel, error) {
	ch, err := DeclareTopicExchange(conn, exchange)
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
