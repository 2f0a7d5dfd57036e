package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the part of *amqp.Channel used to declare topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology represents the complete topology configuration
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// QueueTopology is a durable queue reached through the default exchange
func QueueTopology(name string) Topology {
	return Topology{
		Queues: []QueueDeclaration{{Name: name, Durable: true}},
	}
}

// TopicTopology is a durable fanout exchange; subscribers bind their own queues to it
func TopicTopology(name string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: name, Type: amqp.ExchangeFanout, Durable: true}},
	}
}

// Declare declares all exchanges, then queues, then bindings
func Declare(ch Declarer, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return &TopologyError{
				Component: "exchange",
				Name:      exchange.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      queue.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      binding.Queue + "->" + binding.Exchange,
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

// DeclareSubscriber declares an exclusive, auto-delete, server-named queue
// bound to the fanout exchange and returns its name
func DeclareSubscriber(ch Declarer, exchange string) (string, error) {
	q, err := declareQueue(ch, QueueDeclaration{Exclusive: true, AutoDelete: true})
	if err != nil {
		return "", &TopologyError{
			Component: "queue",
			Name:      "subscriber of " + exchange,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := bindQueue(ch, Binding{Queue: q.Name, Exchange: exchange}); err != nil {
		return "", &TopologyError{
			Component: "binding",
			Name:      q.Name + "->" + exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return q.Name, nil
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Declarer, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Declarer, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Declarer, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
