package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SnapshotExchange is the topic exchange publishers send full snapshots to.
const SnapshotExchange = "kv_snapshots"

// ErrAMQPClosed is returned once the store has been closed.
var ErrAMQPClosed = errors.New("rabbitmq: store closed")

// amqpChannel is the part of *amqp.Channel a subscription uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConn interface {
	openChannel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type brokerConn struct{ *amqp.Connection }

func (c brokerConn) openChannel() (amqpChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(url string) (amqpConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// AMQPStore receives full path snapshots from a RabbitMQ topic exchange.
// The routing key is the path with "/" replaced by ".". Nothing is
// delivered until the first snapshot is published after subscribing.
//
// A dropped connection is redialled and every subscription redeclares its
// queue, backing off from the retry delay up to maxRetryDelay.
type AMQPStore struct {
	url           string
	exchange      string
	dial          func(url string) (amqpConn, error)
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	conn   amqpConn
	closed bool
}

// DialAMQP connects and declares the snapshot exchange.
func DialAMQP(url string, log *slog.Logger) (*AMQPStore, error) {
	s := newAMQPStore(url, dialBroker, log)
	if _, err := s.connection(); err != nil {
		return nil, err
	}
	return s, nil
}

func newAMQPStore(url string, dial func(string) (amqpConn, error), log *slog.Logger) *AMQPStore {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPStore{
		url:           url,
		exchange:      SnapshotExchange,
		dial:          dial,
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
		log:           log,
	}
}

// SetRetryDelay changes the first pause before resubscribing.
func (s *AMQPStore) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
	if s.maxRetryDelay < d {
		s.maxRetryDelay = d
	}
}

// Close closes the connection and ends every subscription.
func (s *AMQPStore) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *AMQPStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connection returns the live connection, dialling a new one when the
// last one dropped. Subscriptions share one connection.
func (s *AMQPStore) connection() (amqpConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrAMQPClosed
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}

	conn, err := s.dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	s.conn = conn
	go s.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	s.log.Info("rabbitmq connected", slog.String("exchange", s.exchange))
	return conn, nil
}

// watch forgets conn once it closes so the next subscription attempt
// redials.
func (s *AMQPStore) watch(conn amqpConn, dropped <-chan *amqp.Error) {
	amqpErr, ok := <-dropped
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if ok && amqpErr != nil && !closed {
		s.log.Warn("rabbitmq connection lost", slog.String("error", amqpErr.Error()))
	}
}

// RoutingKey maps a store path to a topic routing key.
func RoutingKey(path string) string {
	return strings.Join(SplitPath(path), ".")
}

func (s *AMQPStore) Subscribe(ctx context.Context, path string, onValue func([]byte), onError func(error)) (Unsubscribe, error) {
	if s.isClosed() {
		return nil, ErrAMQPClosed
	}
	path = CleanPath(path)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		delay := s.retryDelay
		for {
			consumed, err := s.consume(sctx, path, onValue)
			if sctx.Err() != nil || s.isClosed() {
				return
			}
			if consumed {
				delay = s.retryDelay
			}
			if onError != nil {
				onError(err)
			}
			s.log.Warn("rabbitmq subscription ended", slog.String("path", path), slog.Any("error", err))
			select {
			case <-sctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextRetryDelay(delay, s.maxRetryDelay)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// consume declares an exclusive queue bound to path and delivers until the
// channel closes or ctx ends. consumed reports whether the consumer was
// established before it failed.
func (s *AMQPStore) consume(ctx context.Context, path string, onValue func([]byte)) (consumed bool, err error) {
	conn, err := s.connection()
	if err != nil {
		return false, err
	}
	ch, err := conn.openChannel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, RoutingKey(path), s.exchange, false, nil); err != nil {
		return false, fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	s.log.Debug("amqp subscription started", slog.String("path", path), slog.String("queue", queue.Name))

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return true, fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
			}
			return true, errors.New("rabbitmq channel closed")
		case msg, ok := <-msgs:
			if !ok {
				return true, errors.New("rabbitmq delivery channel closed")
			}
			onValue(msg.Body)
		}
	}
}

func nextRetryDelay(d, limit time.Duration) time.Duration {
	d = time.Duration(float64(d) * 1.5)
	if d > limit {
		return limit
	}
	return d
}
