package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"avatar-cache/internal/domain"
)

const (
	DefaultQueue   = "user_creation"
	publishTimeout = 5 * time.Second

	minRedialBackoff = time.Second
	maxRedialBackoff = 30 * time.Second
)

var errBrokerBackoff = errors.New("rabbitmq unavailable, waiting before redial")

// Publisher announces user lifecycle events to the message broker.
type Publisher interface {
	PublishUserCreated(ctx context.Context, user *domain.User) error
	Close() error
}

// session is one connection plus channel with the queue already declared.
type session interface {
	Publish(ctx context.Context, queue string, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(url, queue string) (session, error)

// RabbitPublisher sends events straight to a durable queue via the default
// exchange. The broker connection is opened lazily and reopened after it drops.
type RabbitPublisher struct {
	url     string
	queue   string
	enabled bool
	logger  *logrus.Logger
	dial    dialFunc

	mu         sync.Mutex
	sess       session
	backoff    time.Duration
	minBackoff time.Duration
	nextDial   time.Time
}

// NewRabbitPublisher prepares a publisher for queue on url. An empty url yields
// a publisher that only logs what it would have sent. A broker that is down at
// startup is logged and retried on the next publish.
func NewRabbitPublisher(url, queue string, logger *logrus.Logger) *RabbitPublisher {
	return newRabbitPublisher(url, queue, logger, dialRabbit)
}

func newRabbitPublisher(url, queue string, logger *logrus.Logger, dial dialFunc) *RabbitPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	if queue == "" {
		queue = DefaultQueue
	}
	p := &RabbitPublisher{
		url:        url,
		queue:      queue,
		logger:     logger,
		dial:       dial,
		minBackoff: minRedialBackoff,
	}
	if url == "" {
		logger.Warn("amqp url is empty, user notifications are disabled")
		return p
	}
	p.enabled = true

	p.mu.Lock()
	_, err := p.sessionLocked()
	p.mu.Unlock()
	if err != nil {
		logger.WithError(err).Warn("rabbitmq not reachable yet, will retry on publish")
	} else {
		logger.Infof("publishing user notifications to queue %s", queue)
	}
	return p
}

// sessionLocked returns the live session, dialing a new one when the previous
// one is gone. Failed dials back off from one second up to thirty.
func (p *RabbitPublisher) sessionLocked() (session, error) {
	if p.sess != nil && !p.sess.IsClosed() {
		return p.sess, nil
	}
	if p.sess != nil {
		p.sess.Close()
		p.sess = nil
		p.logger.Warn("rabbitmq connection closed, reconnecting")
	}
	if time.Now().Before(p.nextDial) {
		return nil, errBrokerBackoff
	}

	sess, err := p.dial(p.url, p.queue)
	if err != nil {
		if p.backoff == 0 {
			p.backoff = p.minBackoff
		} else {
			p.backoff *= 2
		}
		if p.backoff > maxRedialBackoff {
			p.backoff = maxRedialBackoff
		}
		p.nextDial = time.Now().Add(p.backoff)
		return nil, err
	}

	p.backoff = 0
	p.nextDial = time.Time{}
	p.sess = sess
	return sess, nil
}

func (p *RabbitPublisher) PublishUserCreated(ctx context.Context, user *domain.User) error {
	body, err := encodeUser(user)
	if err != nil {
		return err
	}

	if !p.enabled {
		p.logger.WithField("user_id", user.ID).Debug("notifications disabled, skipping user created event")
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.sessionLocked()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}

	err = sess.Publish(pubCtx, p.queue, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		// the channel is unusable after a failed publish
		sess.Close()
		p.sess = nil
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return nil
	}
	err := p.sess.Close()
	p.sess = nil
	return err
}

type rabbitSession struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func dialRabbit(url, queue string) (session, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &rabbitSession{conn: conn, channel: channel}, nil
}

func (s *rabbitSession) Publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	return s.channel.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		msg,
	)
}

func (s *rabbitSession) IsClosed() bool {
	return s.conn.IsClosed() || s.channel.IsClosed()
}

func (s *rabbitSession) Close() error {
	if err := s.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		s.conn.Close()
		return fmt.Errorf("close rabbitmq channel: %w", err)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}

func encodeUser(user *domain.User) ([]byte, error) {
	if user == nil {
		return nil, fmt.Errorf("encode user: nil user")
	}
	body, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encode user %s: %w", user.ID, err)
	}
	return body, nil
}
