package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrHostUnreachable is returned when no node is listening on the
	// target host's command subject.
	ErrHostUnreachable = errors.New("host unreachable")

	// ErrSendRejected is returned when the peer received the command but
	// refused to accept it.
	ErrSendRejected = errors.New("send rejected by peer")
)

// Ack is the synchronous reply a worker sends for each delivered command.
type Ack struct {
	Ok       bool   `json:"ok"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ResponseHandler processes an asynchronous response command delivered
// out-of-band by the transport.
type ResponseHandler interface {
	Handle(cmd *model.Command)
}

// ResponseHandlerFunc adapts a function to the ResponseHandler interface.
type ResponseHandlerFunc func(cmd *model.Command)

func (f ResponseHandlerFunc) Handle(cmd *model.Command) { f(cmd) }

// Client performs blocking point-to-point command sends over NATS
// request/reply. It is safe for concurrent use by many in-flight dispatch
// calls; the underlying connection multiplexes them.
type Client struct {
	logger  *zap.Logger
	nc      *nats.Conn
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient creates a client on an established NATS connection.
func NewClient(nc *nats.Conn, logger *zap.Logger) *Client {
	return &Client{
		logger:  logger.Named("remote-client"),
		nc:      nc,
		timeout: defaultRequestTimeout,
	}
}

// Send delivers a command to one host and blocks until the peer
// acknowledges it or the attempt fails. It never retries; retry policy
// lives with the caller.
func (c *Client) Send(ctx context.Context, host model.Host, cmd *model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, CommandSubject(host), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %s", ErrHostUnreachable, host.Address())
		}
		return fmt.Errorf("send to %s failed: %w", host.Address(), err)
	}

	var ack Ack
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("invalid ack from %s: %w", host.Address(), err)
	}
	if !ack.Ok {
		return fmt.Errorf("%w: %s: %s", ErrSendRejected, host.Address(), ack.Error)
	}

	return nil
}

// RegisterHandler subscribes a handler for asynchronous responses of one
// command type. Called once per type at startup.
func (c *Client) RegisterHandler(cmdType model.CommandType, handler ResponseHandler) error {
	sub, err := c.nc.Subscribe(ResponseSubject(cmdType), func(msg *nats.Msg) {
		var cmd model.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.logger.Error("Failed to unmarshal response command",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handler.Handle(&cmd)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s responses: %w", cmdType, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.logger.Info("Registered response handler",
		zap.String("command_type", string(cmdType)))
	return nil
}

// PublishResponse emits an asynchronous response command on the broadcast
// subject for its type.
func (c *Client) PublishResponse(cmd *model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return c.nc.Publish(ResponseSubject(cmd.Type), data)
}

// Close drains all handler subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe handler",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
	c.subs = nil
}
