package dispatch

import (
	"errors"
	"fmt"

	"github.com/t77yq/nats-dispatch/internal/model"
)

var (
	// ErrInvalidExecutorType is returned when the execution context
	// carries an executor type other than worker or client. This is a
	// configuration error and is never retried.
	ErrInvalidExecutorType = errors.New("invalid executor type")

	// ErrAllNodesFailed is returned when every candidate node has been
	// tried and failed, including the degenerate case of an empty
	// candidate set.
	ErrAllNodesFailed = errors.New("exhausted all candidate nodes")
)

// SendError reports that the reliable send gave up on one host after
// using its whole retry budget.
type SendError struct {
	Host        model.Host
	CommandType model.CommandType
	Attempts    int
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send command %s to %s failed after %d attempts: %v",
		e.CommandType, e.Host.Address(), e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
