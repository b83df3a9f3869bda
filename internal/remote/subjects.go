package remote

import (
	"fmt"

	"github.com/t77yq/nats-dispatch/internal/model"
)

// CommandSubject returns the point-to-point subject a worker node listens
// on for incoming commands.
func CommandSubject(host model.Host) string {
	return fmt.Sprintf("remote.cmd.%s.%d", host.IP, host.Port)
}

// ResponseSubject returns the broadcast subject for asynchronous responses
// of the given command type.
func ResponseSubject(cmdType model.CommandType) string {
	return fmt.Sprintf("remote.resp.%s", cmdType)
}
