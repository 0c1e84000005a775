package ready

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// Command runs a command in the service's context. Exit status 0 is healthy.
type Command struct {
	Argv []string
	Exec ExecFunc
}

func (c *Command) Check(ctx context.Context) Result {
	if len(c.Argv) == 0 {
		return failed(errors.New("empty health check command"))
	}
	if c.Exec == nil {
		return failed(errors.New("backend cannot run health check commands"))
	}
	code, err := c.Exec(ctx, c.Argv)
	if err != nil {
		return failed(errors.Wrapf(err, "exec %s", strings.Join(c.Argv, " ")))
	}
	if code != 0 {
		return unhealthy("%s exited with code %d", c.Argv[0], code)
	}
	return healthy()
}
