package ready

import (
	"context"
	"net"
)

// TCP checks readiness by dialing Addr.
type TCP struct {
	Addr string
}

func (t *TCP) Check(ctx context.Context) Result {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return failed(err)
	}
	conn.Close()
	return healthy()
}
