package ready

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPC checks readiness using the standard gRPC health checking protocol.
// If the server doesn't implement the health service (UNIMPLEMENTED) the
// check succeeds: a responding gRPC server is considered ready.
type GRPC struct {
	Addr    string
	Service string
}

func (g *GRPC) Check(ctx context.Context) Result {
	conn, err := grpc.NewClient(g.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return failed(err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return healthy()
		}
		return failed(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return unhealthy("grpc health: status %s", resp.Status)
	}
	return healthy()
}
