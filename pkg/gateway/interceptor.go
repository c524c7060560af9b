package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/fleet/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every node agent call with its duration and status code.
// Health probes are logged at debug level only.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		logger := log.WithComponent("agent")
		event := logger.Debug()
		if code != codes.OK && !isHealthMethod(info.FullMethod) {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", methodName(info.FullMethod)).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("Node agent call")

		return resp, err
	}
}

// methodName extracts the method from a full path ("/fleet.node.v1.NodeAgent/FullList" -> "FullList")
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}
