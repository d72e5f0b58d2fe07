package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fabricla/connector/internal/common/logctx"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *logctx.Context {
	ctx, cancel := logctx.WithCancel(logctx.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
