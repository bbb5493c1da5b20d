package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/example/go-opparity/internal/onnx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	shutdownErr := onnx.Shutdown()
	if shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	if err != nil {
		var verdict *verdictError
		if !errors.As(err, &verdict) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}

		os.Exit(1)
	}
}
