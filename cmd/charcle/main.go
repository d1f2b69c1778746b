// Command charcle keeps a UTF-8 mirror of a legacy-encoded directory tree.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/charcle/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Main(ctx)
	stop()
	os.Exit(code)
}
