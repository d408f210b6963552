// Command wiggledb serves memoized genomic signal merges from the command
// line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"wiggledb/internal/cli"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}
