// Command rdmacm runs the two sides of the RDMA connection-manager demo: a
// client that asks a server to add two numbers, a read test built on
// one-sided operations, and the server that answers both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rdmacm:", err)
		os.Exit(1)
	}
}
