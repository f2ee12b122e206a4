// Package main starts the customer-health analytics daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cxhealth/cxhealth/internal/cmd/cxhealthd"
)

func main() {
	flags, err := cxhealthd.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cxhealthd.Run(ctx, flags, os.Stdout); err != nil {
		log.Fatalf("cxhealthd: %v", err)
	}
}
