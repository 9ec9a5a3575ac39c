//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// enableANSI turns color off when NO_COLOR is set or stderr is not a terminal.
func enableANSI() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
		return
	}
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		noColor = true
	}
}

func registerSignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}
