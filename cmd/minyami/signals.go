package main

import (
	"os"
	"os/signal"
	"syscall"
)

// onInterrupt calls first on the first SIGINT/SIGTERM and second on every
// later one. The returned func stops listening.
func onInterrupt(first, second func()) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case <-ch:
				n++
				if n == 1 {
					first()
				} else {
					second()
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func forceExit() {
	os.Exit(exitInterrupted)
}
