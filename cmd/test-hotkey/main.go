// Command test-hotkey is a manual test for the global pause hotkey.
// Run it, then press Ctrl+Shift+P to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode toggle|hold]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/keytyper/internal/hotkey"
)

// printPauser shows what the queue would do.
type printPauser struct {
	paused bool
}

func (p *printPauser) Pause() {
	if !p.paused {
		fmt.Println("||| PAUSE  (jobs wait)")
	}
	p.paused = true
}

func (p *printPauser) Resume() {
	if p.paused {
		fmt.Println(">>> RESUME (typing)")
	}
	p.paused = false
}

func (p *printPauser) TogglePause() bool {
	if p.paused {
		p.Resume()
	} else {
		p.Pause()
	}
	return p.paused
}

func main() {
	mode := flag.String("mode", "toggle", "hotkey mode: toggle or hold")
	flag.Parse()

	keys := []string{"ctrl", "shift", "p"}
	fmt.Printf("Listening for Ctrl+Shift+P in %q mode...\n", *mode)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys, *mode)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		hotkey.Drive(listener.Events(), &printPauser{})
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
