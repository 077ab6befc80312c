// Command test-inject is a manual test for keystroke injection.
// It waits 3 seconds, then types test text through the job queue.
// Focus a text editor before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-inject [--backend robotgo|keybd] [--text "..."] [--no-unicode]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/keytyper/internal/device"
	"github.com/chaz8081/keytyper/internal/inject"
	"github.com/chaz8081/keytyper/internal/logging"
	"github.com/chaz8081/keytyper/internal/queue"
)

func main() {
	backendName := flag.String("backend", device.BackendRobotgo, "input backend: robotgo or keybd")
	text := flag.String("text", "Hello from keytyper! café\tdone\n", "text to type")
	noUnicode := flag.Bool("no-unicode", false, "skip characters outside the keyboard layout")
	delay := flag.Duration("delay", 0, "pause between characters")
	flag.Parse()

	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logging.Setup(os.Stderr, level)

	backend, err := device.New(*backendName)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	injector := inject.New(backend, inject.Options{Unicode: !*noUnicode, KeyDelay: *delay})
	defer injector.Close()

	q := queue.New(injector, queue.WithDepth(1))
	if err := q.Start(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Will type %q using the %q backend in 3 seconds...\n", *text, injector.Backend())
	fmt.Println("Focus a text editor now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	job, err := q.Enqueue(queue.Request{Text: *text})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	res, err := job.Wait(context.Background())
	_ = q.Stop(context.Background())
	if err != nil {
		fmt.Printf("\nError: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! %d characters, %d key events in %s", res.Delivered, res.Events, res.Duration.Round(time.Millisecond))
	if len(res.Skipped) > 0 {
		fmt.Printf(", skipped %v", res.Skipped)
	}
	fmt.Println()
}
