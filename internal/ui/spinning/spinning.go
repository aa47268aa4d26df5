// Package spinning shows a spinner next to a message while a long step (downloading the dataset,
// exporting a model) runs, and handles interruptions of the command line tools.
package spinning

import (
	"context"
	"fmt"
	"golang.org/x/term"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	ThemeAscii = []rune("|/-\\")
	ThemeDots  = []rune("⣾⣽⣻⢿⡿⣟⣯⣷")

	// Theme used by new spinners.
	Theme = ThemeDots

	// Interval between updates of the spinner.
	Interval = 150 * time.Millisecond
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt, typically the cancel function
// of the context of the program.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Fprintln(os.Stderr)
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset(os.Stderr)
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset(w io.Writer) {
	fmt.Fprint(w, "\033[?25h\033[39;49;0m")
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Spinning is a spinner running on its own goroutine, until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// New starts a spinner with the message on w. If w is not a terminal only the message is printed.
func New(ctx context.Context, w io.Writer, message string) *Spinning {
	s := &Spinning{}
	if !IsTerminal(w) {
		fmt.Fprintf(w, "%s...\n", message)
		return s
	}
	return s.start(ctx, w, message)
}

func (s *Spinning) start(ctx context.Context, w io.Writer, message string) *Spinning {
	ctx, s.cancel = context.WithCancel(ctx)
	theme := Theme
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		fmt.Fprint(w, "\033[?25l")       // Hide cursor.
		defer fmt.Fprint(w, "\033[?25h") // Restore cursor.
		for idx := 0; ; idx = (idx + 1) % len(theme) {
			fmt.Fprintf(w, "\r%c %s", theme[idx], message)
			select {
			case <-ctx.Done():
				fmt.Fprint(w, "\r\033[K") // Clear line.
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clear its line. It can be called more than once.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
