// Package main implements crguard, which validates Jamf change requests,
// remediates failing devices and tracks results across CR cycles.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

// Exit codes shared by every command. Commands with graded verdicts return
// 0-2 through exitError.
const (
	exitOK           = 0
	exitRuntimeError = 3
)

// exitError carries a verdict exit code out of a command without logging
// it as a failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit code " + strconv.Itoa(e.code)
}

// exitWith returns nil for exitOK so cobra treats it as success.
func exitWith(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run executes one command line and returns its exit code.
func run(ctx context.Context, args []string) int {
	root, a := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.writeMetrics()
	a.closeStores()

	var ee *exitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ee):
		return ee.code
	default:
		log.Printf("[ERROR] %v", err)
		return exitRuntimeError
	}
}
