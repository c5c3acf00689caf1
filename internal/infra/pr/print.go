// Package pr is a thin wrapper for unified output in an interactive CLI
// environment. It initializes readline with a cancelable stdin, points
// stdout/stderr at readline's buffers, and exposes plain print helpers for
// normal and diagnostic output. The mutex only guards writer swaps; writes
// themselves rely on the target writer's own thread safety.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
)

var (
	// rl is the active readline instance. Nil until Init().
	rl *readline.Instance
	// out is the current standard output stream; os.Stdout before Init(),
	// rl.Stdout() after.
	out io.Writer = os.Stdout
	// errOut is the error stream; os.Stderr before Init(), rl.Stderr() after.
	errOut io.Writer = os.Stderr
	// mu guards replacing the writer references and cancelableIn.
	mu sync.Mutex

	// cancelableIn is a stdin handle that can be closed to interrupt a
	// blocked Readline() with io.EOF.
	cancelableIn interface{ Close() error }
)

// Init sets up readline and redirects the internal output streams to its
// stdout/stderr. Uses a cancelable stdin so input waits can be interrupted
// on shutdown. Not designed for repeated calls.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline closes the cancelable stdin: Readline() gets io.EOF and
// returns. Idempotent.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt sets the prompt string. Assumes Init() has been called.
func SetPrompt(prompt string) {
	rl.SetPrompt(prompt)
}

// Rl returns the current readline instance (nil before Init()).
func Rl() *readline.Instance {
	return rl
}

// Stdout returns the current standard output writer.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr returns the current error writer.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print writes values to Stdout without a trailing newline.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println writes values to Stdout with a trailing newline. Works before
// Init() too, via os.Stdout.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf formats and writes to Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrint writes values to Stderr without a trailing newline.
func ErrPrint(a ...any) {
	fmt.Fprint(Stderr(), a...)
}

// ErrPrintln writes values to Stderr with a trailing newline.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf formats and writes to Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}
