package fakefc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
)

// Main runs the fake hypervisor with firecracker-style arguments and
// returns the process exit code. Unknown flags are accepted and ignored.
//
//	--api-sock PATH     socket to serve (required)
//	--journal PATH      append each request as a JSON line
//	--fault TARGET=MSG  answer TARGET with 400 (repeatable)
//	--exit-code N       exit with N before binding the socket
func Main(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("fakefc", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(stderr)

	sock := fs.String("api-sock", "", "API socket path")
	journal := fs.String("journal", "", "request journal path")
	faults := fs.StringArray("fault", nil, "TARGET=MESSAGE to fail with 400")
	exitCode := fs.Int("exit-code", -1, "exit immediately with this code")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *exitCode >= 0 {
		fmt.Fprintln(stdout, "fakefc: exiting early")
		return *exitCode
	}
	if *sock == "" {
		fmt.Fprintln(stderr, "fakefc: --api-sock is required")
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	opts := []Option{WithLogger(logger)}
	for _, f := range *faults {
		target, msg, ok := strings.Cut(f, "=")
		if !ok {
			fmt.Fprintf(stderr, "fakefc: bad --fault %q\n", f)
			return 2
		}
		opts = append(opts, WithFault(target, msg))
	}
	if *journal != "" {
		f, err := os.OpenFile(*journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "fakefc: open journal: %v\n", err)
			return 1
		}
		defer f.Close()
		opts = append(opts, WithJournal(f))
	}

	if err := removeSocket(*sock); err != nil {
		fmt.Fprintf(stderr, "fakefc: %v\n", err)
		return 1
	}
	srv, err := Listen(*sock, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "fakefc: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "fakefc: api server listening on %s\n", *sock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(stderr, "fakefc: %v\n", err)
		return 1
	}
	return 0
}
