// Command scrape fetches HTML pages and extracts structured records from
// them using declarative rule sets.
//
// Usage (job file):
//
//	scrape run --config job.yaml
//
// Usage (one document from stdin or a URL):
//
//	cat page.html | scrape extract --rules rules.yaml --set listing
//	scrape extract --rules rules.yaml --url "https://example.com/page"
//
// Usage (directory of saved pages, one JSON array):
//
//	scrape extract --rules rules.yaml --dir ./pages
//
// Pagination (listing URL plus one URL per further page):
//
//	scrape pages --rules rules.yaml --set categories --url "https://example.com/"
//
// Debug (print matches for a selector):
//
//	cat page.html | scrape select --selector "div.product" --text
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scrapeline/internal/fetch"
	_ "scrapeline/internal/storage/all"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	GitCommit = "none"
	BuildTime = "unknown"
)

// deps are the process-level collaborators; tests replace them.
type deps struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Transport overrides the resty transport when non-nil.
	Transport fetch.Transport

	Now func() time.Time
}

func defaultDeps() deps {
	return deps{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, Now: time.Now}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

// exitError carries an exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, a ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, a...)}
}

func runtimeErr(format string, a ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, a...)}
}

// run executes the command line and returns a Unix exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(ctx context.Context, args []string, d deps) int {
	if d.Now == nil {
		d.Now = time.Now
	}
	root := newRootCmd(&d)
	root.SetArgs(args)
	root.SetIn(d.Stdin)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(d.Stderr, "scrape: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag parsing, unknown commands and argument validation.
	return 2
}

func newRootCmd(d *deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "scrape",
		Short:         "Fetch HTML pages and extract structured records.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(d),
		newExtractCmd(d),
		newSelectCmd(d),
		newPagesCmd(d),
		newVersionCmd(d),
	)
	return root
}

func newVersionCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(d.Stdout, "Version:          ", Version)
			fmt.Fprintln(d.Stdout, "Git Commit:       ", GitCommit)
			fmt.Fprintln(d.Stdout, "Build Time (UTC): ", BuildTime)
			return nil
		},
	}
}
