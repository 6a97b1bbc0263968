// Command mcp-smoke connects to an MCP server, lists its tools and runs a
// smoke test plan against them.
//
// Exit status is 0 when the plan ran to completion, 1 when the run was
// aborted by a connection or protocol failure and 2 on usage errors or, with
// -strict, when any test did not pass.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/mcp-smoke/runtime/mcp"
	"goa.design/mcp-smoke/runtime/mcp/transport"
	"goa.design/mcp-smoke/runtime/smoke"
	"goa.design/mcp-smoke/runtime/smoke/report"
)

// version is set at build time.
var version = "dev"

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcp-smoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		endpointF    = fs.String("endpoint", "ws://127.0.0.1:11234/mcp/ws", "MCP server endpoint (ws://, wss://, http://, https:// or stdio:<command>)")
		planF        = fs.String("plan", "", "YAML test plan (defaults to the built-in plan)")
		urlF         = fs.String("url", "https://example.com", "Target URL used by the built-in plan")
		timeoutF     = fs.Duration("timeout", 60*time.Second, "Maximum time to wait for each tool reply")
		initTimeoutF = fs.Duration("init-timeout", 10*time.Second, "Maximum time to wait for the initialize handshake")
		dialWaitF    = fs.Duration("dial-wait", 5*time.Second, "Maximum time spent retrying the connection (negative disables retries)")
		framingF     = fs.String("framing", "newline", "stdio framing (valid values: newline, content-length)")
		rateF        = fs.Float64("rate", 0, "Maximum tool calls per second (0 means unlimited)")
		formatF      = fs.String("format", "text", "Report format (valid values: text, json)")
		checkArgsF   = fs.Bool("check-args", false, "Validate arguments against the tool input schemas before calling")
		listF        = fs.Bool("list", false, "List the server tools and exit")
		strictF      = fs.Bool("strict", false, "Exit with status 2 when any test does not pass")
		dbgF         = fs.Bool("debug", false, "Log protocol traffic")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(stderr))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var framing transport.Framing
	switch *framingF {
	case "newline":
		framing = transport.FramingNewline
	case "content-length":
		framing = transport.FramingContentLength
	default:
		fmt.Fprintf(stderr, "invalid framing %q (valid values: newline, content-length)\n", *framingF)
		return exitUsage
	}
	rep, err := report.New(*formatF, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	plan := smoke.DefaultPlan(*urlF)
	if *planF != "" {
		if plan, err = smoke.LoadPlan(*planF); err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	}
	total := len(plan.Cases)
	fatal := func(r *smoke.Report, err error) int {
		if *listF {
			report.Fatal(stderr, err)
			return exitFatal
		}
		if serr := rep.Summary(r, total, err); serr != nil {
			log.Error(ctx, serr, log.KV{K: "msg", V: "failed to write report"})
		}
		report.Fatal(stderr, err)
		return exitFatal
	}

	if !*listF {
		rep.Connecting(*endpointF)
	}
	conn, err := transport.Open(ctx, *endpointF, transport.Options{DialWait: *dialWaitF, Framing: framing})
	if err != nil {
		return fatal(nil, err)
	}
	sess, err := mcp.Initialize(ctx, conn, mcp.Options{
		Endpoint:      *endpointF,
		ClientName:    "mcp-smoke",
		ClientVersion: version,
		InitTimeout:   *initTimeoutF,
		CallTimeout:   *timeoutF,
	})
	if err != nil {
		return fatal(nil, err)
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return fatal(nil, err)
	}
	if *listF {
		if err := listTools(stdout, tools); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to write tool list"})
			return exitFatal
		}
		return exitOK
	}
	rep.Tools(tools)

	opts := []smoke.RunOption{smoke.WithObserver(rep), smoke.WithTools(tools)}
	if *rateF > 0 {
		opts = append(opts, smoke.WithLimiter(rate.NewLimiter(rate.Limit(*rateF), 1)))
	}
	if *checkArgsF {
		opts = append(opts, smoke.WithArgumentCheck())
	}
	result, err := smoke.Run(ctx, sess, plan, opts...)
	if err != nil {
		return fatal(result, err)
	}
	if err := rep.Summary(result, total, nil); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to write report"})
		return exitFatal
	}
	if *strictF && result.Failed() {
		return exitUsage
	}
	return exitOK
}

func listTools(w io.Writer, tools []mcp.ToolDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
