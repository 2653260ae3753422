// ABOUTME: CLI entrypoint for the dipeo workflow runner with run, compile, and serve modes.
// ABOUTME: Loads YAML diagrams, wires the engine's ports, and handles signals for cancellation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/dipeo/dipeo/compile"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/engine"
	"github.com/dipeo/dipeo/events"
	"github.com/dipeo/dipeo/filestore"
	"github.com/dipeo/dipeo/llm"
	"github.com/dipeo/dipeo/server"
)

var version = "dev"

func main() {
	loadDotEnv(".env")

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "compile":
		os.Exit(cmdCompile(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	case "version", "--version", "-version":
		fmt.Printf("dipeo %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `Usage: dipeo <command> [options]

Commands:
  run <diagram.yaml>      Compile and execute a diagram, streaming events to stderr
  compile <diagram.yaml>  Compile a diagram and print diagnostics
  serve                   Start the HTTP server
  version                 Print version and exit

Run "dipeo <command> -h" for command options.
`)
}

// varFlags collects repeated --var k=v flags into execution variables.
type varFlags map[string]any

func (v varFlags) String() string {
	pairs := make([]string, 0, len(v))
	for k, val := range v {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, val))
	}
	return strings.Join(pairs, ",")
}

func (v varFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	// Values arrive as strings; YAML gives us the cheap typed parse.
	var typed any
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}
	v[key] = typed
	return nil
}

// loadDiagram reads a YAML-serialized DomainDiagram from path.
func loadDiagram(path string) (*diagram.DomainDiagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d diagram.DomainDiagram
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &d, nil
}

// buildEngine wires the engine from environment configuration. The LLM port
// is only attached when an API key is present; diagrams without PersonJob
// nodes run fine without one.
func buildEngine(verbose bool, fileBase string) (*engine.Engine, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(verbose),
	}))

	var p engine.Ports
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts := []llm.Option{llm.WithLogger(log)}
		if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
			opts = append(opts, llm.WithBaseURL(base))
		}
		p.LLM = llm.New(key, opts...)
	}
	if fileBase != "" {
		files, err := filestore.New(fileBase)
		if err != nil {
			return nil, err
		}
		p.Files = files
	}

	bus := events.NewBus(events.WithLogger(log))
	return engine.New(engine.FromEnv(), engine.DefaultRegistry(), bus, p, log), nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("dipeo run", flag.ContinueOnError)
	vars := varFlags{}
	fs.Var(vars, "var", "Execution variable as key=value (repeatable)")
	fileBase := fs.String("file-base", ".", "Base directory for file store access")
	verbose := fs.Bool("verbose", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: diagram file required (use dipeo run <diagram.yaml>)")
		return 1
	}

	d, err := loadDiagram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	res := compile.Compile(d)
	if !res.OK() {
		printDiagnostics(res)
		return 1
	}

	eng, err := buildEngine(*verbose, *fileBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	x, err := eng.Start(ctx, res.Diagram, map[string]any(vars))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	go streamEvents(eng.Bus(), x.ID, *verbose)

	result := x.Wait()
	if result.Status != engine.ExecCompleted {
		fmt.Fprintf(os.Stderr, "execution %s: %s\n", result.Status, result.Reason)
		return 1
	}

	for nodeID, env := range result.FinalOutputs {
		fmt.Printf("%s: %s\n", nodeID, outputString(env.Body))
	}
	return 0
}

// streamEvents mirrors the execution's node lifecycle onto stderr.
func streamEvents(bus *events.Bus, execID diagram.ExecutionID, verbose bool) {
	sub, err := bus.SubscribeFrom(execID, 0)
	if err != nil {
		return
	}
	for evt := range sub.C {
		switch evt.Type {
		case events.NodeStarted:
			fmt.Fprintf(os.Stderr, "[node] %v started\n", evt.Payload["node_id"])
		case events.NodeCompleted:
			fmt.Fprintf(os.Stderr, "[node] %v completed\n", evt.Payload["node_id"])
		case events.NodeFailed:
			fmt.Fprintf(os.Stderr, "[node] %v failed: %v\n", evt.Payload["node_id"], evt.Payload["error"])
		case events.TokenPublished:
			if verbose {
				fmt.Fprintf(os.Stderr, "[token] %v seq %v\n", evt.Payload["edge_id"], evt.Payload["seq"])
			}
		}
	}
}

func outputString(body any) string {
	switch t := body.(type) {
	case string:
		return t
	default:
		out, err := yaml.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return "\n" + strings.TrimRight(string(out), "\n")
	}
}

func cmdCompile(args []string) int {
	fs := flag.NewFlagSet("dipeo compile", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: diagram file required (use dipeo compile <diagram.yaml>)")
		return 1
	}

	d, err := loadDiagram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	res := compile.Compile(d)
	if !res.OK() {
		printDiagnostics(res)
		return 1
	}
	printWarnings(res)
	fmt.Printf("Diagram is valid: %d nodes, %d edges.\n",
		len(res.Diagram.Nodes), len(res.Diagram.Edges))
	return 0
}

func printDiagnostics(res *compile.Result) {
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "[error] %s\n", e)
	}
	printWarnings(res)
	fmt.Fprintln(os.Stderr, "Compilation failed.")
}

func printWarnings(res *compile.Result) {
	for _, w := range res.Warnings {
		if w.NodeID != "" {
			fmt.Fprintf(os.Stderr, "[warning][%s] node %s: %s\n", w.Phase, w.NodeID, w.Message)
			continue
		}
		fmt.Fprintf(os.Stderr, "[warning][%s] %s\n", w.Phase, w.Message)
	}
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("dipeo serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "Listen address")
	fileBase := fs.String("file-base", ".", "Base directory for file store access")
	eventDB := fs.String("event-db", "", "SQLite file for the durable event sink (disabled when empty)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	eng, err := buildEngine(*verbose, *fileBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	opts := []server.Option{server.WithLogger(slog.Default())}
	if *eventDB != "" {
		sink, err := server.NewEventSink(*eventDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer sink.Close()
		opts = append(opts, server.WithSink(sink))
	}

	ctx, cancel := signalContext()
	defer cancel()

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.New(eng, opts...),
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
