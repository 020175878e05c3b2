// Command smithrun is the minimal CLI surface wiring every DAG Runtime
// component together: it loads a tool registry and RuntimeConfig, compiles
// one utterance into a DAG via the Planner, executes it via the
// Orchestrator, and prints the live engine event stream (spec.md §6) as
// newline-delimited JSON as each event is published, rather than dumping
// the trace after the run completes.
//
// Grounded on the teacher's main.go for the .env-then-flag-then-run shape,
// generalized from a fixed sequence of builder-API examples to a single
// compile-then-execute pipeline driven by command-line flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/smith-ai/smith/invoker"
	"github.com/smith-ai/smith/orchestrator"
	"github.com/smith-ai/smith/planner"
	"github.com/smith-ai/smith/ratelimit"
	"github.com/smith-ai/smith/registry"
	"github.com/smith-ai/smith/reslock"
	"github.com/smith-ai/smith/smithcfg"
	"github.com/smith-ai/smith/smithlog"
	"github.com/smith-ai/smith/subagent"
	"github.com/smith-ai/smith/trace"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: no .env file loaded: %v", err)
	}

	registryPath := flag.String("registry", "", "path to the tool descriptor file (JSON or YAML)")
	configPath := flag.String("config", "", "path to a RuntimeConfig YAML file (defaults applied if omitted)")
	model := flag.String("model", "gpt-4o-mini", "model name passed to the OpenAI-compatible planner client")
	baseURL := flag.String("base-url", "", "override the OpenAI-compatible API base URL")
	utterance := flag.String("utterance", "", "the natural-language request to compile and execute")
	flag.Parse()

	if *registryPath == "" || *utterance == "" {
		fmt.Fprintln(os.Stderr, "usage: smithrun -registry tools.yaml -utterance \"...\" [-config smith.yaml]")
		os.Exit(2)
	}

	logger := smithlog.NewSlog(slog.Default())

	cfg := smithcfg.Default()
	if *configPath != "" {
		loaded, err := smithcfg.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	reg, err := registry.LoadFile(*registryPath)
	if err != nil {
		log.Fatalf("load registry: %v", err)
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required")
	}
	llm, err := planner.NewOpenAIClient(*model, apiKey, *baseURL)
	if err != nil {
		log.Fatalf("build planner LLM client: %v", err)
	}

	limiter, locks := buildGates(cfg, reg, logger)
	bindings := builtinBindings()

	coordinator := subagent.New(reg, llm, bindings, limiter, locks,
		subagent.WithMaxDepth(cfg.MaxSubagentDepth),
		subagent.WithMaxFleetSize(cfg.MaxFleetSize),
		subagent.WithLogger(logger),
	)
	bindings["fn_sub_agent"] = coordinator.Tool()
	coordinator.RegisterRoot("root", *utterance)

	events, eventsDone := startEventPrinter()
	sink := func(ev trace.Event) { events <- ev }

	p := planner.New(reg, llm,
		planner.WithMaxRepairAttempts(cfg.MaxRepairAttempts),
		planner.WithLogger(logger),
		planner.WithEvents(sink),
	)

	ctx := context.Background()
	dag, err := p.Plan(ctx, *utterance)
	if err != nil {
		close(events)
		<-eventsDone
		log.Fatalf("planning failed: %v", err)
	}

	inv := invoker.New(bindings, limiter, locks, invoker.WithLogger(logger))
	orch := orchestrator.New(reg, inv,
		orchestrator.WithMaxConcurrentTools(cfg.MaxConcurrentTools),
		orchestrator.WithDefaults(cfg.MaxRetries, cfg.DefaultTimeout),
		orchestrator.WithApproval(cfg.RequireApproval, terminalApproval),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(sink),
	)

	result, runErr := orch.Run(ctx, "root", dag)
	close(events)
	<-eventsDone

	if runErr != nil {
		log.Fatalf("run ended: %v", runErr)
	}
	if result.HasFinalOutput {
		out, _ := json.Marshal(result.FinalOutput.Any())
		fmt.Println(string(out))
	}
}

// startEventPrinter launches the goroutine that prints each engine event
// (spec.md §6) as one newline-delimited JSON line as soon as it is
// published, returning the channel to send events on and a done channel
// that closes once every queued event has been printed.
func startEventPrinter() (chan trace.Event, <-chan struct{}) {
	events := make(chan trace.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			printEvent(ev)
		}
	}()
	return events, done
}

// printEvent renders one engine event as a single JSON line, field set
// varying by Kind per spec.md §6's payload shapes.
func printEvent(ev trace.Event) {
	fields := map[string]interface{}{"kind": ev.Kind}
	switch ev.Kind {
	case trace.EventPlanComplete:
		fields["num_nodes"] = ev.NumNodes
		fields["tools"] = ev.Tools
	case trace.EventToolStart:
		fields["node_id"] = ev.NodeID
		fields["tool"] = ev.Tool
	case trace.EventToolComplete:
		fields["node_id"] = ev.NodeID
		fields["tool"] = ev.Tool
		fields["status"] = ev.Status
		fields["duration_ms"] = ev.Duration.Milliseconds()
	case trace.EventFinalAnswer:
		fields["response"] = ev.Response.Any()
	case trace.EventError:
		fields["message"] = ev.Message
		fields["details"] = ev.Details
	}
	line, err := json.Marshal(fields)
	if err != nil {
		return
	}
	fmt.Println(string(line))
}

// buildGates wires the rate limiter and lock manager to the memory or
// redis backend per cfg, mirroring smithcfg.RuntimeConfig's documented
// backend switch. Each descriptor's default_rate_interval is applied
// first, then cfg.RateIntervals overrides it per tool.
func buildGates(cfg *smithcfg.RuntimeConfig, reg *registry.Registry, logger smithlog.Logger) (ratelimit.Limiter, reslock.Manager) {
	if !cfg.EnableRateLimiting {
		return noopLimiter{}, reslock.NewInMemory(logger)
	}
	switch cfg.RateLimiterBackend {
	case "redis":
		client := newRedisClient(cfg.RedisAddr)
		limiter := ratelimit.NewRedis(client, "smith:ratelimit:")
		for _, d := range reg.ListAll() {
			limiter.SetInterval(d.Name, d.DefaultRateInterval)
		}
		for tool, seconds := range cfg.RateIntervals {
			limiter.SetInterval(tool, time.Duration(seconds*float64(time.Second)))
		}
		locks := reslock.NewRedis(client, "smith:lock:", 30*time.Second, logger)
		return limiter, locks
	default:
		limiter := ratelimit.NewInMemory()
		for _, d := range reg.ListAll() {
			limiter.SetInterval(d.Name, d.DefaultRateInterval)
		}
		for tool, seconds := range cfg.RateIntervals {
			limiter.SetInterval(tool, time.Duration(seconds*float64(time.Second)))
		}
		return limiter, reslock.NewInMemory(logger)
	}
}

func newRedisClient(addr string) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// noopLimiter never gates, used when RuntimeConfig.EnableRateLimiting is
// false.
type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context, tool string) error  { return nil }
func (noopLimiter) SetInterval(tool string, interval time.Duration) {}

// terminalApproval is the default ApprovalFunc: it prompts on stdin/stderr
// for dangerous tool confirmation, the simplest thing an external
// collaborator (spec.md §1 puts approval UX out of scope) can plug in.
func terminalApproval(n planner.Node, d *registry.Descriptor) (bool, error) {
	fmt.Fprintf(os.Stderr, "approve dangerous tool %q (node %d)? [y/N] ", d.Name, n.ID)
	var answer string
	fmt.Scanln(&answer)
	return strings.EqualFold(strings.TrimSpace(answer), "y"), nil
}

// builtinBindings is the set of tool callables smithrun ships with for
// demonstration; a real embedding application supplies its own via the
// same invoker.Binding map (spec.md §1 treats individual tool bodies as
// external collaborators).
func builtinBindings() invoker.Binding {
	return invoker.Binding{
		"fn_echo": func(ctx context.Context, inputs map[string]trace.Value) (trace.Value, error) {
			if v, ok := inputs["text"]; ok {
				return v, nil
			}
			return trace.Null, nil
		},
	}
}
