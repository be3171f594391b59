package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/chimera-sh/factory/internal/agent"
	"github.com/chimera-sh/factory/internal/audit"
	"github.com/chimera-sh/factory/internal/bus"
	"github.com/chimera-sh/factory/internal/campaign"
	"github.com/chimera-sh/factory/internal/config"
	"github.com/chimera-sh/factory/internal/coordinator"
	"github.com/chimera-sh/factory/internal/cron"
	"github.com/chimera-sh/factory/internal/memory"
	otelPkg "github.com/chimera-sh/factory/internal/otel"
	"github.com/chimera-sh/factory/internal/persistence"
	"github.com/chimera-sh/factory/internal/skills"
	"github.com/chimera-sh/factory/internal/telemetry"
	"github.com/chimera-sh/factory/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the factory core (workers, sweeper, scheduler)

SUBCOMMANDS:
  %s campaign <action>        Manage campaigns
                              Actions: create, status, cancel, list, tasks
  %s agent <action>           Manage agents
                              Actions: register, retire, list
  %s schedule <action>        Manage recurring campaigns
                              Actions: add, list, enable, disable
  %s audit <action>           Audit ledger operations
                              Actions: verify, list
  %s status                   Show queue and outbox depth

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHIMERA_HOME            Data directory (default: ~/.chimera)
  CHIMERA_DB_PATH         Override the SQLite database path

EXAMPLES:
  Run the daemon:         %s -daemon
  Start a campaign:       %s campaign create -type research -goal "summer trends" -launch
  Check a campaign:       %s campaign status <id>
  Verify the ledger:      %s audit verify <campaign-id>
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the factory daemon")
	home := flag.String("home", config.DefaultHome(), "data directory")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "daemon":
			*daemon = true
		case "campaign":
			os.Exit(runCampaignCommand(ctx, *home, args[1:]))
		case "agent":
			os.Exit(runAgentCommand(ctx, *home, args[1:]))
		case "schedule":
			os.Exit(runScheduleCommand(ctx, *home, args[1:]))
		case "audit":
			os.Exit(runAuditCommand(ctx, *home, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, *home))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	runDaemon(ctx, *home, *logLevel)
}

func runDaemon(ctx context.Context, home, logLevel string) {
	cfg, err := config.Load(home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(home, logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, queueConfig(cfg), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	recovered, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	depthReg, err := metrics.RegisterDepthCallback(otelProvider.Meter, func() (int64, int64, error) {
		obsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pending, _, _, err := store.QueueCounts(obsCtx)
		if err != nil {
			return 0, 0, err
		}
		outbox, err := store.OutboxDepth(obsCtx)
		if err != nil {
			return 0, 0, err
		}
		return int64(pending), int64(outbox), nil
	})
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	defer depthReg.Unregister()

	registry := skills.NewRegistry()
	if err := skills.RegisterBuiltins(registry); err != nil {
		fatalStartup(logger, "E_SKILL_REGISTER", err)
	}
	if err := os.MkdirAll(cfg.ContractsDir, 0o755); err != nil {
		fatalStartup(logger, "E_CONTRACT_DIR_CREATE", err)
	}
	overrides, err := skills.LoadContractsDir(cfg.ContractsDir)
	if err != nil {
		fatalStartup(logger, "E_CONTRACT_LOAD", err)
	}
	for name, contract := range overrides {
		if err := registry.ReplaceContract(contract); err != nil {
			logger.Warn("skipping contract override for unregistered skill", "skill", name, "error", err)
		}
	}
	watcher := skills.NewWatcher(cfg.ContractsDir, registry, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONTRACT_WATCHER_START", err)
	}
	go func() {
		for name := range watcher.Reloads() {
			logger.Info("contract reloaded", "skill", name)
		}
	}()
	logger.Info("startup phase", "phase", "skills_registered", "skills", registry.Names())

	agents := agent.NewRegistry(store, logger)
	embedder := memory.NewHashEmbedder(cfg.Memory.EmbeddingDim)
	gateway := memory.NewGateway(store, embedder, logger)
	coord := coordinator.New(store, gateway, logger)
	campaigns := campaign.NewManager(store, agents, logger)
	invoker := skills.NewInvoker(registry, time.Duration(cfg.Worker.SkillTimeout), logger)

	pool := worker.NewPool(store, invoker, coord, campaigns, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      time.Duration(cfg.Worker.PollInterval),
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatInterval),
	}, logger)
	pool.SetTracer(otelProvider.Tracer)

	scheduler := cron.NewScheduler(cron.Config{
		Store:     store,
		Campaigns: campaigns,
		Logger:    logger,
		Interval:  time.Duration(cfg.Sweep.Interval),
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go coord.RunSweeper(ctx, time.Duration(cfg.Sweep.Interval), cfg.Sweep.OutboxBatch)

	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	go recordBusMetrics(ctx, sub, metrics)

	logger.Info("startup phase", "phase", "daemon_ready",
		"workers", cfg.Worker.Concurrency,
		"lease_duration", time.Duration(cfg.Queue.LeaseDuration).String())

	// Blocks until the signal context cancels.
	pool.Run(ctx)

	logger.Info("shutdown signal received")
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if applied, err := coord.Sweep(drainCtx, cfg.Sweep.OutboxBatch); err != nil {
		logger.Warn("final outbox sweep incomplete", "applied", applied, "error", err)
	} else if applied > 0 {
		logger.Info("final outbox sweep", "applied", applied)
	}
	logger.Info("shutdown complete")
}

// recordBusMetrics translates lifecycle events into OTel instruments.
func recordBusMetrics(ctx context.Context, sub *bus.Subscription, m *otelPkg.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskLeased:
				m.LeasedTasks.Add(ctx, 1)
			case bus.TopicTaskSucceeded:
				m.LeasedTasks.Add(ctx, -1)
				m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "succeeded")))
			case bus.TopicTaskRetrying:
				m.LeasedTasks.Add(ctx, -1)
				m.TasksRetried.Add(ctx, 1)
			case bus.TopicTaskFailed:
				m.LeasedTasks.Add(ctx, -1)
				m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
			case bus.TopicTaskDeadLetter:
				m.LeasedTasks.Add(ctx, -1)
				m.TasksDeadLetter.Add(ctx, 1)
				m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "dead_letter")))
			case bus.TopicCampaignCompleted:
				m.CampaignsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "completed")))
			case bus.TopicCampaignFailed:
				m.CampaignsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
			case bus.TopicCampaignCancelled:
				m.CampaignsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "cancelled")))
			}
		}
	}
}

func queueConfig(cfg config.Config) persistence.QueueConfig {
	return persistence.QueueConfig{
		MaxRetries:       cfg.Queue.MaxRetries,
		BaseBackoff:      time.Duration(cfg.Queue.BaseBackoff),
		MaxBackoff:       time.Duration(cfg.Queue.MaxBackoff),
		LeaseDuration:    time.Duration(cfg.Queue.LeaseDuration),
		CampaignLeaseCap: cfg.Queue.CampaignLeaseCap,
	}
}

// openStore loads config and opens the store for a CLI subcommand.
// Subcommand logs stay file-only so stdout carries only command output.
func openStore(home string) (config.Config, *persistence.Store, *slog.Logger, func(), error) {
	cfg, err := config.Load(home)
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	logger, closer, err := telemetry.NewLogger(home, "warn", true)
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	store, err := persistence.Open(cfg.DBPath, queueConfig(cfg), nil)
	if err != nil {
		closer.Close()
		return cfg, nil, nil, nil, err
	}
	cleanup := func() {
		store.Close()
		closer.Close()
	}
	return cfg, store, logger, cleanup, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func commandError(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func runCampaignCommand(ctx context.Context, home string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: campaign <create|status|cancel|list|tasks>")
		return 2
	}
	action := strings.ToLower(args[0])

	_, store, logger, cleanup, err := openStore(home)
	if err != nil {
		return commandError(err)
	}
	defer cleanup()
	campaigns := campaign.NewManager(store, agent.NewRegistry(store, logger), logger)

	switch action {
	case "create":
		fs := flag.NewFlagSet("campaign create", flag.ContinueOnError)
		fromFile := fs.String("f", "", "YAML file holding the campaign goal")
		goalType := fs.String("type", "", "campaign type: content, engagement, research")
		goalText := fs.String("goal", "", "campaign goal text")
		topic := fs.String("topic", "", "topic for skill payloads")
		sources := fs.String("sources", "", "comma-separated research sources")
		agentIDs := fs.String("agents", "", "comma-separated participating agent IDs")
		launch := fs.Bool("launch", false, "activate the campaign immediately")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		goal := campaign.Goal{Type: campaign.TypeResearch}
		if *fromFile != "" {
			data, err := os.ReadFile(*fromFile)
			if err != nil {
				return commandError(err)
			}
			if err := yaml.Unmarshal(data, &goal); err != nil {
				return commandError(fmt.Errorf("parse %s: %w", *fromFile, err))
			}
		}
		// Explicit flags override file values.
		if *goalType != "" {
			goal.Type = campaign.Type(*goalType)
		}
		if *goalText != "" {
			goal.Text = *goalText
		}
		if *topic != "" {
			goal.Topic = *topic
		}
		if s := splitList(*sources); s != nil {
			goal.Sources = s
		}
		if a := splitList(*agentIDs); a != nil {
			goal.AgentIDs = a
		}
		created, err := campaigns.Create(ctx, goal)
		if err != nil {
			return commandError(err)
		}
		if *launch {
			if err := campaigns.Launch(ctx, created.ID); err != nil {
				return commandError(err)
			}
			created, err = store.GetCampaign(ctx, created.ID)
			if err != nil {
				return commandError(err)
			}
		}
		printJSON(created)
		return 0

	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: campaign status <id>")
			return 2
		}
		status, err := campaigns.Status(ctx, args[1])
		if err != nil {
			return commandError(err)
		}
		printJSON(status)
		return 0

	case "cancel":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: campaign cancel <id>")
			return 2
		}
		if err := campaigns.Cancel(ctx, args[1]); err != nil {
			return commandError(err)
		}
		status, err := campaigns.Status(ctx, args[1])
		if err != nil {
			return commandError(err)
		}
		printJSON(status)
		return 0

	case "list":
		fs := flag.NewFlagSet("campaign list", flag.ContinueOnError)
		statusFilter := fs.String("status", "", "filter by status (DRAFT, ACTIVE, COMPLETED, FAILED, CANCELED)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		list, err := store.ListCampaigns(ctx, persistence.CampaignStatus(strings.ToUpper(*statusFilter)))
		if err != nil {
			return commandError(err)
		}
		printJSON(list)
		return 0

	case "tasks":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: campaign tasks <id>")
			return 2
		}
		tasks, err := store.ListTasksByCampaign(ctx, args[1])
		if err != nil {
			return commandError(err)
		}
		printJSON(tasks)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown campaign action: %s\n", action)
		return 2
	}
}

func runAgentCommand(ctx context.Context, home string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agent <register|retire|list>")
		return 2
	}
	action := strings.ToLower(args[0])

	_, store, logger, cleanup, err := openStore(home)
	if err != nil {
		return commandError(err)
	}
	defer cleanup()
	agents := agent.NewRegistry(store, logger)

	switch action {
	case "register":
		fs := flag.NewFlagSet("agent register", flag.ContinueOnError)
		name := fs.String("name", "", "agent display name")
		wallet := fs.String("wallet", "", "wallet reference")
		caps := fs.String("caps", "*", "comma-separated skill capabilities, * for all")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "agent register requires -name")
			return 2
		}
		id, err := agents.Register(ctx, *name, *wallet, splitList(*caps))
		if err != nil {
			return commandError(err)
		}
		registered, err := agents.Get(ctx, id)
		if err != nil {
			return commandError(err)
		}
		printJSON(registered)
		return 0

	case "retire":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: agent retire <id>")
			return 2
		}
		if err := agents.Retire(ctx, args[1]); err != nil {
			return commandError(err)
		}
		fmt.Println("retired", args[1])
		return 0

	case "list":
		list, err := agents.List(ctx)
		if err != nil {
			return commandError(err)
		}
		printJSON(list)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown agent action: %s\n", action)
		return 2
	}
}

func runScheduleCommand(ctx context.Context, home string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: schedule <add|list|enable|disable>")
		return 2
	}
	action := strings.ToLower(args[0])

	_, store, _, cleanup, err := openStore(home)
	if err != nil {
		return commandError(err)
	}
	defer cleanup()

	switch action {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ContinueOnError)
		name := fs.String("name", "", "schedule name")
		expr := fs.String("cron", "", "5-field cron expression, e.g. '0 9 * * *'")
		goalType := fs.String("type", "research", "campaign type")
		goalText := fs.String("goal", "", "campaign goal text")
		topic := fs.String("topic", "", "topic for skill payloads")
		sources := fs.String("sources", "", "comma-separated research sources")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *name == "" || *expr == "" {
			fmt.Fprintln(os.Stderr, "schedule add requires -name and -cron")
			return 2
		}
		if _, err := cron.NextRunTime(*expr, time.Now()); err != nil {
			return commandError(fmt.Errorf("invalid cron expression: %w", err))
		}
		goal := campaign.Goal{
			Type:    campaign.Type(*goalType),
			Text:    *goalText,
			Topic:   *topic,
			Sources: splitList(*sources),
		}
		spec, err := json.Marshal(goal)
		if err != nil {
			return commandError(err)
		}
		id, err := store.CreateSchedule(ctx, *name, *expr, spec)
		if err != nil {
			return commandError(err)
		}
		fmt.Println(id)
		return 0

	case "list":
		fs := flag.NewFlagSet("schedule list", flag.ContinueOnError)
		enabledOnly := fs.Bool("enabled", false, "only enabled schedules")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		list, err := store.ListSchedules(ctx, *enabledOnly)
		if err != nil {
			return commandError(err)
		}
		printJSON(list)
		return 0

	case "enable", "disable":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: schedule %s <id>\n", action)
			return 2
		}
		if err := store.SetScheduleEnabled(ctx, args[1], action == "enable"); err != nil {
			return commandError(err)
		}
		fmt.Println(action+"d", args[1])
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown schedule action: %s\n", action)
		return 2
	}
}

func runAuditCommand(ctx context.Context, home string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: audit <verify|list> <campaign-id>")
		return 2
	}
	action := strings.ToLower(args[0])
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: audit %s <campaign-id>\n", action)
		return 2
	}
	campaignID := args[1]

	_, store, _, cleanup, err := openStore(home)
	if err != nil {
		return commandError(err)
	}
	defer cleanup()

	switch action {
	case "verify":
		report, err := audit.NewVerifier(store).VerifyCampaign(ctx, campaignID)
		if err != nil {
			return commandError(err)
		}
		printJSON(report)
		if !report.OK() {
			return 1
		}
		return 0

	case "list":
		records, err := store.ListAuditRecords(ctx, campaignID)
		if err != nil {
			return commandError(err)
		}
		printJSON(records)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown audit action: %s\n", action)
		return 2
	}
}

func runStatusCommand(ctx context.Context, home string) int {
	_, store, _, cleanup, err := openStore(home)
	if err != nil {
		return commandError(err)
	}
	defer cleanup()

	pending, inFlight, deadLetter, err := store.QueueCounts(ctx)
	if err != nil {
		return commandError(err)
	}
	outbox, err := store.OutboxDepth(ctx)
	if err != nil {
		return commandError(err)
	}
	printJSON(map[string]int{
		"pending":     pending,
		"in_flight":   inFlight,
		"dead_letter": deadLetter,
		"outbox":      outbox,
	})
	return 0
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"factory","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
