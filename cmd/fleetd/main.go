// Command fleetd runs the fleet control plane: resource index, scheduler,
// preemption planner, budget engine and session bridge wired over one event
// bus. Redis (REDIS_URL) adds the shared resource index and the stream
// forwarder; MongoDB (MONGO_URL) replaces the JSON file budget store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"goa.design/fleet/bridge"
	"goa.design/fleet/budget"
	budgetmongo "goa.design/fleet/features/budget/mongo"
	budgetclients "goa.design/fleet/features/budget/mongo/clients/mongo"
	redisindex "goa.design/fleet/features/resources/redis"
	streampulse "goa.design/fleet/features/stream/pulse"
	clientspulse "goa.design/fleet/features/stream/pulse/clients/pulse"
	"goa.design/fleet/hooks"
	"goa.design/fleet/preemption"
	"goa.design/fleet/pricing"
	"goa.design/fleet/resources"
	"goa.design/fleet/resources/inmem"
	"goa.design/fleet/scheduler"
	"goa.design/fleet/telemetry"
)

func main() {
	var (
		prefixF   = flag.String("prefix", redisindex.DefaultPrefix, "Key prefix for the shared Redis store")
		strategyF = flag.String("strategy", string(scheduler.BestFit), "Bin-packing strategy (bestFit, firstFit, worstFit, spread)")
		budgetsF  = flag.String("budgets", "", "Budget document path (defaults to the user config dir)")
		notifyF   = flag.Int("notify-rate", 60, "Max budget notifications per minute")
		pricingF  = flag.String("pricing", "", "Pricing overrides YAML path")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	bus := hooks.NewBus()

	// Pricing, with optional overrides file.
	calc := pricing.NewCalculator()
	if *pricingF != "" {
		n, err := calc.LoadOverrides(*pricingF)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "loading pricing overrides"})
		}
		log.Print(ctx, log.KV{K: "msg", V: "pricing overrides loaded"}, log.KV{K: "models", V: n})
	}

	// Resource index: shared through Redis when configured, in-process
	// otherwise. The Redis client also feeds the stream forwarder.
	var (
		index resources.Index
		rdb   *goredis.Client
	)
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		var err error
		index, err = redisindex.New(redisindex.Options{
			Redis:   rdb,
			Prefix:  *prefixF,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "building redis resource index"})
		}
		log.Print(ctx, log.KV{K: "msg", V: "using redis resource index"}, log.KV{K: "prefix", V: *prefixF})
	} else {
		index = inmem.New(inmem.WithLogger(logger))
		log.Print(ctx, log.KV{K: "msg", V: "using in-process resource index"})
	}

	// Stream forwarder mirrors every bus event to Redis streams.
	if rdb != nil {
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "building pulse client"})
		}
		fwd, err := streampulse.NewForwarder(streampulse.ForwarderOptions{
			Client:  client,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "building stream forwarder"})
		}
		if _, err := bus.Register(fwd); err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "registering stream forwarder"})
		}
	}

	// Budget store: Mongo when configured, JSON file otherwise.
	var store budget.Store
	if url := os.Getenv("MONGO_URL"); url != "" {
		mclient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(url))
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "connecting to MongoDB"})
		}
		defer func() { _ = mclient.Disconnect(context.Background()) }()
		store, err = budgetmongo.NewStoreFromMongo(budgetclients.Options{
			Client:   mclient,
			Database: "fleet",
		})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "building mongo budget store"})
		}
		log.Print(ctx, log.KV{K: "msg", V: "using mongo budget store"})
	} else {
		path := *budgetsF
		if path == "" {
			var err error
			path, err = budget.DefaultPath()
			if err != nil {
				log.Fatal(ctx, err, log.KV{K: "msg", V: "resolving budget document path"})
			}
		}
		fs, err := budget.NewFileStore(path)
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "building file budget store"})
		}
		store = fs
		log.Print(ctx, log.KV{K: "msg", V: "using file budget store"}, log.KV{K: "path", V: path})
	}

	// Threshold notifications land in the log; the rate limiter caps
	// threshold storms regardless of the delivery backend.
	notifier := budget.NewRateLimitedNotifier(budget.NewLogNotifier(logger), *notifyF, logger)

	engine, err := budget.NewEngine(ctx, budget.Options{
		Store:      store,
		Calculator: calc,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
		Notifier:   notifier,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "building budget engine"})
	}
	if _, err := bus.Register(engine); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "registering budget engine"})
	}

	// Scheduler with preemption; the priority table is shared with the
	// planner so victim eligibility sees the scheduler's records.
	table := scheduler.NewPriorityTable()
	planner, err := preemption.NewPlanner(preemption.Options{
		Enabled:    true,
		Cluster:    index,
		Priorities: table,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "building preemption planner"})
	}
	core, err := scheduler.New(scheduler.Options{
		Index:    index,
		Table:    table,
		Planner:  planner,
		Bus:      bus,
		Logger:   logger,
		Metrics:  metrics,
		Strategy: scheduler.Strategy(*strategyF),
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "building scheduler"})
	}

	b, err := bridge.New(bridge.Options{
		Gateway: newLoopbackGateway(),
		Bus:     bus,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "building session bridge"})
	}

	// Budget kill actions release the agent's placement and terminate its
	// session.
	if _, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		e, ok := evt.(*hooks.ThresholdCrossedEvent)
		if !ok {
			return nil
		}
		if budget.Action(e.Action) != budget.ActionKill && budget.Action(e.Action) != budget.ActionAudit {
			return nil
		}
		if err := core.Unschedule(ctx, e.AgentID()); err != nil {
			logger.Warn(ctx, "releasing killed agent failed", "agent_id", e.AgentID(), "err", err.Error())
		}
		if err := b.KillSession(ctx, e.AgentID(), true); err != nil {
			logger.Warn(ctx, "killing session failed", "agent_id", e.AgentID(), "err", err.Error())
		}
		return nil
	})); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "registering kill observer"})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stale-node sweeper.
	go func() {
		ticker := time.NewTicker(resources.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := index.RemoveStale(ctx); err != nil {
					logger.Warn(ctx, "stale node sweep failed", "err", err.Error())
				}
			}
		}
	}()

	log.Print(ctx, log.KV{K: "msg", V: "fleetd started"}, log.KV{K: "strategy", V: *strategyF})

	// Block until SIGINT or SIGTERM, then shut down.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Print(ctx, log.KV{K: "msg", V: fmt.Sprintf("exiting (%v)", sig)})
	cancel()
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
