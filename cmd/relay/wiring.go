package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	approvalredis "goa.design/relay/features/approval/redis"
	runlogmongo "goa.design/relay/features/runlog/mongo"
	journalmongo "goa.design/relay/features/runlog/mongo/clients/mongo"
	"goa.design/relay/features/model/anthropic"
	"goa.design/relay/features/model/bedrock"
	"goa.design/relay/features/model/gateway"
	"goa.design/relay/features/model/middleware"
	"goa.design/relay/features/model/openai"
	sessionbadger "goa.design/relay/features/session/badger"
	sessionmongo "goa.design/relay/features/session/mongo"
	clientsmongo "goa.design/relay/features/session/mongo/clients/mongo"
	sessionredis "goa.design/relay/features/session/redis"
	"goa.design/relay/features/stream/pulse"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	toolhttp "goa.design/relay/features/tools/http"
	toolmcp "goa.design/relay/features/tools/mcp"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	engineinmem "goa.design/relay/runtime/agent/engine/inmem"
	"goa.design/relay/runtime/agent/engine/temporal"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/registry"
	"goa.design/relay/runtime/agent/runlog"
	"goa.design/relay/runtime/agent/runtime"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/telemetry"
	"goa.design/relay/runtime/agent/tools"
)

// budgetMapName names the Pulse replicated map holding shared model budgets.
const budgetMapName = "relay-model-budget"

type (
	// role selects which components a process needs. Temporal clients only
	// start and signal workflows, activities run on workers.
	role int

	// stack is a wired runtime and the resources backing it.
	stack struct {
		rt       *runtime.Runtime
		temporal *temporal.Engine
		pingers  []health.Pinger
		closers  []func(context.Context) error
		mongo    *mongodriver.Client
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

const (
	roleClient role = iota
	roleWorker
)

// build wires the runtime described by cfg and registers it with its engine.
// Turn events go to the configured stream backend and to sinks.
func build(ctx context.Context, cfg *Config, r role, sinks ...stream.Sink) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			_ = s.close(context.WithoutCancel(ctx))
		}
	}()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	agents, err := registry.LoadFile(cfg.Agents)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.usesRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.onClose(func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		s.pingers = append(s.pingers, redisPinger{rdb: rdb})
	}

	eng, err := s.buildEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []runtime.RuntimeOption{
		runtime.WithEngine(eng),
		runtime.WithRegistry(agents),
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithTracer(tracer),
		runtime.WithMaxTurns(cfg.MaxTurns),
		runtime.WithHistoryLimit(cfg.HistoryLimit),
		runtime.WithApprovalTimeout(cfg.Approval.Timeout),
		runtime.WithTaskQueue(cfg.Temporal.TaskQueue),
	}

	mc, err := s.buildModel(ctx, cfg.Model, rdb, logger, metrics, tracer)
	if err != nil {
		return nil, err
	}
	opts = append(opts, runtime.WithModel(mc))

	approvals, err := buildApprovals(cfg, rdb)
	if err != nil {
		return nil, err
	}
	opts = append(opts, runtime.WithApprovalStore(approvals))

	// Session storage, streaming and tool components are only used by
	// activities.
	if r == roleWorker || cfg.Engine == engineInmem {
		sessions, err := s.buildSessions(ctx, cfg.Session, rdb, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, runtime.WithSessionStore(sessions))

		components, err := buildTools(cfg.Tools)
		if err != nil {
			return nil, err
		}
		opts = append(opts, runtime.WithTools(components))

		if cfg.Stream.Journal == journalMongo {
			journal, err := s.buildJournal(cfg.Session)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, runlog.NewSink(journal))
		}
	}
	if cfg.Stream.Backend == streamPulse {
		sink, err := buildStream(cfg.Stream, rdb)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	switch len(sinks) {
	case 0:
	case 1:
		opts = append(opts, runtime.WithStream(sinks[0]))
	default:
		opts = append(opts, runtime.WithStream(stream.MultiSink(sinks)))
	}

	s.rt = runtime.New(opts...)
	if err := s.rt.Register(ctx); err != nil {
		return nil, err
	}
	log.Debug(ctx, log.KV{K: "msg", V: "runtime registered"},
		log.KV{K: "engine", V: cfg.Engine}, log.KV{K: "provider", V: cfg.Model.Provider},
		log.KV{K: "sessions", V: cfg.Session.Store}, log.KV{K: "agents", V: agents.Len()})
	return s, nil
}

func (s *stack) buildEngine(cfg *Config, logger telemetry.Logger) (engine.Engine, error) {
	if cfg.Engine == engineInmem {
		return engineinmem.New(engineinmem.WithLogger(logger)), nil
	}
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		},
		WorkerOptions:          temporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		DisableWorkerAutoStart: true,
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}
	s.temporal = eng
	s.onClose(func(context.Context) error {
		eng.Close()
		return nil
	})
	return eng, nil
}

// buildModel wraps the provider client with rate limiting and the gateway
// logging, metrics and tracing middleware.
func (s *stack) buildModel(
	ctx context.Context,
	cfg ModelConfig,
	rdb *redis.Client,
	logger telemetry.Logger,
	metrics telemetry.Metrics,
	tracer telemetry.Tracer,
) (model.Client, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	var budget *rmap.Map
	if cfg.SharedBudget {
		budget, err = rmap.Join(ctx, budgetMapName, rdb)
		if err != nil {
			return nil, fmt.Errorf("join model budget map: %w", err)
		}
		s.onClose(func(context.Context) error {
			budget.Close()
			return nil
		})
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, budgetKey(cfg), cfg.TPM, cfg.MaxTPM)
	return gateway.New(
		gateway.WithProvider(provider),
		gateway.WithMiddleware(
			gateway.Tracing(tracer),
			gateway.Metrics(metrics),
			gateway.Logging(logger),
		),
		gateway.WithClientMiddleware(limiter.Middleware()),
	)
}

// newProvider constructs the model client of the configured provider.
func newProvider(cfg ModelConfig) (model.Client, error) {
	switch cfg.Provider {
	case providerOpenAI:
		return openai.NewFromAPIKey(cfg.APIKey, cfg.BaseURL, cfg.Name)
	case providerAnthropic:
		return anthropic.NewFromAPIKey(cfg.APIKey, cfg.Name)
	case providerBedrock:
		rc := bedrockruntime.New(bedrockruntime.Options{
			Region:      cfg.Region,
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
		})
		return bedrock.New(bedrock.Options{Runtime: rc, DefaultModel: cfg.Name, MaxTokens: cfg.MaxTokens})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// envCredentials reads static AWS credentials from the standard environment
// variables.
func envCredentials(context.Context) (aws.Credentials, error) {
	creds := aws.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "relay-env",
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return creds, nil
}

func budgetKey(cfg ModelConfig) string {
	return cfg.Provider + "/" + cfg.Name
}

func (s *stack) buildSessions(ctx context.Context, cfg SessionConfig, rdb *redis.Client, logger telemetry.Logger) (session.Store, error) {
	switch cfg.Store {
	case storeRedis:
		st, err := sessionredis.NewStore(rdb, sessionredis.WithTTL(cfg.TTL))
		if err != nil {
			return nil, err
		}
		return st, nil
	case storeMongo:
		mc, err := s.mongoClient(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		cli, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		st, err := sessionmongo.NewStore(cli)
		if err != nil {
			return nil, err
		}
		s.pingers = append(s.pingers, st)
		return st, nil
	case storeBadger:
		st, err := sessionbadger.Open(sessionbadger.Config{Path: cfg.Path, Logger: logger})
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return st.Close() })
		if ids, err := st.IDs(ctx); err == nil {
			log.Debugf(ctx, "badger session store holds %d sessions", len(ids))
		}
		return st, nil
	default:
		return nil, nil
	}
}

// buildJournal opens the Mongo event journal in the session database.
func (s *stack) buildJournal(cfg SessionConfig) (*runlogmongo.Store, error) {
	mc, err := s.mongoClient(cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	cli, err := journalmongo.New(journalmongo.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, err
	}
	st, err := runlogmongo.NewStore(cli)
	if err != nil {
		return nil, err
	}
	s.pingers = append(s.pingers, st)
	return st, nil
}

// mongoClient connects to uri once per stack.
func (s *stack) mongoClient(uri string) (*mongodriver.Client, error) {
	if s.mongo != nil {
		return s.mongo, nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	s.onClose(mc.Disconnect)
	s.mongo = mc
	return mc, nil
}

func buildApprovals(cfg *Config, rdb *redis.Client) (approval.Store, error) {
	if cfg.Approval.Store != storeRedis {
		return nil, nil
	}
	st, err := approvalredis.NewStore(rdb)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildStream(cfg StreamConfig, rdb *redis.Client) (stream.Sink, error) {
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.MaxLen})
	if err != nil {
		return nil, err
	}
	return pulse.NewSink(pulse.Options{Client: pc})
}

// buildTools registers one component per configured endpoint. Endpoints
// prefixed with "mcp+" are MCP servers, others are HTTP services.
func buildTools(endpoints map[string]string) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	for _, name := range slices.Sorted(maps.Keys(endpoints)) {
		var (
			c   tools.Component
			err error
		)
		if endpoint, ok := strings.CutPrefix(endpoints[name], "mcp+"); ok {
			c, err = toolmcp.New(toolmcp.Options{Endpoint: endpoint})
		} else {
			c, err = toolhttp.New(toolhttp.Options{BaseURL: endpoints[name]})
		}
		if err != nil {
			return nil, fmt.Errorf("tool component %s: %w", name, err)
		}
		if err := reg.Register(name, c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *stack) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// close releases resources in reverse acquisition order.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
