// Command kubegramd runs the kubegram workflow server: the MCP websocket
// endpoint backed by the planning and code generation workflows, Redis state,
// and a MongoDB graph store.
//
// # Configuration
//
// Environment variables:
//
//	KUBEGRAM_ADDR       - HTTP listen address (default: ":8080")
//	MCP_PATH            - MCP websocket path (default: "/operator")
//	REDIS_URL           - Redis address; empty selects in-process state
//	REDIS_PASSWORD      - Redis password (optional)
//	MONGO_URL           - MongoDB connection string; empty selects in-process storage
//	MONGO_DATABASE      - MongoDB database name (default: "kubegram")
//	MODEL_PROVIDER      - "anthropic", "openai", or "bedrock" (default: "anthropic")
//	MODEL_ID            - provider model identifier (defaults per provider)
//	ANTHROPIC_API_KEY   - Anthropic credentials
//	AWS_REGION          - AWS region for the bedrock provider (standard SDK config)
//	OPENAI_API_KEY      - OpenAI credentials (also enables RAG embeddings)
//	EMBEDDINGS_MODEL    - OpenAI embeddings model (default: "text-embedding-3-small")
//	MODEL_TPM           - initial model tokens-per-minute budget (default: 60000)
//	HA_MODE             - "true" shares the rate-limit budget across nodes via Redis
//	CACHE_PREFIX        - key prefix for the write-through cache (default: "kubegram")
//	JOB_TIMEOUT         - default result wait (default: "5m")
//
// # Example
//
//	REDIS_URL=localhost:6379 MONGO_URL=mongodb://localhost:27017 \
//	ANTHROPIC_API_KEY=... go run ./cmd/kubegramd
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	ckptmem "github.com/kubegram/kubegram/features/checkpoint/memory"
	ckptredis "github.com/kubegram/kubegram/features/checkpoint/redis"
	storemem "github.com/kubegram/kubegram/features/graphstore/memory"
	storemongo "github.com/kubegram/kubegram/features/graphstore/mongo"
	kvmem "github.com/kubegram/kubegram/features/kv/memory"
	kvredis "github.com/kubegram/kubegram/features/kv/redis"
	"github.com/kubegram/kubegram/features/model/anthropic"
	"github.com/kubegram/kubegram/features/model/bedrock"
	"github.com/kubegram/kubegram/features/model/middleware"
	"github.com/kubegram/kubegram/features/model/openai"
	busmem "github.com/kubegram/kubegram/features/pubsub/memory"
	busredis "github.com/kubegram/kubegram/features/pubsub/redis"
	"github.com/kubegram/kubegram/features/rag"
	"github.com/kubegram/kubegram/jobs"
	"github.com/kubegram/kubegram/mcp"
	"github.com/kubegram/kubegram/runtime/cache"
	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/kv"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/telemetry"
	"github.com/kubegram/kubegram/runtime/workflow"
	"github.com/kubegram/kubegram/workflows/codegen"
	"github.com/kubegram/kubegram/workflows/plan"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	addr := envOr("KUBEGRAM_ADDR", ":8080")
	mcpPath := envOr("MCP_PATH", mcp.DefaultPath)
	cachePrefix := envOr("CACHE_PREFIX", "kubegram")
	jobTimeout := envDurationOr("JOB_TIMEOUT", 5*time.Minute)
	haMode := envOr("HA_MODE", "false") == "true"

	// State: Redis when configured, in-process otherwise.
	var (
		kvStore kv.Store
		bus     pubsub.Bus
		rdb     *redis.Client
	)
	var planCkpt workflow.Checkpointer[*plan.State]
	var cgCkpt workflow.Checkpointer[*codegen.State]
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("close redis: %v", err)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		store, err := kvredis.New(kvredis.Options{Client: rdb})
		if err != nil {
			return fmt.Errorf("redis kv store: %w", err)
		}
		kvStore = store
		redisBus, err := busredis.New(busredis.Options{Client: rdb})
		if err != nil {
			return fmt.Errorf("redis bus: %w", err)
		}
		bus = redisBus
		planCkpt, err = ckptredis.New[plan.State](ckptredis.Options{Client: rdb, Prefix: plan.Name})
		if err != nil {
			return fmt.Errorf("plan checkpointer: %w", err)
		}
		cgCkpt, err = ckptredis.New[codegen.State](ckptredis.Options{Client: rdb, Prefix: codegen.Name})
		if err != nil {
			return fmt.Errorf("codegen checkpointer: %w", err)
		}
	} else {
		log.Print("REDIS_URL not set, using in-process state")
		kvStore = kvmem.New()
		bus = busmem.New()
		planCkpt = ckptmem.New[plan.State](0)
		cgCkpt = ckptmem.New[codegen.State](0)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Printf("close bus: %v", err)
		}
	}()

	stateCache, err := cache.New(cache.Options{Store: kvStore, KeyPrefix: cachePrefix, Logger: logger})
	if err != nil {
		return fmt.Errorf("state cache: %w", err)
	}

	// Graph store: MongoDB when configured, in-process otherwise.
	var (
		graphStore graph.Store
		pingers    []health.Pinger
	)
	if mongoURL := os.Getenv("MONGO_URL"); mongoURL != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(ctx); err != nil {
				log.Printf("disconnect mongo: %v", err)
			}
		}()
		store, err := storemongo.New(storemongo.Options{
			Client:   client,
			Database: envOr("MONGO_DATABASE", "kubegram"),
		})
		if err != nil {
			return fmt.Errorf("mongo graph store: %w", err)
		}
		graphStore = store
		pingers = append(pingers, store)
	} else {
		log.Print("MONGO_URL not set, using in-process graph store")
		graphStore = storemem.New()
	}

	modelClient, err := buildModelClient(ctx, rdb, haMode)
	if err != nil {
		return err
	}

	// RAG retrieval, with embeddings when OpenAI credentials are available.
	var retriever *rag.Retriever
	{
		var embedder rag.EmbeddingsClient
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			embedder, err = rag.NewOpenAIEmbedderFromAPIKey(key, envOr("EMBEDDINGS_MODEL", "text-embedding-3-small"))
			if err != nil {
				return fmt.Errorf("openai embedder: %w", err)
			}
		}
		retriever, err = rag.New(rag.Options{Store: graphStore, Embedder: embedder})
		if err != nil {
			return fmt.Errorf("rag retriever: %w", err)
		}
	}

	planSvc, err := plan.New(plan.Options{
		Model:        modelClient,
		Checkpointer: planCkpt,
		Bus:          bus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("plan service: %w", err)
	}
	cgWF, err := codegen.New(codegen.Options{
		Model:        modelClient,
		Store:        graphStore,
		Checkpointer: cgCkpt,
		Bus:          bus,
		Retriever:    retriever,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("codegen workflow: %w", err)
	}
	jobSvc, err := jobs.New(jobs.Options{
		Workflow:       cgWF,
		Cache:          stateCache,
		Bus:            bus,
		DefaultTimeout: jobTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("job service: %w", err)
	}

	tools, err := mcp.NewToolset(mcp.ToolsetOptions{
		Jobs:      jobSvc,
		Plan:      planSvc,
		Graphs:    graphStore,
		Retriever: retriever,
	})
	if err != nil {
		return fmt.Errorf("mcp toolset: %w", err)
	}
	processor, err := mcp.NewProcessor(mcp.ProcessorOptions{
		Tools:      tools,
		Registry:   mcp.NewRegistry(),
		ServerInfo: mcp.ServerInfo{Name: "kubegram", Version: "1.0.0"},
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("mcp processor: %w", err)
	}
	mcpServer, err := mcp.NewServer(mcp.ServerOptions{Processor: processor, Path: mcpPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(mcpServer.Path(), mcpServer)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))

	log.Printf("starting kubegram on %s (mcp=%s)", addr, mcpServer.Path())
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// buildModelClient constructs the configured provider adapter wrapped with
// the adaptive rate limiter. In HA mode the tokens-per-minute budget is
// shared across nodes through a Pulse replicated map on Redis.
func buildModelClient(ctx context.Context, rdb *redis.Client, haMode bool) (model.Client, error) {
	provider := envOr("MODEL_PROVIDER", "anthropic")
	tpm := float64(envIntOr("MODEL_TPM", 60000))

	var (
		client model.Client
		err    error
	)
	switch provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for provider %q", provider)
		}
		client, err = anthropic.NewFromAPIKey(key, envOr("MODEL_ID", "claude-sonnet-4-20250514"))
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for provider %q", provider)
		}
		client, err = openai.NewFromAPIKey(key, envOr("MODEL_ID", "gpt-4o"))
	case "bedrock":
		cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
		if cfgErr != nil {
			return nil, fmt.Errorf("load aws config: %w", cfgErr)
		}
		client, err = bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(cfg),
			DefaultModel: envOr("MODEL_ID", "anthropic.claude-sonnet-4-20250514-v1:0"),
		})
	default:
		return nil, fmt.Errorf("unknown MODEL_PROVIDER %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s client: %w", provider, err)
	}

	var budget *rmap.Map
	if haMode && rdb != nil {
		budget, err = rmap.Join(ctx, "model-budget", rdb)
		if err != nil {
			return nil, fmt.Errorf("join model budget map: %w", err)
		}
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, provider, tpm, tpm)
	return limiter.Middleware()(client), nil
}

// envOr returns the environment variable value or a default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr returns the environment variable parsed as an int or a default.
func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// envDurationOr returns the environment variable parsed as a duration or a
// default.
func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
