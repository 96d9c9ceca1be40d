// Command server runs the Agent Run Engine's HTTP/SSE surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentrun/engine/features/model/anthropic"
	"github.com/agentrun/engine/features/model/bedrock"
	"github.com/agentrun/engine/features/model/gateway"
	"github.com/agentrun/engine/features/model/middleware"
	"github.com/agentrun/engine/features/model/openai"
	policybasic "github.com/agentrun/engine/features/policy/basic"
	threadmongo "github.com/agentrun/engine/features/thread/mongo"
	"github.com/agentrun/engine/runtime/agent/contextmanager"
	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/hooks"
	"github.com/agentrun/engine/runtime/agent/httpapi"
	"github.com/agentrun/engine/runtime/agent/llmgateway"
	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/pubsub"
	"github.com/agentrun/engine/runtime/agent/responseprocessor"
	"github.com/agentrun/engine/runtime/agent/supervisor"
	"github.com/agentrun/engine/runtime/agent/telemetry"
	"github.com/agentrun/engine/runtime/agent/thread"
	"github.com/agentrun/engine/runtime/agent/threadmanager"
	"github.com/agentrun/engine/runtime/agent/toolregistry"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("agentrun")
	v.AutomaticEnv()
	v.SetDefault("addr", ":8080")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "agentrun")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("instance", "instance-1")
	v.SetDefault("anthropic_default_model", "claude-sonnet-4-5")
	v.SetDefault("openai_default_model", "gpt-4o")
	v.SetDefault("bedrock_default_model", "anthropic.claude-3-5-sonnet-20241022-v2:0")
	v.SetDefault("bedrock_region", "us-east-1")
	v.SetDefault("rate_limit_tpm", 60000.0)
	v.SetDefault("rate_limit_max_tpm", 240000.0)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the Agent Run Engine HTTP/SSE server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("instance", "", "this process's instance id, used for active-run keys")
	_ = v.BindPFlags(cmd.Flags())

	return cmd
}

// buildGateway registers a provider adapter per credential present in the
// environment, each wrapped in the adaptive rate limiter, and falls back to
// whichever adapter registered first. At least one provider must be
// configured.
func buildGateway(ctx context.Context, v *viper.Viper) (*llmgateway.Gateway, error) {
	gw := llmgateway.New()
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", v.GetFloat64("rate_limit_tpm"), v.GetFloat64("rate_limit_max_tpm"))
	wrap := limiter.Middleware()

	registered := false

	if key := v.GetString("anthropic_api_key"); key != "" {
		c, err := anthropic.NewFromAPIKey(key, v.GetString("anthropic_default_model"))
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		client := wrap(c)
		gw.RegisterClass(model.ModelClassDefault, client)
		if high := v.GetString("anthropic_high_model"); high != "" {
			gw.RegisterModel(high, client)
		}
		gw.SetFallback(client)
		registered = true
	}

	if key := v.GetString("openai_api_key"); key != "" {
		c, err := openai.NewFromAPIKey(key, v.GetString("openai_default_model"))
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		client := wrap(openai.Adapter(c))
		gw.RegisterClass(model.ModelClassSmall, client)
		if !registered {
			gw.SetFallback(client)
		}
		registered = true
	}

	if v.GetBool("bedrock_enabled") {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(v.GetString("bedrock_region")))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(awsCfg)
		c, err := bedrock.New(rt, bedrock.Options{DefaultModel: v.GetString("bedrock_default_model")}, nil)
		if err != nil {
			return nil, fmt.Errorf("bedrock client: %w", err)
		}
		client := wrap(c)
		gw.RegisterClass(model.ModelClassHighReasoning, client)
		if !registered {
			gw.SetFallback(client)
		}
		registered = true
	}

	if !registered {
		return nil, fmt.Errorf("no LLM provider configured: set one of AGENTRUN_ANTHROPIC_API_KEY, AGENTRUN_OPENAI_API_KEY, or AGENTRUN_BEDROCK_ENABLED")
	}
	return gw, nil
}

func run(ctx context.Context, v *viper.Viper) error {
	logger := telemetry.NewClueLogger()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(v.GetString("mongo_uri")))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	store, err := threadmongo.NewStoreFromMongo(threadmongo.Options{
		Client:   mongoClient,
		Database: v.GetString("mongo_database"),
	})
	if err != nil {
		return fmt.Errorf("build thread store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: v.GetString("redis_addr")})
	defer rdb.Close()
	ps := pubsub.New(rdb)

	gw, err := buildGateway(ctx, v)
	if err != nil {
		return err
	}
	srv, err := gateway.NewServer(gateway.WithProvider(gw), gateway.WithUnary(loggingUnary(logger)))
	if err != nil {
		return fmt.Errorf("build model gateway server: %w", err)
	}

	registry := toolregistry.New()

	proc := responseprocessor.New(registry, logger)
	ctxMgr := contextmanager.New(8000, contextmanager.ApproxTokenCounter{}, noopSummarizer{})
	tm := threadmanager.New(store, registry, proc, ctxMgr, srv.AsClient(), logger)
	policyEngine, err := policybasic.New(policybasic.Options{
		BlockTools: v.GetStringSlice("blocked_tools"),
		Label:      "default",
	})
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}
	tm.Policy = policyEngine

	instance := v.GetString("instance")
	sup := supervisor.New(instance, store, tm, ps, logger)
	sup.Hooks = hooks.NewBus()
	if _, err := sup.Hooks.Register(hooks.SubscriberFunc(eventLoggingHook(logger))); err != nil {
		return fmt.Errorf("register event logging hook: %w", err)
	}
	if err := sup.Restore(ctx); err != nil {
		logger.Warn(ctx, "restore failed", "error", err)
	}

	server := &httpapi.Server{
		Supervisor: sup,
		Runs:       store,
		Auth:       allowAllAuth{},
		Billing:    allowAllBilling{},
		Logger:     logger,
		ParamsFactory: func(ctx context.Context, threadID string, body httpapi.StartRequest) (supervisor.RunParams, error) {
			return supervisor.RunParams{
				ThreadID: threadID,
				Stream:   body.Stream,
				LLMModel: body.Model,
				ProcessorConfig: responseprocessor.Config{
					ExecuteTools:          true,
					NativeToolCalling:     true,
					XMLToolCalling:        true,
					ExecuteOnStream:       true,
					ToolExecutionStrategy: responseprocessor.StrategySequential,
					XMLAddingStrategy:     responseprocessor.XMLAddingAssistantMessage,
				},
				ToolChoice:             threadmanager.ToolChoiceAuto,
				NativeMaxAutoContinues: 5,
				IncludeXMLExamples:     true,
				EnableContextManager:   true,
			}, nil
		},
	}

	httpServer := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(r *http.Request) (string, error) { return "anonymous", nil }
func (allowAllAuth) VerifyThreadAccess(context.Context, string, string) (bool, error) {
	return true, nil
}

type allowAllBilling struct{}

func (allowAllBilling) CheckBillingStatus(context.Context, string) (bool, string, error) {
	return true, "", nil
}

// loggingUnary logs the model and input/output token counts of every
// completion that passes through the gateway server.
func loggingUnary(logger telemetry.Logger) gateway.UnaryMiddleware {
	return func(next gateway.UnaryHandler) gateway.UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				logger.Warn(ctx, "model completion failed", "model", req.Model, "error", err)
				return nil, err
			}
			logger.Info(ctx, "model completion",
				"model", req.Model,
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens,
			)
			return resp, nil
		}
	}
}

// eventLoggingHook logs every event a Run Task produces, in order, before
// it reaches the buffer or pub/sub — the per-run-event counterpart to
// loggingUnary's per-LLM-call logging.
func eventLoggingHook(logger telemetry.Logger) func(ctx context.Context, event hooks.Event) error {
	return func(ctx context.Context, event hooks.Event) error {
		ev, ok := event.(events.Event)
		if !ok {
			return nil
		}
		switch e := ev.(type) {
		case events.ToolStarted:
			logger.Debug(ctx, "run event", "kind", e.Kind(), "tool", e.Name)
		case events.ToolResult:
			logger.Debug(ctx, "run event", "kind", e.Kind(), "tool", e.Name)
		case events.Error:
			logger.Warn(ctx, "run event", "kind", e.Kind(), "message", e.Message)
		default:
			logger.Debug(ctx, "run event", "kind", e.Kind())
		}
		return nil
	}
}

// noopSummarizer is a placeholder Summarizer: it declines to compress
// history, so CheckAndSummarizeIfNeeded degrades to doing nothing until a
// real provider-backed summarizer is registered alongside the LLM gateway's
// adapters.
type noopSummarizer struct{}

func (noopSummarizer) Summarize(ctx context.Context, systemPrompt *model.Message, history []thread.Message, modelName string) (string, error) {
	return "", nil
}
