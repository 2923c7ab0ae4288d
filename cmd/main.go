package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dbconsole-agent/handler"
	"dbconsole-agent/internal/config"
	"dbconsole-agent/internal/conversation"
	"dbconsole-agent/internal/integrations/openai"
	"dbconsole-agent/internal/integrations/paramstore"
	"dbconsole-agent/internal/query"
	"dbconsole-agent/internal/repository"
	"dbconsole-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateLambda(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	var modelOpts []openai.Option
	modelOpts = append(modelOpts, openai.WithMaxTokens(cfg.ModelMaxTokens))
	if cfg.OpenAIBaseURL != "" {
		modelOpts = append(modelOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, modelOpts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Static tables ----
	workflows, err := conversation.DefaultRegistry()
	if err != nil {
		slog.Error("failed to load workflows", "err", err)
		os.Exit(1)
	}
	catalog, err := query.DefaultCatalog()
	if err != nil {
		slog.Error("failed to load dataset catalog", "err", err)
		os.Exit(1)
	}
	executor, err := query.NewExecutor(catalog, query.NewSynthesizer())
	if err != nil {
		slog.Error("failed to create query executor", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(ssmClient, openaiClient, store, workflows, usecase.ChatConfig{
		ParamPrefix:      cfg.ParamPrefix,
		MaxContextItems:  cfg.MaxContextItems,
		MaxMessageLength: cfg.MaxMessageLength,
		DefaultWorkflow:  cfg.DefaultWorkflow,
		Logger:           logger,
	})
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	queryService, err := usecase.NewQueryService(executor, catalog)
	if err != nil {
		slog.Error("failed to create query service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, queryService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.WithLogger(logger).Handle)
}
