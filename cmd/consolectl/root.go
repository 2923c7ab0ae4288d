package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"dbconsole-agent/handler"
	"dbconsole-agent/internal/config"
	"dbconsole-agent/internal/conversation"
	"dbconsole-agent/internal/integrations/openai"
	"dbconsole-agent/internal/integrations/paramstore"
	"dbconsole-agent/internal/query"
	"dbconsole-agent/internal/repository"
	"dbconsole-agent/internal/usecase"
)

const localParamPrefix = "/consolectl"

// app holds the lazily built dependencies shared by every subcommand.
type app struct {
	cfgFile string
	instant bool

	cfg   *config.Config
	log   *slog.Logger
	store *repository.SQLiteStore
	chat  *usecase.ChatService
	query *usecase.QueryService
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "consolectl",
		Short:         "Local driver for the database console agent",
		Long:          "consolectl runs canned queries, interprets model output and drives\nworkflow sessions against a local SQLite session store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./consolectl.yaml)")
	cmd.PersistentFlags().BoolVar(&a.instant, "instant", false, "skip the scripted typing delay")

	cmd.AddCommand(
		newQueryCmd(a),
		newInterpretCmd(),
		newWorkflowsCmd(),
		newSessionCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.ParamPrefix == "" {
		cfg.ParamPrefix = localParamPrefix
	}
	a.cfg = cfg
	a.log = cfg.Logger()
	return cfg, nil
}

func (a *app) queryService() (*usecase.QueryService, error) {
	if a.query != nil {
		return a.query, nil
	}
	catalog, err := query.DefaultCatalog()
	if err != nil {
		return nil, err
	}
	exec, err := query.NewExecutor(catalog, query.NewSynthesizer())
	if err != nil {
		return nil, err
	}
	svc, err := usecase.NewQueryService(exec, catalog)
	if err != nil {
		return nil, err
	}
	a.query = svc
	return svc, nil
}

// chatService wires the chat use case to SQLite and to a model reached with
// OPENAI_API_KEY. The model id comes from configuration instead of SSM.
func (a *app) chatService(ctx context.Context) (*usecase.ChatService, error) {
	if a.chat != nil {
		return a.chat, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := repository.OpenSQLite(ctx, cfg.SessionDB)
	if err != nil {
		return nil, err
	}
	a.store = store

	params := paramstore.Static{
		cfg.ParamPrefix + "/config/model":  cfg.OpenAIModel,
		cfg.ParamPrefix + "/pinned_prompt": "",
	}
	opts := []openai.Option{openai.WithMaxTokens(cfg.ModelMaxTokens), openai.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	model, err := openai.NewClient(params, cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, err
	}
	workflows, err := conversation.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	svc, err := usecase.NewChatService(params, model, store, workflows, usecase.ChatConfig{
		ParamPrefix:      cfg.ParamPrefix,
		MaxContextItems:  cfg.MaxContextItems,
		MaxMessageLength: cfg.MaxMessageLength,
		DefaultWorkflow:  cfg.DefaultWorkflow,
		Logger:           a.log,
		SkipTypingDelay:  a.instant,
	})
	if err != nil {
		return nil, err
	}
	a.chat = svc
	return svc, nil
}

func (a *app) handler(ctx context.Context) (*handler.Handler, error) {
	chat, err := a.chatService(ctx)
	if err != nil {
		return nil, err
	}
	q, err := a.queryService()
	if err != nil {
		return nil, err
	}
	h, err := handler.NewHandler(chat, q)
	if err != nil {
		return nil, err
	}
	return h.WithLogger(a.log), nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	a.chat = nil
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
