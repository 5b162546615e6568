// Command chatcore wires Manager to a config file and a history directory
// and runs nothing more than that: it is a thin host process, not a UI
// (spec.md §1 Non-goals "no terminal/web UI in this module"). A real
// frontend subscribes to Manager's signals and drives session/send/cancel
// through it; this binary only proves the wiring compiles end to end and
// offers a minimal REPL for local testing, grounded on the teacher's
// cmd/root package shape (NewRootCmd + cobra subcommands) without any of
// its TUI/MCP/gateway machinery.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docker/docker-agent/pkg/agent"
	"github.com/docker/docker-agent/pkg/chat"
	"github.com/docker/docker-agent/pkg/config"
	"github.com/docker/docker-agent/pkg/manager"
	"github.com/docker/docker-agent/pkg/modelconnector/anthropicconn"
	"github.com/docker/docker-agent/pkg/modelconnector/openaiconn"
	"github.com/docker/docker-agent/pkg/permissions"
	"github.com/docker/docker-agent/pkg/session"
	"github.com/docker/docker-agent/pkg/sessiontitle"
	"github.com/docker/docker-agent/pkg/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("chatcore exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, historyDir string

	cmd := &cobra.Command{
		Use:   "chatcore",
		Short: "chatcore runs the conversational session core against a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, historyDir)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "chatcore.yaml", "path to the config file")
	cmd.Flags().StringVar(&historyDir, "history-dir", "./history", "directory session documents are written under")
	return cmd
}

func run(parent context.Context, configPath, historyDir string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := filepath.Join(historyDir, "sessions.db")
	store, err := session.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	fileIO := session.NewFileIO(historyDir)
	checker := permissions.NewChecker(cfg.PermissionsConfig())

	titleConnectors := connectorsForModel(cfg, cfg.TitleModelName())
	var titleGen *sessiontitle.Generator
	if len(titleConnectors) > 0 {
		titleGen = sessiontitle.New(titleConnectors[0], titleConnectors[1:]...)
	}

	mgr := manager.New(cfg, store, fileIO, checker, titleGen, tools.NewSet(tools.EchoTool{}, tools.ClockTool{}))

	for _, conn := range cfg.Connections() {
		connector, err := buildConnector(conn)
		if err != nil {
			slog.Warn("skipping connection, could not build connector", "id", conn.ID, "error", err)
			continue
		}
		mgr.RegisterConnector(conn.ID, connector)
	}

	mgr.RegisterAgentFactory(agent.NewFactory(cfg.DefaultAgentName(), "", mgr, mgr, checker))

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}

	return repl(ctx, mgr)
}

// connectorsForModel returns, in connection order, the connector each
// connection serving modelName would need, used only to pick a
// TitleGenerator backend (spec.md §4.9 "falls back across connectors").
func connectorsForModel(cfg *config.Config, modelName string) []chat.Connector {
	var out []chat.Connector
	for _, conn := range cfg.Connections() {
		if _, ok := conn.Models[modelName]; !ok {
			continue
		}
		connector, err := buildConnector(conn)
		if err != nil {
			continue
		}
		out = append(out, connector)
	}
	return out
}

func buildConnector(conn config.Connection) (chat.Connector, error) {
	models := make([]chat.ModelInfo, 0, len(conn.Models))
	for name, m := range conn.Models {
		models = append(models, chat.ModelInfo{Name: name, Thinking: m.Thinking})
	}

	switch conn.Kind {
	case "openai":
		return openaiconn.New(conn.ID, os.Getenv(conn.APIKeyEnv), conn.BaseURL, models), nil
	case "anthropic":
		return anthropicconn.New(conn.ID, os.Getenv(conn.APIKeyEnv), conn.BaseURL, models), nil
	default:
		return nil, fmt.Errorf("unknown connection kind %q for connection %q", conn.Kind, conn.ID)
	}
}

// repl is a minimal line-oriented driver over Manager, enough to exercise
// the wiring interactively. It is deliberately not a UI (spec.md §1
// Non-goals).
func repl(ctx context.Context, mgr *manager.Manager) error {
	mgr.OnStreamContent(func(_ *session.Session, text string) {
		fmt.Print(text)
	})
	mgr.OnStreamStart(func(*session.Session) {
		fmt.Print("\nassistant> ")
	})
	mgr.OnMessageAdded(func(s *session.Session, msg session.Message) {
		if msg.Role == session.RoleUI {
			fmt.Println()
		}
	})

	current := mgr.Current()
	if current == nil {
		current = mgr.CreateNewSession()
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("you> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			fmt.Print("you> ")
			continue
		}

		result, err := mgr.Send(ctx, current, session.Message{Role: session.RoleUser, Content: line})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			fmt.Print("you> ")
			continue
		}
		current = result
		fmt.Print("you> ")
	}
	return scanner.Err()
}
