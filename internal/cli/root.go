// Package cli implements the agent-turns CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/config"
	"github.com/rcliao/agent-turns/internal/decay"
	"github.com/rcliao/agent-turns/internal/embedding"
	"github.com/rcliao/agent-turns/internal/logging"
	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/store"
)

var (
	configPath string
	dbPath     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-turns",
	Short: "Turn orchestration over a confidence-weighted memory",
	Long: "Runs request turns through a validated stage pipeline and keeps what they learn " +
		"in a SQLite-backed memory whose confidence decays over time.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $AGENT_TURNS_CONFIG or ~/.agent-turns/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (overrides config and $AGENT_TURNS_DB)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("AGENT_TURNS_CONFIG"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-turns", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.DatabasePath = dbPath
	}
	return cfg, nil
}

// env is what most commands need: config, logger, store and index.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.SQLiteStore
	index  *memindex.Index
}

func openEnv(cmd *cobra.Command) *env {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		exitErr("logger", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.DatabasePath), 0o755); err != nil {
		exitErr("create data dir", err)
	}
	s, err := store.NewSQLiteStore(cfg.Store.DatabasePath, logger)
	if err != nil {
		exitErr("open store", err)
	}

	opts := []memindex.Option{memindex.WithLogger(logger)}
	emb, err := embedding.FromConfig(cmd.Context(), cfg.Embedding)
	if err != nil {
		logger.Warn("embeddings disabled", zap.Error(err))
	} else if emb != nil {
		opts = append(opts, memindex.WithEmbedder(emb))
	}
	ix := memindex.New(s, decay.FromConfig(cfg), memindex.OptionsFromConfig(cfg), opts...)
	return &env{cfg: cfg, logger: logger, store: s, index: ix}
}

func (e *env) Close() {
	e.store.Close()
	_ = e.logger.Sync()
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func textFormat() bool { return formatFlag == "text" }

// argOrStdin joins args, or reads piped stdin when there are none.
func argOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
