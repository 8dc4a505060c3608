package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/compress"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/orchestrator"
	"github.com/rcliao/agent-turns/internal/reasoning"
	"github.com/rcliao/agent-turns/internal/tools"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Process one request turn",
		Long: "Run a request through intake, context, planning, execution, response and validation. " +
			"Without a configured reasoning provider the turn runs offline from cached memory.",
		Run: runRun,
	}

	cmd.Flags().StringP("user", "u", "default", "User id")
	cmd.Flags().StringP("mode", "m", "", "Request mode hint")

	RootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	mode, _ := cmd.Flags().GetString("mode")

	query, err := argOrStdin(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(query) == "" {
		exitErr("run", fmt.Errorf("query is required (positional arg or stdin)"))
	}

	e := openEnv(cmd)
	defer e.Close()
	ctx := cmd.Context()

	backend, err := reasoning.FromConfig(ctx, e.cfg.Reasoning)
	if err != nil {
		exitErr("reasoning backend", err)
	}
	if backend == nil {
		e.logger.Info("no reasoning provider configured, running offline")
		backend = reasoning.NewScriptedBackend(nil, orchestrator.OfflineResponder())
	}

	cs := compress.New(e.logger)
	reg := tools.NewRegistry()
	reg.Register("memory", tools.NewMemoryTool(e.index, 0))

	ctrl, err := orchestrator.New(orchestrator.Deps{
		Config:   e.cfg,
		Store:    e.store,
		Index:    e.index,
		Invoker:  reasoning.NewInvoker(backend, cs, reasoning.OptionsFromConfig(e.cfg), e.logger),
		Tools:    reg,
		Compress: cs,
		Logger:   e.logger,
	})
	if err != nil {
		exitErr("orchestrator", err)
	}

	res, runErr := ctrl.Run(ctx, model.TurnRequest{UserID: user, Query: strings.TrimSpace(query), Mode: mode})
	if res != nil {
		if textFormat() {
			fmt.Printf("[%s] %s\n", res.Status, res.FinalAnswer)
			if res.Intervention != nil {
				fmt.Printf("intervention %s at %s: %s\n", res.Intervention.ID, res.Intervention.Stage, res.Intervention.Reason)
			}
		} else {
			printJSON(res)
		}
	}
	if runErr != nil {
		e.logger.Error("turn stopped", zap.Error(runErr))
		e.Close()
		exitErr("run", runErr)
	}
}
