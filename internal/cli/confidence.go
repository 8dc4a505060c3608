package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "confidence [id]",
		Short: "Explain a node's decayed confidence and scope standing",
		Args:  cobra.ExactArgs(1),
		Run:   runConfidence,
	}

	cmd.Flags().Duration("at", 0, "Evaluate this far in the future, e.g. 72h")

	RootCmd.AddCommand(cmd)
}

type confidenceReport struct {
	ID             string            `json:"id"`
	ContentType    model.ContentType `json:"content_type"`
	DailyDecay     float64           `json:"daily_decay"`
	BaseConfidence float64           `json:"base_confidence"`
	Confidence     float64           `json:"confidence"`
	Trust          float64           `json:"trust"`
	Usage          int               `json:"usage"`
	AgeHours       float64           `json:"age_hours"`
	TTLElapsed     bool              `json:"ttl_elapsed"`
	Scope          model.Scope       `json:"scope"`
	NextScope      model.Scope       `json:"next_scope"`
}

func runConfidence(cmd *cobra.Command, args []string) {
	ahead, _ := cmd.Flags().GetDuration("at")

	e := openEnv(cmd)
	defer e.Close()

	n, err := e.store.GetNode(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	eng := e.index.Engine()
	now := time.Now().Add(ahead)
	tr := eng.EvaluateScope(n, now)
	rep := confidenceReport{
		ID:             n.ID,
		ContentType:    n.ContentType,
		DailyDecay:     eng.Profile().Rate(n.ContentType),
		BaseConfidence: n.BaseConfidence,
		Confidence:     eng.Confidence(n, now),
		Trust:          tr.Metrics.Trust,
		Usage:          tr.Metrics.Usage,
		AgeHours:       tr.Metrics.Age.Hours(),
		TTLElapsed:     n.TTLElapsed(now),
		Scope:          tr.From,
		NextScope:      tr.To,
	}

	if textFormat() {
		fmt.Printf("%s: %.3f (base %.2f, %.1f%%/day) trust %.3f scope %s -> %s\n",
			rep.ID, rep.Confidence, rep.BaseConfidence, rep.DailyDecay*100, rep.Trust, rep.Scope, rep.NextScope)
		return
	}
	printJSON(rep)
}
