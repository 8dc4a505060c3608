package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Expire stale nodes and apply scope transitions",
		Long:  "Expire nodes whose TTL elapsed or whose confidence decayed below the retrieval floor, then promote or demote the rest.",
		Run:   runMaintain,
	}

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	e := openEnv(cmd)
	defer e.Close()

	rep, err := e.index.Maintain(cmd.Context(), time.Now())
	if err != nil {
		exitErr("maintain", err)
	}
	printJSON(rep)
}
