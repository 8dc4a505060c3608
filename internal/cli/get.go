package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a memory node with its links",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	e := openEnv(cmd)
	defer e.Close()

	n, err := e.store.GetNode(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	links, err := e.store.Links(cmd.Context(), n.ID)
	if err != nil {
		exitErr("links", err)
	}

	printJSON(struct {
		*model.MemoryNode
		Confidence float64      `json:"confidence"`
		Links      []store.Link `json:"links,omitempty"`
	}{n, e.index.Engine().Confidence(n, time.Now()), links})
}
