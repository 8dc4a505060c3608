package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/memindex"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble the memory pack a turn would see",
		Long:  "Search and rank memory, then greedily pack it into a byte budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().StringP("user", "u", "", "Filter by user")
	cmd.Flags().StringP("topic", "t", "", "Topic prefix")
	cmd.Flags().IntP("budget", "b", 0, "Max bytes in output (default: retrieval.pack_budget)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	topic, _ := cmd.Flags().GetString("topic")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	e := openEnv(cmd)
	defer e.Close()
	if budget <= 0 {
		budget = e.cfg.Retrieval.PackBudget
	}

	results, err := e.index.Search(cmd.Context(), memindex.Query{
		UserID:      user,
		Text:        query,
		Keywords:    memindex.Keywords(query),
		TopicPrefix: topic,
	})
	if err != nil {
		exitErr("context", err)
	}
	pack := memindex.Pack(results, budget)

	if textFormat() {
		fmt.Println(pack.Render())
		return
	}
	printJSON(pack)
}
