package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memory nodes, most recently verified first",
		Run:   runList,
	}

	cmd.Flags().StringP("user", "u", "", "Filter by user")
	cmd.Flags().StringP("topic", "t", "", "Topic prefix")
	cmd.Flags().StringP("source", "s", "", "Comma-separated source types")
	cmd.Flags().String("scope", "", "Comma-separated scopes: new, user, global")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("include-expired", false, "Include expired nodes")
	cmd.Flags().Bool("ids-only", false, "Only output id and topic")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	topic, _ := cmd.Flags().GetString("topic")
	source, _ := cmd.Flags().GetString("source")
	scope, _ := cmd.Flags().GetString("scope")
	limit, _ := cmd.Flags().GetInt("limit")
	includeExpired, _ := cmd.Flags().GetBool("include-expired")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	var scopes []model.Scope
	for _, s := range splitList(scope) {
		scopes = append(scopes, model.Scope(s))
	}

	e := openEnv(cmd)
	defer e.Close()

	nodes, err := e.store.SearchIndex(cmd.Context(), store.NodeQuery{
		UserID:         user,
		TopicPrefix:    topic,
		SourceTypes:    sourceTypes(source),
		Scopes:         scopes,
		IncludeExpired: includeExpired,
		Limit:          limit,
	})
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly || textFormat() {
		for _, n := range nodes {
			fmt.Printf("%s\t%s\n", n.ID, n.Topic)
		}
		return
	}
	printJSON(nodes)
}
