package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memory ranked by relevance, confidence and scope",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("user", "u", "", "Filter by user (global nodes always match)")
	cmd.Flags().StringP("topic", "t", "", "Topic prefix, e.g. pet.hamster")
	cmd.Flags().StringP("source", "s", "", "Comma-separated source types")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("include-expired", false, "Include expired nodes")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	topic, _ := cmd.Flags().GetString("topic")
	source, _ := cmd.Flags().GetString("source")
	limit, _ := cmd.Flags().GetInt("limit")
	includeExpired, _ := cmd.Flags().GetBool("include-expired")
	query := strings.Join(args, " ")

	e := openEnv(cmd)
	defer e.Close()

	results, err := e.index.Search(cmd.Context(), memindex.Query{
		UserID:         user,
		Text:           query,
		TopicPrefix:    topic,
		SourceTypes:    sourceTypes(source),
		IncludeExpired: includeExpired,
		Limit:          limit,
	})
	if err != nil {
		exitErr("search", err)
	}

	if textFormat() {
		for _, r := range results {
			fmt.Printf("%.3f  %s  [%s] %s\n", r.Score, r.Node.ID, r.Node.Topic, oneLine(r.Node.Content))
		}
		return
	}
	if len(results) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(results)
}

func sourceTypes(s string) []model.SourceType {
	var out []model.SourceType
	for _, v := range splitList(s) {
		out = append(out, model.SourceType(v))
	}
	return out
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
