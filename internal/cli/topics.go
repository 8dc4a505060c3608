package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	topicsCmd := &cobra.Command{
		Use:   "topics",
		Short: "Topic management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics with live node counts",
		Run:   runTopicsList,
	}
	listCmd.Flags().StringP("user", "u", "", "Filter by user")

	topicsCmd.AddCommand(listCmd)
	RootCmd.AddCommand(topicsCmd)
}

func runTopicsList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")

	e := openEnv(cmd)
	defer e.Close()

	rows, err := e.store.Topics(cmd.Context(), user)
	if err != nil {
		exitErr("list topics", err)
	}
	if textFormat() {
		for _, r := range rows {
			fmt.Printf("%5d  %s\n", r.Count, r.Topic)
		}
		return
	}
	printJSON(rows)
}
