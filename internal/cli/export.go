package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memory nodes as JSON",
		Long:  "Export memory nodes, counters included, as a JSON array. Filter by user with -u.",
		Run:   runExport,
	}

	cmd.Flags().StringP("user", "u", "", "Filter by user")
	cmd.Flags().Bool("include-expired", true, "Include expired nodes")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	includeExpired, _ := cmd.Flags().GetBool("include-expired")

	e := openEnv(cmd)
	defer e.Close()

	nodes, err := e.store.ExportNodes(cmd.Context(), user, includeExpired)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(nodes)
}
