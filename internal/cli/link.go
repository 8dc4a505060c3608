package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or remove relations between nodes",
		Run:   runLink,
	}

	cmd.Flags().String("from", "", "Source node id")
	cmd.Flags().String("to", "", "Target node id")
	cmd.Flags().StringP("rel", "r", store.RelRelatesTo, "Relation: supersedes, contradicts, refines, relates_to")
	cmd.Flags().Bool("rm", false, "Remove the link")

	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	rel, _ := cmd.Flags().GetString("rel")
	rm, _ := cmd.Flags().GetBool("rm")

	e := openEnv(cmd)
	defer e.Close()

	link, err := e.store.Link(cmd.Context(), store.LinkParams{
		FromID: from,
		ToID:   to,
		Rel:    rel,
		Remove: rm,
	})
	if err != nil {
		exitErr("link", err)
	}
	printJSON(link)
}
