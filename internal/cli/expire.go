package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "expire [id]",
		Short: "Soft-expire a memory node",
		Long:  "Mark a node expired so retrieval skips it. The row is kept for audit and export.",
		Args:  cobra.ExactArgs(1),
		Run:   runExpire,
	}

	cmd.Flags().StringP("reason", "r", "manual", "Expiry reason")

	RootCmd.AddCommand(cmd)
}

func runExpire(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	e := openEnv(cmd)
	defer e.Close()

	if err := e.store.MarkExpired(cmd.Context(), args[0], reason, time.Now()); err != nil {
		exitErr("expire", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q,"reason":%q}`+"\n", args[0], reason)
}
