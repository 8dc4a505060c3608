package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "doc [turn-id]",
		Short: "Show a persisted turn document",
		Long:  "Show one turn document, or list recent turns when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runDoc,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max turns when listing")

	RootCmd.AddCommand(cmd)
}

func runDoc(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	e := openEnv(cmd)
	defer e.Close()

	if len(args) == 0 {
		docs, err := e.store.ListDocuments(cmd.Context(), limit)
		if err != nil {
			exitErr("list documents", err)
		}
		if textFormat() {
			for _, d := range docs {
				fmt.Printf("%s  %-13s %s\n", d.ID, d.Status, oneLine(d.Query))
			}
			return
		}
		printJSON(docs)
		return
	}

	rec, err := e.store.ReadDocument(cmd.Context(), args[0])
	if err != nil {
		exitErr("read document", err)
	}
	if textFormat() {
		fmt.Println(rec.Content)
		return
	}
	printJSON(rec)
}
