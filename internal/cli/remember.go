package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-turns/internal/memindex"
	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a preference or fact",
		Long: "Store a memory node. Content can be a positional arg or piped via stdin. " +
			"An older node on the same topic and source is expired unless it clearly outranks the new one.",
		Run: runRemember,
	}

	cmd.Flags().StringP("user", "u", "", "User id (empty for a shared node)")
	cmd.Flags().StringP("topic", "t", "", "Topic, e.g. user.preference.bedding (required)")
	cmd.Flags().StringP("source", "s", string(model.SourcePreference), "Source type: preference, fact, cached_research, cached_page_visit, prior_turn_summary")
	cmd.Flags().String("content-type", "", "Decay class (default: guessed from content)")
	cmd.Flags().String("sources", "", "Comma-separated source URLs")
	cmd.Flags().String("ttl", "", "Time to live, e.g. 7d or 24h")
	cmd.Flags().Float64("confidence", 0.8, "Base confidence")
	cmd.Flags().Float64("quality", 0.8, "Quality score")

	cmd.MarkFlagRequired("topic")

	RootCmd.AddCommand(cmd)
}

func runRemember(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	topic, _ := cmd.Flags().GetString("topic")
	source, _ := cmd.Flags().GetString("source")
	contentType, _ := cmd.Flags().GetString("content-type")
	sources, _ := cmd.Flags().GetString("sources")
	ttl, _ := cmd.Flags().GetString("ttl")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	quality, _ := cmd.Flags().GetFloat64("quality")

	content, err := argOrStdin(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		exitErr("remember", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	if ttl != "" {
		if _, err := store.ParseTTL(ttl); err != nil {
			exitErr("remember", err)
		}
	}

	ct := model.ContentType(contentType)
	if ct == "" {
		ct = memindex.ContentTypeOf(content)
		if model.SourceType(source) == model.SourcePreference {
			ct = model.ContentPreference
		}
	}

	e := openEnv(cmd)
	defer e.Close()

	res, err := e.index.Add(cmd.Context(), store.PutParams{
		UserID:         user,
		Topic:          topic,
		SourceType:     model.SourceType(source),
		ContentType:    ct,
		Content:        content,
		Keywords:       memindex.Keywords(content),
		Sources:        splitList(sources),
		BaseConfidence: confidence,
		Quality:        quality,
		TTL:            ttl,
	})
	if err != nil {
		exitErr("remember", err)
	}
	printJSON(res)
}
