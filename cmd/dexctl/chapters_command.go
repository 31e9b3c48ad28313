package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/mangadex-client/pkg/chapter"
	"github.com/Sternrassler/mangadex-client/pkg/client"
	"github.com/Sternrassler/mangadex-client/pkg/pagination"
	"github.com/Sternrassler/mangadex-client/pkg/query"
)

func newChaptersCommand(ctx *commandContext) *cobra.Command {
	var languages []string
	var strategies []string
	var groups []string
	var uploaders []string
	var limit int
	var keepAll bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "chapters <manga-id>",
		Short: "List a manga's chapters, one upload per chapter number",
		Long: `List the chapter feed of a manga. When several groups uploaded the same chapter
number, one upload is kept according to the --strategy rules (default: previous-group,
then creation-date-asc). Chapters without a number are always listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mangaID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid manga id %q: %w", args[0], err)
			}

			plan, err := buildPlan(strategies, groups, uploaders)
			if err != nil {
				return err
			}

			return ctx.withClient(cmd.Context(), func(mdClient *client.Client) error {
				params := query.Params{
					"order": map[string]string{"volume": "asc", "chapter": "asc"},
				}
				if len(languages) > 0 {
					params["translatedLanguage"] = languages
				}

				feed := pagination.New(mdClient, fmt.Sprintf("/manga/%s/feed", mangaID), params, chapter.DecodePage, pagination.Options{
					Limit:  limit,
					Logger: &ctx.logger,
				})
				defer feed.Close()

				records, err := feed.All(cmd.Context())
				if err != nil {
					return fmt.Errorf("fetch chapter feed: %w", err)
				}

				kept := records
				if !keepAll {
					if kept, err = chapter.Deduplicate(records, plan); err != nil {
						return err
					}
				}

				ctx.logger.Info().
					Str("manga", mangaID.String()).
					Int("fetched", len(records)).
					Int("kept", len(kept)).
					Msg("Chapter feed processed")

				if asJSON {
					return writeJSON(cmd, chapterViews(kept))
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderChapters(kept))
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&languages, "lang", "l", nil, "Translated languages to include (repeatable)")
	flags.StringSliceVarP(&strategies, "strategy", "s", nil, "Duplicate resolution strategies, applied in order (repeatable)")
	flags.StringSliceVar(&groups, "group", nil, "Preferred scanlation group ids for specific-group")
	flags.StringSliceVar(&uploaders, "uploader", nil, "Preferred uploader ids for specific-user")
	flags.IntVar(&limit, "limit", 0, "Stop after this many feed entries (0 = all)")
	flags.BoolVar(&keepAll, "all", false, "Keep every upload instead of one per chapter number")
	flags.BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

// buildPlan parses strategy names and validates the plan before any request is made.
func buildPlan(names, groups, uploaders []string) (chapter.Plan, error) {
	plan := chapter.Plan{Groups: groups, Uploaders: uploaders}
	for _, name := range names {
		s, err := chapter.ParseStrategy(name)
		if err != nil {
			return chapter.Plan{}, err
		}
		plan.Strategies = append(plan.Strategies, s)
	}
	if _, err := chapter.Deduplicate(nil, plan); err != nil {
		return chapter.Plan{}, err
	}
	return plan, nil
}

func newLookupCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "lookup <chapter-id>...",
		Short: "Fetch chapters by id, up to 100 per request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(mdClient *client.Client) error {
				cfg := pagination.DefaultBatchConfig()
				cfg.Logger = &ctx.logger
				fetcher := pagination.NewBatchFetcher(mdClient, chapter.DecodePage, chapter.ID, cfg)

				found, err := fetcher.FetchByIDs(cmd.Context(), "/chapter", args, nil)
				if err != nil {
					return err
				}

				var chapters []chapter.Chapter
				var missing []string
				seen := make(map[string]bool, len(args))
				for _, arg := range args {
					// FetchByIDs already rejected anything that is not a UUID.
					parsed, _ := uuid.Parse(arg)
					id := parsed.String()
					if seen[id] {
						continue
					}
					seen[id] = true

					if ch, ok := found[id]; ok {
						chapters = append(chapters, ch)
					} else {
						missing = append(missing, id)
					}
				}
				if len(missing) > 0 {
					ctx.logger.Warn().Strs("ids", missing).Msg("Chapters not found")
				}

				if asJSON {
					return writeJSON(cmd, chapterViews(chapters))
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderChapters(chapters))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
