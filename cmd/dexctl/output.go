package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/mangadex-client/pkg/chapter"
)

type chapterView struct {
	ID        string    `json:"id"`
	Volume    string    `json:"volume,omitempty"`
	Chapter   string    `json:"chapter,omitempty"`
	Title     string    `json:"title,omitempty"`
	Language  string    `json:"language"`
	Pages     int       `json:"pages"`
	Groups    []string  `json:"groups,omitempty"`
	Uploader  string    `json:"uploader,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func chapterViews(chapters []chapter.Chapter) []chapterView {
	views := make([]chapterView, 0, len(chapters))
	for _, ch := range chapters {
		view := chapterView{
			ID:        ch.ID,
			Chapter:   ch.NumberString(),
			Title:     ch.Title,
			Language:  ch.Language,
			Pages:     ch.Pages,
			Groups:    ch.Groups,
			Uploader:  ch.Uploader,
			CreatedAt: ch.CreatedAt,
		}
		if ch.Volume != nil {
			view.Volume = *ch.Volume
		}
		views = append(views, view)
	}
	return views
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderChapters(chapters []chapter.Chapter) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Vol", "Ch", "Title", "Lang", "Pages", "Groups", "Created", "ID"})

	for _, view := range chapterViews(chapters) {
		number := view.Chapter
		if number == "" {
			number = "-"
		}
		tw.AppendRow(table.Row{
			view.Volume,
			number,
			view.Title,
			view.Language,
			strconv.Itoa(view.Pages),
			strings.Join(view.Groups, ","),
			view.CreatedAt.Format(time.DateOnly),
			view.ID,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
