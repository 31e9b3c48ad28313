// Package chapter decodes MangaDex chapter records and picks one representative per chapter
// number when several scanlations of the same chapter exist.
package chapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/mangadex-client/pkg/pagination"
)

// Relationship types carried by a chapter.
const (
	RelationshipGroup    = "scanlation_group"
	RelationshipManga    = "manga"
	RelationshipUploader = "user"
)

// Chapter is one uploaded chapter.
type Chapter struct {
	ID string

	// Number is nil for oneshots and other chapters without a number.
	Number *string
	Volume *string

	Title     string
	Language  string
	Pages     int
	CreatedAt time.Time
	PublishAt time.Time

	MangaID  string
	Groups   []string
	Uploader string
}

// HasNumber reports whether the chapter carries a chapter number.
func (c Chapter) HasNumber() bool {
	return c.Number != nil
}

// NumberString returns the chapter number, or "" for numberless chapters.
func (c Chapter) NumberString() string {
	if c.Number == nil {
		return ""
	}
	return *c.Number
}

type attributes struct {
	Volume             *string   `json:"volume"`
	Chapter            *string   `json:"chapter"`
	Title              *string   `json:"title"`
	TranslatedLanguage string    `json:"translatedLanguage"`
	Pages              int       `json:"pages"`
	CreatedAt          time.Time `json:"createdAt"`
	PublishAt          time.Time `json:"publishAt"`
}

type relationship struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type resource struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Attributes    attributes     `json:"attributes"`
	Relationships []relationship `json:"relationships"`
}

type collection struct {
	Result string     `json:"result"`
	Data   []resource `json:"data"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	Total  int        `json:"total"`
}

type entity struct {
	Result string   `json:"result"`
	Data   resource `json:"data"`
}

// DecodePage decodes a chapter collection envelope. It has the pagination.Decoder signature.
func DecodePage(data []byte) (pagination.Page[Chapter], error) {
	var env collection
	if err := json.Unmarshal(data, &env); err != nil {
		return pagination.Page[Chapter]{}, fmt.Errorf("decode chapter list: %w", err)
	}
	if env.Result != "" && env.Result != "ok" {
		return pagination.Page[Chapter]{}, fmt.Errorf("decode chapter list: result %q", env.Result)
	}

	chapters := make([]Chapter, 0, len(env.Data))
	for _, res := range env.Data {
		ch, err := fromResource(res)
		if err != nil {
			return pagination.Page[Chapter]{}, err
		}
		chapters = append(chapters, ch)
	}
	return pagination.Page[Chapter]{Results: chapters, Total: env.Total}, nil
}

// Decode decodes a single chapter entity envelope.
func Decode(data []byte) (Chapter, error) {
	var env entity
	if err := json.Unmarshal(data, &env); err != nil {
		return Chapter{}, fmt.Errorf("decode chapter: %w", err)
	}
	if env.Result != "" && env.Result != "ok" {
		return Chapter{}, fmt.Errorf("decode chapter: result %q", env.Result)
	}
	return fromResource(env.Data)
}

// ID returns the id of a chapter, for pagination.BatchFetcher.
func ID(c Chapter) string {
	return c.ID
}

func fromResource(res resource) (Chapter, error) {
	if res.Type != "" && res.Type != "chapter" {
		return Chapter{}, fmt.Errorf("decode chapter %s: unexpected type %q", res.ID, res.Type)
	}
	if res.ID == "" {
		return Chapter{}, fmt.Errorf("decode chapter: missing id")
	}

	ch := Chapter{
		ID:        res.ID,
		Number:    nonEmpty(res.Attributes.Chapter),
		Volume:    nonEmpty(res.Attributes.Volume),
		Language:  res.Attributes.TranslatedLanguage,
		Pages:     res.Attributes.Pages,
		CreatedAt: res.Attributes.CreatedAt,
		PublishAt: res.Attributes.PublishAt,
	}
	if res.Attributes.Title != nil {
		ch.Title = *res.Attributes.Title
	}

	// The API occasionally repeats a relationship.
	seen := make(map[relationship]bool, len(res.Relationships))
	for _, rel := range res.Relationships {
		if seen[rel] {
			continue
		}
		seen[rel] = true

		switch rel.Type {
		case RelationshipGroup:
			ch.Groups = append(ch.Groups, rel.ID)
		case RelationshipManga:
			ch.MangaID = rel.ID
		case RelationshipUploader:
			ch.Uploader = rel.ID
		}
	}
	return ch, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
