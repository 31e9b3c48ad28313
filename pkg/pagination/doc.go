// Package pagination walks MangaDex offset/limit listings.
//
// MangaDex listing endpoints answer with an envelope carrying the page of results and the
// total number of matches. A Paginator fetches the first page, then launches every remaining
// page at once (bounded by Options.Concurrency) and hands items out strictly in offset order:
// a page that finishes early simply waits until the pages before it are drained.
//
// Example usage:
//
//	p := pagination.New(client, "/manga/"+mangaID+"/feed",
//		query.Params{"translatedLanguage": []string{"en"}},
//		chapter.DecodePage,
//		pagination.Options{Limit: 500})
//	defer p.Close()
//
//	for ch, err := range p.Seq(ctx) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(ch.Number)
//	}
//
// The paginator:
//   - Never yields more than Options.Limit items and never requests past it
//   - Never requests beyond Options.MaxItems (the server's offset+limit ceiling)
//   - Stops on a 204 No Content page
//   - Reports a failed prefetch only once the consumer reaches that page
//
// BatchFetcher resolves arbitrary id sets through the same listing endpoints, in concurrent
// batches of at most MaxBatchSize ids.
package pagination
