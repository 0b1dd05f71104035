package history

import (
	"fmt"
	"os"

	"vidcombo-downloader/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// indexedRecord is the slice of a DownloadRecord worth searching on.
type indexedRecord struct {
	Title       string `json:"title"`
	ChannelName string `json:"channelName"`
	Quality     string `json:"quality"`
	FormatType  string `json:"formatType"`
}

// OpenOrCreateIndex opens the bleve search index at path, creating it on
// first use.
func OpenOrCreateIndex(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil, fmt.Errorf("opening search index at %s: %w", path, err)
	}

	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("creating search index at %s: %w", path, err)
	}
	log.Debugf("Created search index at %s", path)
	return idx, nil
}

// IndexRecord adds a history record to the search index. Index failures are
// non-fatal for a download; callers log and move on.
func IndexRecord(idx bleve.Index, rec models.DownloadRecord) error {
	if idx == nil {
		return nil
	}
	doc := indexedRecord{
		Title:       rec.Title,
		ChannelName: rec.ChannelName,
		Quality:     rec.Quality,
		FormatType:  string(rec.FormatType),
	}
	if err := idx.Index(rec.ID, doc); err != nil {
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}
	return nil
}

// Search runs a query-string search over the index and returns matching
// record ids in score order.
func Search(idx bleve.Index, query string) ([]string, error) {
	if idx == nil {
		return nil, fmt.Errorf("search index not available")
	}
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = 50

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching history index: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
