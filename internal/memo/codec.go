package memo

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
)

// storedRecord is the at-rest shape of a watch record, shared by the local
// cache and the remote memos collection. Dates are ISO-8601 text.
type storedRecord struct {
	ID      string `json:"id,omitempty"`
	OwnerID string `json:"ownerId,omitempty"`
	Title   string `json:"title"`
	Rating  *int   `json:"rating"`
	Note    string `json:"note"`
	Date    string `json:"date"`
}

func toStored(r domain.WatchRecord) storedRecord {
	return storedRecord{
		ID:     r.ID,
		Title:  r.Title,
		Rating: r.Clone().Rating,
		Note:   r.Note,
		Date:   domain.FormatDate(r.Date),
	}
}

func (s storedRecord) record(id string) (domain.WatchRecord, error) {
	date, err := domain.ParseDate(s.Date)
	if err != nil {
		return domain.WatchRecord{}, fmt.Errorf("record %s: bad date %q: %w", id, s.Date, err)
	}
	r := domain.WatchRecord{ID: id, Title: s.Title, Rating: s.Rating, Note: s.Note, Date: date}
	return r.Clone(), nil
}

// encodeCache serializes the collection for the local cache.
func encodeCache(records []domain.WatchRecord) ([]byte, error) {
	out := make([]storedRecord, 0, len(records))
	for _, r := range records {
		out = append(out, toStored(r))
	}
	return json.Marshal(out)
}

// decodeCache parses a local cache value. Entries that can't be parsed are
// dropped and logged; a value that isn't a list at all is an error.
func decodeCache(data []byte, logger *slog.Logger) ([]domain.WatchRecord, error) {
	var stored []storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode local cache: %w", err)
	}
	records := make([]domain.WatchRecord, 0, len(stored))
	for _, s := range stored {
		if s.ID == "" {
			logger.Warn("dropping cached record without id", "title", s.Title)
			continue
		}
		r, err := s.record(s.ID)
		if err != nil {
			logger.Warn("dropping undecodable cached record", "record_id", s.ID, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// remoteFields is the memos document for r owned by owner.
func remoteFields(r domain.WatchRecord, owner string) (docstore.Fields, error) {
	s := toStored(r)
	s.ID = ""
	s.OwnerID = owner
	return docstore.Encode(s)
}

// decodeRemote converts a pushed result set into records, skipping
// documents that don't decode.
func decodeRemote(docs []docstore.Document, logger *slog.Logger) []domain.WatchRecord {
	records := make([]domain.WatchRecord, 0, len(docs))
	for _, doc := range docs {
		var s storedRecord
		if err := doc.Decode(&s); err != nil {
			logger.Warn("skipping undecodable memo", "record_id", doc.ID, "error", err)
			continue
		}
		r, err := s.record(doc.ID)
		if err != nil {
			logger.Warn("skipping undecodable memo", "record_id", doc.ID, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records
}

func cloneRecords(records []domain.WatchRecord) []domain.WatchRecord {
	if records == nil {
		return nil
	}
	out := make([]domain.WatchRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
