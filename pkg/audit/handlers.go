package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/changegate/changegate/pkg/change"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// EntryList is the paged response shape for audit queries.
type EntryList struct {
	Items         []change.AuditEntry `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
	TotalSize     int                 `json:"totalSize"`
}

// Router serves the global audit query API over the change audit store.
func Router(store *change.AuditStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/", listHandler(store))
	return r
}

// listHandler lists audit entries across all changes, newest first, filtered
// by action and actor.
func listHandler(store *change.AuditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pageSize := parsePageSize(q.Get("pageSize"))

		records, nextToken, total, err := store.ListAll(r.Context(), q.Get("action"), q.Get("actor"), pageSize, q.Get("pageToken"))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "internal", "error": err.Error()})
			return
		}

		items := make([]change.AuditEntry, 0, len(records))
		for i := range records {
			items = append(items, records[i].ToAPI())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(EntryList{
			Items:         items,
			NextPageToken: nextToken,
			TotalSize:     total,
		})
	}
}

func parsePageSize(raw string) int {
	if raw == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
