package http

import (
	"net/http"

	"github.com/merkledb/merkledb/internal/table"
	"github.com/merkledb/merkledb/pkg/types"
)

// BulkRequest carries the rows of POST /v1/tables/{table}/bulk.
type BulkRequest struct {
	Rows []types.Row `json:"rows"`
}

// UpsertRequest carries the matcher and patch of POST /v1/tables/{table}/upsert.
type UpsertRequest struct {
	Match table.Matcher `json:"match"`
	Patch types.Row     `json:"patch"`
}

// RowResponse wraps a single stored row.
type RowResponse struct {
	Row       types.Row `json:"row"`
	RequestID string    `json:"request_id"`
}

// insert handles POST /v1/tables/{table}/rows. The body is the row object.
func (h *Handler) insert(w http.ResponseWriter, r *http.Request, t *table.Table) {
	var row types.Row
	if !decodeJSON(w, r, &row) {
		return
	}
	stored, err := t.Insert(r.Context(), row)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RowResponse{Row: stored, RequestID: GetRequestID(r.Context())})
}

// bulkInsert handles POST /v1/tables/{table}/bulk. Row failures are reported
// in the body with status 200; only call-level failures change the status.
func (h *Handler) bulkInsert(w http.ResponseWriter, r *http.Request, t *table.Table) {
	var req BulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows must not be empty", "", GetRequestID(r.Context()))
		return
	}
	res, err := t.BulkInsert(r.Context(), req.Rows)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// upsert handles POST /v1/tables/{table}/upsert.
func (h *Handler) upsert(w http.ResponseWriter, r *http.Request, t *table.Table) {
	var req UpsertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Match.ID == 0 && req.Match.Index == "" {
		writeError(w, http.StatusBadRequest, "match needs an id or an index", "", GetRequestID(r.Context()))
		return
	}
	for i, v := range req.Match.Key {
		nv, err := types.Normalize(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "", GetRequestID(r.Context()))
			return
		}
		req.Match.Key[i] = nv
	}
	stored, err := t.Upsert(r.Context(), req.Match, req.Patch)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RowResponse{Row: stored, RequestID: GetRequestID(r.Context())})
}

// flush handles POST /v1/tables/{table}/flush.
func (h *Handler) flush(w http.ResponseWriter, r *http.Request, t *table.Table) {
	head, err := t.Flush(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"head": head.String()})
}
