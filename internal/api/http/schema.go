package http

import (
	"net/http"

	"github.com/merkledb/merkledb/internal/observability"
	"github.com/merkledb/merkledb/internal/table"
	"github.com/merkledb/merkledb/pkg/types"
)

// CreateTableRequest is the body of POST /v1/tables.
type CreateTableRequest struct {
	Name       string                `json:"name"`
	Definition types.TableDefinition `json:"definition"`
}

// TableInfo describes one table of the schema.
type TableInfo struct {
	Name       string                `json:"name"`
	Head       string                `json:"head"`
	Pending    int                   `json:"pending"`
	Sequence   int64                 `json:"sequence"`
	Definition types.TableDefinition `json:"definition"`
}

// SchemaInfo is the response of GET /v1/schema.
type SchemaInfo struct {
	Name      string      `json:"name"`
	Encrypted bool        `json:"encrypted"`
	Tables    []TableInfo `json:"tables"`
}

// StatsResponse reports how a table is queried.
type StatsResponse struct {
	Predicates []observability.FieldStats `json:"predicates"`
	OrderBy    []observability.FieldStats `json:"order_by"`
	Unindexed  []observability.FieldStats `json:"unindexed"`
}

const statsTopN = 20

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "", GetRequestID(r.Context()))
		return
	}
	t, err := h.schema.CreateTable(req.Name, req.Definition)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tableInfo(t))
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	root, err := h.schema.Save(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if h.opts.OnSave != nil {
		if err := h.opts.OnSave(r.Context(), root); err != nil {
			h.logger.WithError(err).WithField("cid", root.String()).Error("saved root was not recorded")
			fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": root.String()})
}

func (h *Handler) describe(w http.ResponseWriter, r *http.Request) {
	info := SchemaInfo{Name: h.schema.Name(), Encrypted: h.schema.Encrypted(), Tables: []TableInfo{}}
	for _, t := range h.schema.Tables() {
		info.Tables = append(info.Tables, tableInfo(t))
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, t *table.Table) {
	def := t.Definition()
	st := t.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Predicates: st.GetTopPredicates(statsTopN),
		OrderBy:    st.GetTopOrderBy(statsTopN),
		Unindexed: st.Unindexed(func(field string) bool {
			_, ok := def.IndexFor(field)
			return ok
		}),
	})
}

func tableInfo(t *table.Table) TableInfo {
	st := t.State()
	return TableInfo{
		Name:       t.ID(),
		Head:       st.Head.String(),
		Pending:    st.Current.Len(),
		Sequence:   st.Sequence,
		Definition: t.Definition(),
	}
}
