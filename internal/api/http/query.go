package http

import (
	"net/http"
	"strconv"

	"github.com/merkledb/merkledb/internal/table"
)

// OrderClause is one sort key of a query request.
type OrderClause struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// QueryRequest is the body of the query and delete routes.
type QueryRequest struct {
	Where    []table.Condition `json:"where"`
	OrderBy  []OrderClause     `json:"order_by"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	Search   string            `json:"search"`
	Select   []string          `json:"select"`
	Tolerant bool              `json:"tolerant"`
}

// build turns the request into a query on t.
func (req QueryRequest) build(t *table.Table) *table.Query {
	q := t.Query()
	for _, c := range req.Where {
		q = q.Where(c.Field, c.Op, c.Value)
	}
	for _, o := range req.OrderBy {
		q = q.OrderBy(o.Field, o.Direction)
	}
	if req.Limit != 0 {
		q = q.Limit(req.Limit)
	}
	if req.Offset != 0 {
		q = q.Offset(req.Offset)
	}
	if req.Search != "" {
		q = q.Search(req.Search)
	}
	if req.Tolerant {
		q = q.Tolerant()
	}
	return q.Select(req.Select...)
}

// QueryResponse represents the query response.
type QueryResponse struct {
	Result    *table.Result `json:"result"`
	Count     int           `json:"count"`
	RequestID string        `json:"request_id"`
}

// query handles POST /v1/tables/{table}/query.
func (h *Handler) query(w http.ResponseWriter, r *http.Request, t *table.Table) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := req.build(t).Execute(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res, Count: res.Len(), RequestID: GetRequestID(r.Context())})
}

// delete handles POST /v1/tables/{table}/delete. Only unsealed rows are removed.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request, t *table.Table) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := req.build(t).Delete(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// findByIndex handles GET /v1/tables/{table}/index/{index}?key=a&key=b. Keys
// that parse as integers are looked up as integers.
func (h *Handler) findByIndex(w http.ResponseWriter, r *http.Request, t *table.Table) {
	raw := r.URL.Query()["key"]
	key := make([]interface{}, len(raw))
	for i, k := range raw {
		if n, err := strconv.ParseInt(k, 10, 64); err == nil {
			key[i] = n
			continue
		}
		key[i] = k
	}
	res, err := t.FindByIndex(r.Context(), r.PathValue("index"), key...)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res, Count: res.Len(), RequestID: GetRequestID(r.Context())})
}

// aggregate handles GET /v1/tables/{table}/aggregate/{field}.
func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request, t *table.Table) {
	field := r.PathValue("field")
	v, err := t.Aggregate(r.Context(), field)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"field": field, "value": v})
}
