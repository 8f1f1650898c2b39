package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

const maxBodyBytes = 4 << 20

// RoleHeader carries the caller's role for the placeholder role check.
const RoleHeader = "X-Quill-Role"

// RoleMiddleware admits requests whose RoleHeader names one of roles.
func RoleMiddleware(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := strings.TrimSpace(r.Header.Get(RoleHeader))
			if !allowed[role] {
				writeError(w, http.StatusForbidden, "role not permitted to write")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleSnapshot serves GET /api/v1/snapshot?since=. The ETag hashes the
// requested since together with the encoded body, so any accepted write that
// changes the response changes the tag, whatever its updatedAt.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var since schema.Stamp
	if raw := r.URL.Query().Get("since"); raw != "" {
		st, err := schema.ParseStamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since is not an RFC 3339 timestamp")
			return
		}
		since = st
	}

	snap, err := s.store.Snapshot(r.Context(), since)
	if err != nil {
		s.logger.Printf("Snapshot failed: %v", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	body, err := json.Marshal(snap)
	if err != nil {
		s.logger.Printf("Snapshot encoding failed: %v", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}

	etag := snapshotETag(since, body)
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(s.cfg.SnapshotMaxAge.Seconds())))
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

func snapshotETag(since schema.Stamp, body []byte) string {
	d := xxhash.New()
	_, _ = d.WriteString(string(since))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(body)
	return strconv.Quote(strconv.FormatUint(d.Sum64(), 16))
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// handleList serves GET /api/v1/{kind}?projectId=&status=&since=&limit=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		ProjectID: q.Get("projectId"),
		Status:    schema.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	if raw := q.Get("since"); raw != "" {
		if f.Since, err = schema.ParseStamp(raw); err != nil {
			writeError(w, http.StatusBadRequest, "since is not an RFC 3339 timestamp")
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if f.Limit, err = strconv.Atoi(raw); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	recs, err := s.store.List(r.Context(), kind, f)
	if err != nil {
		s.logger.Printf("List %s failed: %v", kind, err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if recs == nil {
		recs = []schema.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleGet serves GET /api/v1/{kind}/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	rec, err := s.store.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Printf("Get %s failed: %v", kind, err)
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type writeResult struct {
	Applied   bool         `json:"applied"`
	UpdatedAt schema.Stamp `json:"updatedAt,omitempty"`
}

// handleUpsert serves POST /api/v1/{kind} with a full record body.
func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	rec, err := schema.Decode(kind, body)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	applied, err := s.store.Upsert(r.Context(), rec)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Applied: applied, UpdatedAt: rec.Version()})
}

type patchRequest struct {
	Fields    delta.Fields `json:"fields"`
	UpdatedAt schema.Stamp `json:"updatedAt"`
}

// handlePatch serves PATCH /api/v1/{kind}/{id}.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req patchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch: "+err.Error())
		return
	}
	applied, err := s.store.Patch(r.Context(), kind, chi.URLParam(r, "id"), req.Fields, req.UpdatedAt)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Applied: applied, UpdatedAt: req.UpdatedAt})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Printf("Write failed: %v", err)
		writeError(w, http.StatusInternalServerError, "write failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
