package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjj9020/kinable-sub001/internal/config"
	"github.com/tjj9020/kinable-sub001/internal/router"
)

// maxSnapshotBytes bounds an uploaded config document (1 MB).
const maxSnapshotBytes = 1 << 20

// HealthRecordsHandler lists all provider health records, expired rows
// excluded.
func HealthRecordsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := d.Store.ListHealthRecords(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, string(router.ErrInternal), err.Error())
			return
		}
		writeSuccess(w, recs)
	}
}

// LedgerHandler lists recent token-spend entries for one family, newest
// first. The family is addressed by its region-prefixed key via the ?family=
// query parameter.
func LedgerHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		familyKey := r.URL.Query().Get("family")
		if familyKey == "" {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "family query parameter required")
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, http.StatusBadRequest, string(router.ErrContent), "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		entries, err := d.Store.ListLedger(r.Context(), familyKey, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, string(router.ErrInternal), err.Error())
			return
		}
		writeSuccess(w, entries)
	}
}

// ConfigGetHandler returns the raw config snapshot document for an id.
func ConfigGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := d.Store.GetConfigSnapshot(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, string(router.ErrCapability), "config snapshot not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
	}
}

// ConfigPutHandler validates and stores a config snapshot document. The
// document must parse as a snapshot before it is accepted; a broken config
// must never become loadable.
func ConfigPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "unreadable body")
			return
		}
		if len(doc) > maxSnapshotBytes {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "config document too large")
			return
		}
		if _, err := config.Parse(doc); err != nil {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "invalid config document: "+err.Error())
			return
		}
		if err := d.Store.PutConfigSnapshot(r.Context(), id, doc); err != nil {
			writeError(w, http.StatusInternalServerError, string(router.ErrInternal), err.Error())
			return
		}
		writeSuccess(w, map[string]string{"id": id})
	}
}
