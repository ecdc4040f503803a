package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/export"
	"github.com/local/renewalcal/internal/pipeline"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
)

type uploadItem struct {
	ID               *string         `json:"id"`
	FileName         string          `json:"file_name"`
	ExtractionStatus contract.Status `json:"extraction_status"`
	Error            string          `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No files uploaded")
		return
	}
	uploads := make([]pipeline.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot read %s", fh.Filename))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot read %s", fh.Filename))
			return
		}
		uploads = append(uploads, pipeline.Upload{FileName: fh.Filename, Data: data})
	}
	log.Info().Int("files", len(uploads)).Bool("async", s.opts.Async).Msg("received contract upload")

	var ch <-chan pipeline.Outcome
	if s.opts.Async {
		ch = s.deps.Pipeline.SubmitBatch(r.Context(), uploads)
	} else {
		ch = s.deps.Pipeline.IngestBatch(r.Context(), uploads)
	}
	outcomes := pipeline.Collect(ch, len(uploads))

	items := make([]uploadItem, 0, len(outcomes))
	for _, o := range outcomes {
		item := uploadItem{FileName: o.FileName, ExtractionStatus: contract.StatusFailed}
		if o.Record != nil {
			id := o.Record.ID
			item.ID = &id
			item.ExtractionStatus = o.Record.Status
		}
		if o.Err != nil {
			log.Error().Err(o.Err).Str("file", o.FileName).Msg("upload could not be stored")
			item.Error = "could not store document"
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if recs == nil {
		recs = []*contract.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// loadRecord writes the 404 itself and returns nil when the record is missing.
func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request) *contract.Record {
	rec, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Contract not found")
		return nil
	}
	if err != nil {
		writeInternal(w, r, err)
		return nil
	}
	return rec
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if rec := s.loadRecord(w, r); rec != nil {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecord(w, r)
	if rec == nil {
		return
	}
	var p contract.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid body: "+err.Error())
		return
	}
	if err := rec.Apply(p, s.now()); err != nil {
		var verr *contract.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeInternal(w, r, err)
		return
	}
	if err := s.deps.Store.Update(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Contract not found")
			return
		}
		writeInternal(w, r, err)
		return
	}
	log.Info().Str("contract_id", rec.ID).Msg("contract edited")
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecord(w, r)
	if rec == nil {
		return
	}
	s.removeDocuments(r, rec)
	if err := s.deps.Store.Delete(r.Context(), rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Contract deleted successfully"})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	for _, rec := range recs {
		s.removeDocuments(r, rec)
	}
	n, err := s.deps.Store.DeleteAll(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Cleared %d contracts and removed uploads", n),
	})
}

// removeDocuments deletes stored bytes best-effort; a leftover file never blocks
// the record deletion.
func (s *Server) removeDocuments(r *http.Request, rec *contract.Record) {
	for _, loc := range []string{rec.Location, rec.TextLocation} {
		if loc == "" {
			continue
		}
		if err := s.deps.Documents.Delete(r.Context(), loc); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("contract_id", rec.ID).Str("location", loc).Msg("failed to delete stored document")
		}
	}
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Pipeline.Run(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Contract not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecord(w, r)
	if rec == nil {
		return
	}
	data, err := s.deps.Documents.Get(r.Context(), rec.Location)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "PDF file not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	disposition := "inline"
	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		disposition = "attachment"
	}
	name := rec.DisplayName
	if name == "" {
		name = rec.FileName
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, HEAD")
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, name+".pdf"))
	http.ServeContent(w, r, "", rec.UpdatedAt, bytes.NewReader(data))
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecord(w, r)
	if rec == nil {
		return
	}
	text, err := s.deps.Pipeline.Text(r.Context(), rec)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "PDF file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	data, err := export.ContractsXLSX(recs)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="brm-contracts.xlsx"`)
	_, _ = w.Write(data)
}
