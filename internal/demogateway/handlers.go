package demogateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgeline/gwbridge/internal/archive"
	"github.com/forgeline/gwbridge/internal/logging"
	"github.com/forgeline/gwbridge/internal/tag"
)

// maxImportBytes bounds how large an uploaded archive or module may be.
const maxImportBytes = 256 << 20

// ─── Projects ──────────────────────────────────────────────────────────

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ps == nil {
		ps = []ProjectRecord{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := s.store.GetProject(r.Context(), name)
	if errors.Is(err, ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body ProjectRecord
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "project name is required")
		return
	}

	err := s.store.CreateProject(r.Context(), body)
	if errors.Is(err, ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "project already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	created, err := s.store.GetProject(r.Context(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("created project", logging.Field{Key: "name", Value: body.Name})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.store.DeleteProject(r.Context(), name)
	if errors.Is(err, ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.store.GetProject(r.Context(), name); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	records, err := s.store.ListResources(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]archive.Item, len(records))
	for i, rec := range records {
		items[i] = archive.Item{Type: rec.Type, Path: rec.Path, Content: rec.Content}
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.zip"`)
	w.WriteHeader(http.StatusOK)
	if err := archive.Write(w, name, items); err != nil {
		// Headers are gone; the truncated stream is the failure signal.
		s.logger.Warn("export stream failed",
			logging.Field{Key: "project", Value: name},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Server) handleImportProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "archive file part is required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading archive")
		return
	}

	man, contents, err := archive.Extract(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid archive: "+err.Error())
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = man.Project
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "project name is required")
		return
	}

	overwrite := r.URL.Query().Get("overwrite") == "1"
	if _, err := s.store.GetProject(r.Context(), name); err == nil && !overwrite {
		writeError(w, http.StatusConflict, "project already exists")
		return
	}

	resources := make([]ResourceRecord, 0, len(man.Resources))
	for _, me := range man.Resources {
		resources = append(resources, ResourceRecord{
			Type:    me.Type,
			Path:    me.Path,
			Content: contents[me.EntryName()],
		})
	}
	if err := s.store.ReplaceProjectResources(r.Context(), name, resources); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p, err := s.store.GetProject(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("imported project",
		logging.Field{Key: "name", Value: name},
		logging.Field{Key: "resources", Value: len(resources)})
	writeJSON(w, http.StatusCreated, p)
}

// ─── Resources ─────────────────────────────────────────────────────────

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "name")
	rtype := chi.URLParam(r, "type")
	path := chi.URLParam(r, "*")

	rec, err := s.store.GetResource(r.Context(), project, rtype, path)
	if errors.Is(err, ErrResourceNotFound) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if match := trimQuotes(r.Header.Get("If-None-Match")); match != "" && match == rec.Version {
		w.Header().Set("ETag", `"`+rec.Version+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"`+rec.Version+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Content)
}

func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "name")
	rtype := chi.URLParam(r, "type")
	path := chi.URLParam(r, "*")

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	expected := trimQuotes(r.Header.Get("If-Match"))
	version, err := s.store.PutResource(r.Context(), project, rtype, path, content, expected)
	switch {
	case errors.Is(err, ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "project not found")
		return
	case errors.Is(err, ErrVersionMismatch):
		writeError(w, http.StatusPreconditionFailed, "stale version token")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("ETag", `"`+version+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "name")
	rtype := chi.URLParam(r, "type")
	path := chi.URLParam(r, "*")

	err := s.store.DeleteResource(r.Context(), project, rtype, path)
	if errors.Is(err, ErrResourceNotFound) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Tags ──────────────────────────────────────────────────────────────

type tagReadRequest struct {
	Paths []string `json:"paths"`
}

type tagReadResult struct {
	Path  string   `json:"path"`
	Tag   *tag.Tag `json:"tag,omitempty"`
	Error string   `json:"error,omitempty"`
}

func (s *Server) handleReadTags(w http.ResponseWriter, r *http.Request) {
	var body tagReadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	results := make([]tagReadResult, len(body.Paths))
	for i, p := range body.Paths {
		results[i].Path = p
		rec, err := s.store.GetTag(r.Context(), p)
		if errors.Is(err, ErrTagNotFound) {
			results[i].Error = "tag not found"
			continue
		}
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Tag = &tag.Tag{
			Path:      rec.Path,
			DataType:  tag.DataType(rec.DataType),
			Value:     rec.Value,
			Quality:   tag.Quality(rec.Quality),
			Timestamp: rec.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type tagWriteRequest struct {
	Writes []struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	} `json:"writes"`
}

type tagWriteResult struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWriteTags(w http.ResponseWriter, r *http.Request) {
	var body tagWriteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	results := make([]tagWriteResult, len(body.Writes))
	for i, wr := range body.Writes {
		results[i].Path = wr.Path

		rec, err := s.store.GetTag(r.Context(), wr.Path)
		if errors.Is(err, ErrTagNotFound) {
			results[i].Error = "tag not found"
			continue
		}
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		// The gateway enforces declared types too; a client skipping local
		// validation still cannot corrupt a tag.
		if err := tag.CheckValue(tag.DataType(rec.DataType), wr.Value); err != nil {
			results[i].Error = "value not assignable to " + rec.DataType
			continue
		}
		if err := s.store.WriteTag(r.Context(), wr.Path, wr.Value); err != nil {
			results[i].Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ─── Modules ───────────────────────────────────────────────────────────

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.store.ListModules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if mods == nil {
		mods = []ModuleRecord{}
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleUploadModule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, hdr, err := r.FormFile("module")
	if err != nil {
		writeError(w, http.StatusBadRequest, "module file part is required")
		return
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		writeError(w, http.StatusBadRequest, "reading module")
		return
	}
	declared := r.FormValue("checksum")
	if actual := hex.EncodeToString(h.Sum(nil)); declared != "" && declared != actual {
		writeError(w, http.StatusUnprocessableEntity, "checksum does not match uploaded content")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(hdr.Filename, ".modl")
	}

	if declared == "" {
		declared = hex.EncodeToString(h.Sum(nil))
	}
	mod := ModuleRecord{
		ID:       uuid.NewString(),
		Name:     name,
		Version:  r.FormValue("version"),
		Checksum: declared,
		State:    "Validating",
	}
	if err := s.store.CreateModule(r.Context(), mod); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("accepted module upload",
		logging.Field{Key: "id", Value: mod.ID},
		logging.Field{Key: "name", Value: mod.Name})
	writeJSON(w, http.StatusAccepted, mod)
}

func (s *Server) handleModuleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mod, err := s.store.GetModule(r.Context(), id)
	if errors.Is(err, ErrModuleNotFound) {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

func (s *Server) handleModuleProgressWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetModule(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	ch := s.subscribe(id)
	defer s.unsubscribe(id, ch)

	// Send the current state first so subscribers never miss a transition
	// that happened between poll and subscribe.
	if mod, err := s.store.GetModule(r.Context(), id); err == nil {
		if err := conn.WriteJSON(ProgressEvent{ModuleID: mod.ID, State: mod.State, Detail: mod.Detail}); err != nil {
			return
		}
		if mod.State == "Installed" || mod.State == "Failed" {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// ─── helpers ───────────────────────────────────────────────────────────

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func trimQuotes(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
