// Package project implements gateway project operations: listing, lifecycle,
// and archive export/import.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgeline/gwbridge/internal/archive"
	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

// Status is the runtime state the gateway reports for a project.
type Status string

const (
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
	StatusFaulted Status = "Faulted"
)

// Project is the gateway's project record. Name is the unique,
// case-sensitive key.
type Project struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
}

func (p *Project) validate() error {
	if p.Name == "" {
		return fmt.Errorf("project name missing in response: %w", gateway.ErrValidation)
	}
	switch p.Status {
	case StatusRunning, StatusStopped, StatusFaulted:
		return nil
	default:
		return fmt.Errorf("unknown project status %q: %w", p.Status, gateway.ErrValidation)
	}
}

// Service provides project operations on top of the gateway client.
type Service struct {
	client *gateway.Client
	logger logging.Logger
}

// NewService creates a project Service.
func NewService(client *gateway.Client, logger logging.Logger) *Service {
	return &Service{
		client: client,
		logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "project"}),
	}
}

// List returns all projects on the gateway.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := s.client.GetJSON(ctx, "/projects", &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one project by name.
func (s *Service) Get(ctx context.Context, name string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required: %w", gateway.ErrValidation)
	}
	var p Project
	if err := s.client.GetJSON(ctx, "/projects/"+url.PathEscape(name), &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateOption configures Create.
type CreateOption func(*Project)

// WithTitle sets the display title.
func WithTitle(title string) CreateOption {
	return func(p *Project) { p.Title = title }
}

// WithDescription sets the description.
func WithDescription(desc string) CreateOption {
	return func(p *Project) { p.Description = desc }
}

// Create registers a new project. An existing name fails with ErrConflict.
func (s *Service) Create(ctx context.Context, name string, opts ...CreateOption) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required: %w", gateway.ErrValidation)
	}
	body := Project{Name: name}
	for _, opt := range opts {
		opt(&body)
	}

	var created Project
	if err := s.client.PostJSON(ctx, "/projects", body, &created); err != nil {
		return nil, err
	}
	if err := created.validate(); err != nil {
		return nil, err
	}
	s.logger.Info("created project", logging.Field{Key: "name", Value: created.Name})
	return &created, nil
}

// Delete removes a project. Deleting an absent name is success.
func (s *Service) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("project name is required: %w", gateway.ErrValidation)
	}
	_, err := s.client.Execute(ctx, &gateway.Request{
		Method:     http.MethodDelete,
		Path:       "/projects/" + url.PathEscape(name),
		Idempotent: true,
	})
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}
	s.logger.Info("deleted project", logging.Field{Key: "name", Value: name})
	return nil
}

// ExportTo streams the project archive into w without buffering it in
// memory. The caller owns w; on error the bytes already written are
// whatever arrived before the failure, which is why Export stages to a
// temporary file instead.
func (s *Service) ExportTo(ctx context.Context, name string, w io.Writer) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("project name is required: %w", gateway.ErrValidation)
	}

	resp, err := s.client.Execute(ctx, &gateway.Request{
		Method:     http.MethodGet,
		Path:       "/projects/" + url.PathEscape(name) + "/export",
		Idempotent: true,
		Stream:     true,
	})
	if err != nil {
		return 0, err
	}
	defer resp.BodyStream.Close()

	n, err := io.Copy(w, resp.BodyStream)
	if err != nil {
		return n, fmt.Errorf("streaming export of %s: %w", name, &gateway.APIError{
			Kind: gateway.ErrTransient, Message: err.Error()})
	}
	return n, nil
}

// Export writes the project archive to destPath atomically: the stream is
// staged next to the destination and only renamed into place after it
// completes, so a failed export never leaves a partial file at destPath.
func (s *Service) Export(ctx context.Context, name, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("destination path is required: %w", gateway.ErrValidation)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".partial-*")
	if err != nil {
		return fmt.Errorf("staging export file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort cleanup; gone already on the success path.
		os.Remove(tmpName)
	}()

	if _, err := s.ExportTo(ctx, name, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing export file: %w", err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return fmt.Errorf("finalizing export file: %w", err)
	}

	s.logger.Info("exported project",
		logging.Field{Key: "name", Value: name},
		logging.Field{Key: "dest", Value: destPath})
	return nil
}

// ImportOption configures Import.
type ImportOption func(*importOptions)

type importOptions struct {
	name      string
	overwrite bool
}

// WithName imports under a different project name than the manifest's.
func WithName(name string) ImportOption {
	return func(o *importOptions) { o.name = name }
}

// WithOverwrite allows importing over an existing project. Without it an
// existing name is rejected with ErrConflict.
func WithOverwrite() ImportOption {
	return func(o *importOptions) { o.overwrite = true }
}

// Import validates the archive at archivePath locally and then streams it to
// the gateway as a multipart upload. A corrupt archive fails with
// ErrValidation before a single byte is sent. Returns the imported project.
func (s *Service) Import(ctx context.Context, archivePath string, opts ...ImportOption) (*Project, error) {
	var o importOptions
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w: %v", gateway.ErrValidation, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w: %v", gateway.ErrValidation, err)
	}

	man, err := archive.Validate(f, st.Size())
	if err != nil {
		s.logger.Warn("rejected corrupt archive",
			logging.Field{Key: "path", Value: archivePath},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}

	name := o.name
	if name == "" {
		name = man.Project
	}
	if name == "" {
		return nil, fmt.Errorf("archive manifest carries no project name and none was given: %w", gateway.ErrValidation)
	}

	query := url.Values{}
	query.Set("name", name)
	if o.overwrite {
		query.Set("overwrite", "1")
	}

	// The upload streams straight off disk through a multipart pipe. GetBody
	// opens the file fresh for every attempt, so the idempotency-keyed POST
	// can be retried on transient failure without a half-read body. The
	// boundary is fixed up front so every replay matches the Content-Type
	// header.
	boundary := "gwbridge-" + uuid.NewString()
	getBody := func() (io.ReadCloser, error) {
		src, err := os.Open(archivePath)
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			src.Close()
			return nil, err
		}
		go func() {
			part, err := mw.CreateFormFile("archive", filepath.Base(archivePath))
			if err == nil {
				_, err = io.Copy(part, src)
			}
			if err == nil {
				err = mw.Close()
			}
			src.Close()
			pw.CloseWithError(err)
		}()
		return pr, nil
	}

	resp, err := s.client.Execute(ctx, &gateway.Request{
		Method:         http.MethodPost,
		Path:           "/projects/import",
		Query:          query,
		ContentType:    "multipart/form-data; boundary=" + boundary,
		GetBody:        getBody,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	var p Project
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		return nil, fmt.Errorf("decode import response: %w", gateway.ErrValidation)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	s.logger.Info("imported project",
		logging.Field{Key: "name", Value: p.Name},
		logging.Field{Key: "resources", Value: len(man.Resources)})
	return &p, nil
}
