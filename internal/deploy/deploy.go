// Package deploy implements module deployment against the gateway: upload,
// server-side validation and installation tracked as an explicit state
// machine, with polling and an optional live progress stream.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

// State is a deployment's position in the state machine:
//
//	Uploading → Validating → Installing → {Installed, Failed}
//
// Timeout is terminal on the client side only: the polling deadline elapsed
// with the remote state unresolved. Nothing is rolled back.
type State string

const (
	StateUploading  State = "Uploading"
	StateValidating State = "Validating"
	StateInstalling State = "Installing"
	StateInstalled  State = "Installed"
	StateFailed     State = "Failed"
	StateTimeout    State = "Timeout"
)

// Terminal reports whether the state machine stops here.
func (s State) Terminal() bool {
	return s == StateInstalled || s == StateFailed || s == StateTimeout
}

// Module is the gateway's record of a deployable module.
type Module struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	State    State  `json:"state"`
	Detail   string `json:"detail,omitempty"`
}

// Result is the final outcome of a Deploy call.
type Result struct {
	Module *Module
	State  State

	// Transitions records every state observed, in order, Uploading first.
	Transitions []State

	// NoOp marks an idempotent redeploy: the checksum and version were
	// already Installed, so nothing was sent.
	NoOp bool
}

// Config holds deployment pacing knobs.
type Config struct {
	// PollInterval is the fixed delay between status polls.
	PollInterval time.Duration

	// Deadline bounds the whole deployment; past it the result is
	// StateTimeout with the remote state left unresolved.
	Deadline time.Duration
}

// DefaultConfig returns pacing suitable for interactive use.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Deadline:     5 * time.Minute,
	}
}

// Service drives module deployments on top of the gateway client.
type Service struct {
	client *gateway.Client
	cfg    Config
	logger logging.Logger
}

// NewService creates a deploy Service.
func NewService(client *gateway.Client, cfg Config, logger logging.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig().Deadline
	}
	return &Service{
		client: client,
		cfg:    cfg,
		logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "deploy"}),
	}
}

// Checksum computes the content checksum used for idempotent redeploys.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open module file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash module file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns the modules currently known to the gateway.
func (s *Service) List(ctx context.Context) ([]Module, error) {
	var out []Module
	if err := s.client.GetJSON(ctx, "/modules", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status polls a single deployment's current state.
func (s *Service) Status(ctx context.Context, id string) (*Module, error) {
	if id == "" {
		return nil, fmt.Errorf("module id is required: %w", gateway.ErrValidation)
	}
	var m Module
	if err := s.client.GetJSON(ctx, "/modules/"+url.PathEscape(id)+"/status", &m); err != nil {
		return nil, err
	}
	if m.ID == "" || m.State == "" {
		return nil, fmt.Errorf("malformed module status: %w", gateway.ErrValidation)
	}
	return &m, nil
}

// Deploy uploads the module file and drives the state machine to a terminal
// state. A module whose checksum and version are already Installed is a
// no-op success. A transport failure during upload surfaces the classified
// error; a partially-uploaded binary is never silently retried.
func (s *Service) Deploy(ctx context.Context, file string, name, version string) (*Result, error) {
	sum, err := Checksum(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}

	// Idempotent redeploy check.
	existing, err := s.List(ctx)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	for i := range existing {
		m := &existing[i]
		if m.Checksum == sum && m.Version == version && m.State == StateInstalled {
			s.logger.Info("redeploy is a no-op",
				logging.Field{Key: "module", Value: m.Name},
				logging.Field{Key: "checksum", Value: sum})
			return &Result{Module: m, State: StateInstalled, Transitions: []State{StateInstalled}, NoOp: true}, nil
		}
	}

	deadline := time.Now().Add(s.cfg.Deadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	transitions := []State{StateUploading}
	s.logger.Info("uploading module",
		logging.Field{Key: "file", Value: filepath.Base(file)},
		logging.Field{Key: "checksum", Value: sum})

	mod, err := s.upload(ctx, file, name, version, sum)
	if err != nil {
		return &Result{State: StateFailed, Transitions: append(transitions, StateFailed)}, err
	}

	return s.track(ctx, mod, transitions, deadline)
}

// track polls the deployment until a terminal state or the deadline.
func (s *Service) track(ctx context.Context, mod *Module, transitions []State, deadline time.Time) (*Result, error) {
	observe := func(st State) {
		if len(transitions) == 0 || transitions[len(transitions)-1] != st {
			transitions = append(transitions, st)
			s.logger.Info("deployment state",
				logging.Field{Key: "module", Value: mod.ID},
				logging.Field{Key: "state", Value: string(st)})
		}
	}
	observe(mod.State)

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	current := mod
	for !current.State.Terminal() {
		if time.Now().After(deadline) {
			observe(StateTimeout)
			return &Result{Module: current, State: StateTimeout, Transitions: transitions},
				fmt.Errorf("deployment %s unresolved past deadline: %w", mod.ID, gateway.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			observe(StateTimeout)
			return &Result{Module: current, State: StateTimeout, Transitions: transitions},
				fmt.Errorf("deployment %s unresolved: %w", mod.ID, gateway.ErrTimeout)
		case <-t.C:
		}

		next, err := s.Status(ctx, mod.ID)
		if err != nil {
			if errors.Is(err, gateway.ErrTimeout) {
				observe(StateTimeout)
				return &Result{Module: current, State: StateTimeout, Transitions: transitions},
					fmt.Errorf("deployment %s unresolved: %w", mod.ID, gateway.ErrTimeout)
			}
			return &Result{Module: current, State: current.State, Transitions: transitions}, err
		}
		current = next
		observe(current.State)
	}

	res := &Result{Module: current, State: current.State, Transitions: transitions}
	if current.State == StateFailed {
		return res, fmt.Errorf("deployment %s failed: %s: %w", mod.ID, current.Detail, gateway.ErrValidation)
	}
	return res, nil
}

// upload streams the module binary as a multipart POST. The checksum rides
// along so the gateway can verify the received bytes.
func (s *Service) upload(ctx context.Context, file, name, version, sum string) (*Module, error) {
	boundary := "gwbridge-" + uuid.NewString()
	getBody := func() (io.ReadCloser, error) {
		src, err := os.Open(file)
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
			err := mw.WriteField("name", name)
			if err == nil {
				err = mw.WriteField("version", version)
			}
			if err == nil {
				err = mw.WriteField("checksum", sum)
			}
			if err == nil {
				var part io.Writer
				part, err = mw.CreateFormFile("module", filepath.Base(file))
				if err == nil {
					_, err = io.Copy(part, src)
				}
			}
			if err == nil {
				err = mw.Close()
			}
			src.Close()
			pw.CloseWithError(err)
		}()
		return pr, nil
	}

	body, err := getBody()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}

	// No GetBody and no idempotency key: a failed upload must surface, not
	// silently re-send a partially-transferred binary.
	resp, err := s.client.Execute(ctx, &gateway.Request{
		Method:      http.MethodPost,
		Path:        "/modules",
		BodyReader:  body,
		ContentType: "multipart/form-data; boundary=" + boundary,
	})
	if err != nil {
		return nil, err
	}

	var mod Module
	if err := json.Unmarshal(resp.Body, &mod); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", gateway.ErrValidation)
	}
	if mod.ID == "" {
		return nil, fmt.Errorf("upload response carries no module id: %w", gateway.ErrValidation)
	}
	if mod.State == "" {
		mod.State = StateValidating
	}
	return &mod, nil
}
