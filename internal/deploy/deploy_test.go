package deploy_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/forgeline/gwbridge/internal/demogateway"
	"github.com/forgeline/gwbridge/internal/deploy"
	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

//
// ───────────────────────────────────────────────
//   Setup
// ───────────────────────────────────────────────
//

// startGateway runs a demo gateway whose deployments advance one state
// every stepEvery. stepEvery 0 freezes the state machine.
func startGateway(t *testing.T, stepEvery time.Duration, failDeploys bool) (*demogateway.Server, *deploy.Service) {
	t.Helper()

	cfg := demogateway.DefaultConfig()
	cfg.DeployStepEvery = stepEvery
	cfg.FailDeploys = failDeploys
	gw, err := demogateway.NewServer(cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("starting demo gateway: %v", err)
	}
	t.Cleanup(gw.Close)

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	ccfg := gateway.DefaultConfig()
	ccfg.BaseURL = ts.URL
	ccfg.RateRPS = 0
	client, err := gateway.New(ccfg, gateway.NewStaticTokenStore(cfg.Token), logging.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("building client: %v", err)
	}

	svc := deploy.NewService(client, deploy.Config{
		PollInterval: 20 * time.Millisecond,
		Deadline:     10 * time.Second,
	}, logging.NewNopLogger())
	return gw, svc
}

func writeModuleFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "alarm-notify.modl")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writing module file: %v", err)
	}
	return p
}

//
// ───────────────────────────────────────────────
//   State machine
// ───────────────────────────────────────────────
//

func TestDeployReachesInstalled(t *testing.T) {
	t.Parallel()

	_, svc := startGateway(t, 30*time.Millisecond, false)
	file := writeModuleFile(t, "module payload v1")

	res, err := svc.Deploy(context.Background(), file, "alarm-notify", "1.0.0")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.State != deploy.StateInstalled {
		t.Fatalf("State = %q, want Installed", res.State)
	}
	if res.NoOp {
		t.Error("first deploy must not be a no-op")
	}
	if len(res.Transitions) < 2 {
		t.Fatalf("Transitions = %v, want at least Uploading and Installed", res.Transitions)
	}
	if res.Transitions[0] != deploy.StateUploading {
		t.Errorf("first transition = %q, want Uploading", res.Transitions[0])
	}
	if last := res.Transitions[len(res.Transitions)-1]; last != deploy.StateInstalled {
		t.Errorf("last transition = %q, want Installed", last)
	}
	for i := 1; i < len(res.Transitions); i++ {
		if res.Transitions[i] == res.Transitions[i-1] {
			t.Errorf("repeated transition %q at %d", res.Transitions[i], i)
		}
	}
}

func TestDeployValidationFailure(t *testing.T) {
	t.Parallel()

	_, svc := startGateway(t, 30*time.Millisecond, true)
	file := writeModuleFile(t, "module payload v1")

	res, err := svc.Deploy(context.Background(), file, "alarm-notify", "1.0.0")
	if !errors.Is(err, gateway.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if res.State != deploy.StateFailed {
		t.Errorf("State = %q, want Failed", res.State)
	}
	if res.Module == nil || res.Module.Detail == "" {
		t.Error("failed deploy should carry the gateway's failure detail")
	}
}

func TestDeployTimeoutWhenGatewayStalls(t *testing.T) {
	t.Parallel()

	// A gateway with the stepper disabled never resolves a deployment.
	cfg := demogateway.DefaultConfig()
	cfg.DeployStepEvery = 0
	stalled, err := demogateway.NewServer(cfg, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("starting demo gateway: %v", err)
	}
	t.Cleanup(stalled.Close)
	ts := httptest.NewServer(stalled)
	t.Cleanup(ts.Close)

	ccfg := gateway.DefaultConfig()
	ccfg.BaseURL = ts.URL
	ccfg.RateRPS = 0
	client, err := gateway.New(ccfg, gateway.NewStaticTokenStore(cfg.Token), logging.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("building client: %v", err)
	}
	svc := deploy.NewService(client, deploy.Config{
		PollInterval: 20 * time.Millisecond,
		Deadline:     150 * time.Millisecond,
	}, logging.NewNopLogger())

	file := writeModuleFile(t, "module payload v1")
	res, err := svc.Deploy(context.Background(), file, "alarm-notify", "1.0.0")
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res.State != deploy.StateTimeout {
		t.Errorf("State = %q, want Timeout", res.State)
	}
	if last := res.Transitions[len(res.Transitions)-1]; last != deploy.StateTimeout {
		t.Errorf("last transition = %q, want Timeout", last)
	}
}

func TestRedeployInstalledModuleIsNoOp(t *testing.T) {
	t.Parallel()

	_, svc := startGateway(t, 30*time.Millisecond, false)
	file := writeModuleFile(t, "module payload v1")
	ctx := context.Background()

	first, err := svc.Deploy(ctx, file, "alarm-notify", "1.0.0")
	if err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	if first.State != deploy.StateInstalled {
		t.Fatalf("first deploy State = %q", first.State)
	}

	second, err := svc.Deploy(ctx, file, "alarm-notify", "1.0.0")
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if !second.NoOp {
		t.Error("identical redeploy should be a no-op")
	}
	if second.State != deploy.StateInstalled {
		t.Errorf("redeploy State = %q, want Installed", second.State)
	}

	mods, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mods) != 1 {
		t.Errorf("gateway has %d modules after redeploy, want 1", len(mods))
	}
}

func TestDeployChangedContentIsNotNoOp(t *testing.T) {
	t.Parallel()

	_, svc := startGateway(t, 30*time.Millisecond, false)
	ctx := context.Background()

	if _, err := svc.Deploy(ctx, writeModuleFile(t, "payload v1"), "alarm-notify", "1.0.0"); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}

	res, err := svc.Deploy(ctx, writeModuleFile(t, "payload v2"), "alarm-notify", "1.0.1")
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if res.NoOp {
		t.Error("changed content must upload, not short-circuit")
	}
}

//
// ───────────────────────────────────────────────
//   Helpers and primitives
// ───────────────────────────────────────────────
//

func TestChecksumMatchesFileContent(t *testing.T) {
	t.Parallel()

	file := writeModuleFile(t, "module payload v1")
	sum, err := deploy.Checksum(file)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	want := sha256.Sum256([]byte("module payload v1"))
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("Checksum = %s, want the file's sha256", sum)
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	for _, st := range []deploy.State{deploy.StateInstalled, deploy.StateFailed, deploy.StateTimeout} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []deploy.State{deploy.StateUploading, deploy.StateValidating, deploy.StateInstalling} {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

//
// ───────────────────────────────────────────────
//   Progress stream
// ───────────────────────────────────────────────
//

func TestWatchStreamsTransitionsToTerminal(t *testing.T) {
	t.Parallel()

	gw, svc := startGateway(t, 0, false)
	ctx := context.Background()

	// Seed a pending deployment and drive the state machine by hand.
	if err := gw.Store().CreateModule(ctx, demogateway.ModuleRecord{
		ID: "mod-1", Name: "alarm-notify", Version: "1.0.0", State: "Validating",
	}); err != nil {
		t.Fatalf("seeding module: %v", err)
	}

	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := svc.Watch(watchCtx, "mod-1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	go func() {
		for i := 0; i < 2; i++ {
			time.Sleep(50 * time.Millisecond)
			_ = gw.StepDeployments(context.Background())
		}
	}()

	var seen []deploy.State
	for ev := range events {
		if ev.ModuleID != "mod-1" {
			t.Errorf("event for module %q, want mod-1", ev.ModuleID)
		}
		seen = append(seen, ev.State)
	}

	if len(seen) == 0 {
		t.Fatal("stream delivered no events")
	}
	if seen[0] != deploy.StateValidating {
		t.Errorf("first event = %q, want the current state Validating", seen[0])
	}
	if last := seen[len(seen)-1]; last != deploy.StateInstalled {
		t.Errorf("stream ended on %q, want Installed", last)
	}
}

// Not parallel: it counts goroutines.
func TestWatchWindsDownWithoutCancellation(t *testing.T) {
	gw, svc := startGateway(t, 0, false)
	ctx := context.Background()

	if err := gw.Store().CreateModule(ctx, demogateway.ModuleRecord{
		ID: "mod-2", Name: "alarm-notify", Version: "1.0.0", State: "Installing",
	}); err != nil {
		t.Fatalf("seeding module: %v", err)
	}

	before := runtime.NumGoroutine()

	// A background context never cancels. Once the terminal state closes
	// the stream, every goroutine Watch started must still exit.
	events, err := svc.Watch(ctx, "mod-2")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = gw.StepDeployments(context.Background())
	}()
	for range events {
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+2 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d after the stream closed",
				before, runtime.NumGoroutine())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchUnknownModule(t *testing.T) {
	t.Parallel()

	_, svc := startGateway(t, 0, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := svc.Watch(ctx, "no-such-module"); err == nil {
		t.Fatal("expected an error watching an unknown module")
	}
}
