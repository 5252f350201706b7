package demogateway

import "time"

// Config controls the simulated gateway.
type Config struct {
	// ListenAddr is the HTTP listen address for standalone use.
	ListenAddr string

	// DBPath is the SQLite DSN; empty uses a private in-memory database.
	DBPath string

	// Token is the bearer credential every request must carry.
	Token string

	// DeployStepEvery is how often a pending deployment advances one state.
	// Zero disables the background stepper; tests then drive transitions
	// with StepDeployments.
	DeployStepEvery time.Duration

	// FailDeploys makes validation reject every upload, for exercising the
	// Failed path.
	FailDeploys bool
}

// DefaultConfig returns settings for local development.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":9090",
		Token:           "demo-token",
		DeployStepEvery: time.Second,
	}
}
