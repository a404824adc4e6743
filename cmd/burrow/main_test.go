package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "start"}
	cmd.Flags().String("config", "", "")
	addWorkerFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provisionerId: from-file
workerType: file-type
capacity: 2
`), 0644))

	tests := []struct {
		name        string
		args        []string
		provisioner string
		workerType  string
		capacity    int
	}{
		{name: "file only", args: nil, provisioner: "from-file", workerType: "file-type", capacity: 2},
		{name: "capacity flag", args: []string{"--capacity=6"}, provisioner: "from-file", workerType: "file-type", capacity: 6},
		{
			name:        "identity flags",
			args:        []string{"--provisioner-id=cli", "--worker-type=builder"},
			provisioner: "cli",
			workerType:  "builder",
			capacity:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTestCommand(t, append([]string{"--config=" + path}, tt.args...)...)

			cfg, err := loadConfig(cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.provisioner, cfg.ProvisionerID)
			assert.Equal(t, tt.workerType, cfg.WorkerType)
			assert.Equal(t, tt.capacity, cfg.Capacity)
			assert.NotEmpty(t, cfg.WorkerID)
		})
	}
}

func TestLoadConfig_KeepsExplicitWorkerID(t *testing.T) {
	cmd := newTestCommand(t, "--worker-id=w-17", "--worker-group=us-east")

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "w-17", cfg.WorkerID)
	assert.Equal(t, "us-east", cfg.WorkerGroup)
}

func TestLoadConfig_RejectsInvalidCapacity(t *testing.T) {
	cmd := newTestCommand(t, "--capacity=0")

	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "capacity must be at least 1")
}

type recordingPauser struct {
	calls []string
}

func (p *recordingPauser) Pause()  { p.calls = append(p.calls, "pause") }
func (p *recordingPauser) Resume() { p.calls = append(p.calls, "resume") }

func TestAwaitShutdown_PauseAndResumeSignals(t *testing.T) {
	sigCh := make(chan os.Signal, 4)
	sigCh <- syscall.SIGUSR1
	sigCh <- syscall.SIGUSR2
	sigCh <- syscall.SIGUSR1
	sigCh <- syscall.SIGTERM

	p := &recordingPauser{}
	sig := awaitShutdown(sigCh, p)
	assert.Equal(t, syscall.SIGTERM, sig)
	assert.Equal(t, []string{"pause", "resume", "pause"}, p.calls)
}

func TestAwaitShutdown_ClosedChannel(t *testing.T) {
	sigCh := make(chan os.Signal)
	close(sigCh)

	assert.Nil(t, awaitShutdown(sigCh, &recordingPauser{}))
}
