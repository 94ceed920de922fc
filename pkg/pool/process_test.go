package pool

import (
	"bufio"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnProcessRunsChild(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sh", "-c", "echo hello"})
	require.NoError(t, err)

	_, stdout, _, err := p.Pipes(id)
	require.NoError(t, err)

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestSpawnProcessEmptyArgv(t *testing.T) {
	p := New()
	defer p.Shutdown()

	_, err := p.SpawnProcess(nil)
	assert.ErrorIs(t, err, ErrSpawn)

	_, err = p.SpawnProcess([]string{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestSpawnProcessBadBinary(t *testing.T) {
	p := New()
	defer p.Shutdown()

	_, err := p.SpawnProcess([]string{"/nonexistent/binary"})
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, 0, p.Count(), "failed spawn leaves no record")
}

func TestProcessExitCodeCaptured(t *testing.T) {
	p := New()
	defer p.Shutdown()

	tests := []struct {
		name string
		argv []string
		code int
	}{
		{name: "clean exit", argv: []string{"/bin/sh", "-c", "exit 0"}, code: 0},
		{name: "exit 3", argv: []string{"/bin/sh", "-c", "exit 3"}, code: 3},
		{name: "exit 42", argv: []string{"/bin/sh", "-c", "exit 42"}, code: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := p.SpawnProcess(tt.argv)
			require.NoError(t, err)

			assert.Eventually(t, func() bool {
				state, err := p.State(id)
				return err == nil && state == StateStopped
			}, 5*time.Second, 20*time.Millisecond)

			code, err := p.ExitCode(id)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestProcessStdinPipe(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/cat"})
	require.NoError(t, err)

	stdin, stdout, _, err := p.Pipes(id)
	require.NoError(t, err)

	_, err = io.WriteString(stdin, "ping\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	require.NoError(t, stdin.Close())
	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestProcessStopEscalates(t *testing.T) {
	p := New()
	defer p.Shutdown()

	// Child ignores SIGTERM, so stop must escalate to SIGKILL
	id, err := p.SpawnProcess([]string{"/bin/sh", "-c", "trap '' TERM; sleep 60"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateRunning
	}, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(id))
	require.NoError(t, p.Join(id, 10*time.Second))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, termGrace, "grace period observed before kill")
	assert.Less(t, elapsed, 5*time.Second, "kill lands well before the child's sleep ends")
}

func TestProcessStopGraceful(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sleep", "60"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(id))
	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestProcessPauseResume(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sleep", "30"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Pause(id))
	state, err := p.State(id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
	assert.True(t, p.IsAlive(id))

	require.NoError(t, p.Resume(id))
	state, err = p.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, p.Stop(id))
	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestProcessStopWhilePaused(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sleep", "30"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Pause(id))

	// Stop must resume the group first or signals never deliver
	require.NoError(t, p.Stop(id))
	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestProcessRestartWithNewArgv(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sh", "-c", "echo first"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateStopped
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Restart(id, []string{"/bin/sh", "-c", "echo second"}))

	_, stdout, _, err := p.Pipes(id)
	require.NoError(t, err)
	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "second\n", line)

	info, err := p.Info(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo second"}, info.Argv)

	require.NoError(t, p.Join(id, 5*time.Second))
}

func TestKillByKeyProcess(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sh", "-c", "trap '' TERM; sleep 60"})
	require.NoError(t, err)
	require.NoError(t, p.Register("stubborn", id))

	assert.Eventually(t, func() bool {
		state, _ := p.State(id)
		return state == StateRunning
	}, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.KillByKey("stubborn"))
	require.NoError(t, p.Join(id, 5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second, "kill skips the grace period")
}

func TestProcessInfo(t *testing.T) {
	p := New()
	defer p.Shutdown()

	id, err := p.SpawnProcess([]string{"/bin/sleep", "10"})
	require.NoError(t, err)

	info, err := p.Info(id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, KindProcess, info.Kind)
	assert.Greater(t, info.PID, 0)
	assert.Equal(t, []string{"/bin/sleep", "10"}, info.Argv)
	assert.False(t, info.StartedAt.IsZero())

	require.NoError(t, p.Stop(id))
	require.NoError(t, p.Join(id, 5*time.Second))
}
