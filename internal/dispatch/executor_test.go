//go:build unix

package dispatch

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/pkg/types"
)

func TestLocalExecutor_Run(t *testing.T) {
	e := &LocalExecutor{}
	var out bytes.Buffer

	code, err := e.Run(context.Background(), Target{Host: types.HostGateway}, types.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo hello; echo oops 1>&2"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
}

func TestLocalExecutor_ExitCode(t *testing.T) {
	e := &LocalExecutor{}
	var out bytes.Buffer

	code, err := e.Run(context.Background(), Target{}, types.ExecRequest{
		Command: "sh", Args: []string{"-c", "exit 3"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalExecutor_EnvOverlay(t *testing.T) {
	e := &LocalExecutor{}
	var out bytes.Buffer

	code, err := e.Run(context.Background(), Target{}, types.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo $EXECGATE_TEST_VAL"},
		Env: map[string]string{"EXECGATE_TEST_VAL": "on"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "on")
}

func TestLocalExecutor_WorkdirOverride(t *testing.T) {
	dir := t.TempDir()
	e := &LocalExecutor{Workdir: dir}
	var out bytes.Buffer

	code, err := e.Run(context.Background(), Target{}, types.ExecRequest{
		Command: "sh", Args: []string{"-c", "pwd"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), dir)
}

func TestLocalExecutor_Cancellation(t *testing.T) {
	e := &LocalExecutor{}
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := e.Run(ctx, Target{}, types.ExecRequest{
		Command: "sh", Args: []string{"-c", "sleep 30"},
	}, &out)
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocalExecutor_MissingBinary(t *testing.T) {
	e := &LocalExecutor{}
	var out bytes.Buffer

	code, err := e.Run(context.Background(), Target{}, types.ExecRequest{
		Command: "definitely-not-a-real-binary",
	}, &out)
	require.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestExecutorRouter(t *testing.T) {
	r := NewExecutorRouter()
	var out bytes.Buffer

	_, err := r.Run(context.Background(), Target{Host: types.HostNode}, types.ExecRequest{}, &out)
	require.Error(t, err)

	fake := &fakeExecutor{exitCode: 7}
	r.Set(types.HostNode, fake)
	code, err := r.Run(context.Background(), Target{Host: types.HostNode}, types.ExecRequest{}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}
