package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/agentsh/execgate/pkg/types"
)

// Target is the resolved destination for one execution.
type Target struct {
	Host types.HostKind
	Node string
}

// Executor is the collaborator that actually spawns and supervises the
// process on a target host. The engine delegates process-resource
// concurrency control to it; cancellation of ctx is forwarded as a
// request to terminate, without a guarantee of synchronous process
// death.
type Executor interface {
	Run(ctx context.Context, target Target, req types.ExecRequest, output io.Writer) (exitCode int, err error)
}

// ExecutorRouter selects an executor per host kind. Node transports
// register and unregister themselves as they connect.
type ExecutorRouter struct {
	mu    sync.RWMutex
	byKey map[types.HostKind]Executor
}

func NewExecutorRouter() *ExecutorRouter {
	return &ExecutorRouter{byKey: make(map[types.HostKind]Executor)}
}

func (r *ExecutorRouter) Set(host types.HostKind, e Executor) {
	r.mu.Lock()
	r.byKey[host] = e
	r.mu.Unlock()
}

func (r *ExecutorRouter) Run(ctx context.Context, target Target, req types.ExecRequest, output io.Writer) (int, error) {
	r.mu.RLock()
	e := r.byKey[target.Host]
	r.mu.RUnlock()
	if e == nil {
		return -1, fmt.Errorf("no executor for host %q", target.Host)
	}
	return e.Run(ctx, target, req, output)
}

// LocalExecutor runs commands on the machine the gateway itself runs
// on. It backs the gateway host, and the sandbox host when the sandbox
// runtime mounts the workspace locally.
type LocalExecutor struct {
	// Workdir overrides the request workdir when set (sandbox roots).
	Workdir string
}

func (e *LocalExecutor) Run(ctx context.Context, _ Target, req types.ExecRequest, output io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Stdout = output
	cmd.Stderr = output

	switch {
	case e.Workdir != "":
		cmd.Dir = e.Workdir
	case req.Workdir != "":
		cmd.Dir = req.Workdir
	}

	if len(req.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+req.Env[k])
		}
		cmd.Env = env
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, err
}
