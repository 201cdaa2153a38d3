package action

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"jobmesh/internal/task"
)

const maxShellOutput = 4 << 10

// Shell runs Params["cmd"] through /bin/sh -c. Optional "dir" sets the
// working directory. Cancel kills the whole process group.
type Shell struct {
	// Shell defaults to /bin/sh.
	Shell string
	// WaitDelay bounds how long pipes stay open after the process is killed.
	WaitDelay time.Duration
}

func (Shell) Kind() string { return "shell" }

func (s Shell) New(a task.Action, env Env) (Unit, error) {
	cmd, err := param(a, "cmd")
	if err != nil {
		return nil, err
	}
	sh := s.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	wd := s.WaitDelay
	if wd <= 0 {
		wd = 5 * time.Second
	}
	return &shellUnit{shell: sh, script: cmd, dir: a.Params["dir"], env: env, waitDelay: wd}, nil
}

type shellUnit struct {
	shell     string
	script    string
	dir       string
	env       Env
	waitDelay time.Duration

	mu       sync.Mutex
	proc     *os.Process
	canceled bool
}

func (u *shellUnit) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, u.shell, "-c", u.script)
	cmd.Dir = u.dir
	cmd.Env = append(os.Environ(),
		"JOBMESH_TASK_ID="+u.env.TaskID,
		"JOBMESH_RUN_ID="+u.env.RunID,
		"JOBMESH_ORG="+u.env.Org,
	)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	cmd.WaitDelay = u.waitDelay

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, n: maxShellOutput}
	cmd.Stderr = cmd.Stdout

	u.mu.Lock()
	if u.canceled {
		u.mu.Unlock()
		return context.Canceled
	}
	if err := cmd.Start(); err != nil {
		u.mu.Unlock()
		return fmt.Errorf("shell start: %w", err)
	}
	u.proc = cmd.Process
	u.mu.Unlock()

	err := cmd.Wait()
	u.mu.Lock()
	u.proc = nil
	canceled := u.canceled
	u.mu.Unlock()

	if err != nil {
		if canceled {
			return context.Canceled
		}
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("shell: %w: %s", err, msg)
		}
		return fmt.Errorf("shell: %w", err)
	}
	u.env.Log.Debug("shell action done", u.env.fields()...)
	return nil
}

func (u *shellUnit) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.canceled = true
	if u.proc != nil {
		_ = killGroup(u.proc)
	}
}

type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if room := l.n - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
