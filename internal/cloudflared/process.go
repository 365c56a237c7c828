package cloudflared

import (
	"errors"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// pipeDrainDelay bounds how long Wait keeps reading output after the process
// exits, in case a grandchild inherited the pipes.
const pipeDrainDelay = time.Second

// Hooks receive process output and exit notifications.
//
// OnOutput may be called concurrently for stdout and stderr chunks. OnExit is
// called exactly once, after all output has been delivered and after Arm.
type Hooks struct {
	OnOutput func(chunk []byte)
	OnExit   func(p *Process, err error)
}

// Process is a running tunnel process. It satisfies registry.Handle.
type Process struct {
	cmd     *exec.Cmd
	pid     int
	armOnce sync.Once
	armed   chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	exited bool
}

// Spawn starts name with args and wires its output to hooks.
//
// The exit callback is held back until Arm is called, so the caller can
// record the process (pid, registry entry) before learning of an exit, even
// for processes that die immediately.
func Spawn(name string, args []string, dir string, env []string, hooks Hooks) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = nil
	w := hookWriter(hooks.OnOutput)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		armed: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.wait(hooks.OnExit)
	return p, nil
}

func (p *Process) wait(onExit func(*Process, error)) {
	// Wait returns only after the output copiers finished, so every chunk has
	// been handed to OnOutput before the exit callback runs.
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	<-p.armed
	if onExit != nil {
		onExit(p, err)
	}
	close(p.done)
}

// Arm releases the exit callback. It is safe to call more than once.
func (p *Process) Arm() {
	p.armOnce.Do(func() { close(p.armed) })
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.pid }

// Done is closed once the process exited and the exit callback returned.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive is a non-blocking liveness check. A process that exited but has not
// been reaped yet (a zombie) counts as dead.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return false
	}
	return pidAlive(p.pid)
}

// Terminate sends SIGTERM. There is no escalation to SIGKILL; a process that
// ignores the signal stays up until it exits on its own.
func (p *Process) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		running, err := proc.IsRunning()
		return err == nil && running
	}
	return !slices.Contains(status, process.Zombie)
}

type hookWriter func([]byte)

func (w hookWriter) Write(b []byte) (int, error) {
	if w != nil && len(b) > 0 {
		chunk := make([]byte, len(b))
		copy(chunk, b)
		w(chunk)
	}
	return len(b), nil
}
