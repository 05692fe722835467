package unit

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/ward/internal/logstream"
)

// maxLineBytes bounds a single captured output line.
const maxLineBytes = 1 << 20

// Unit wraps a single attempt of one supervised child process: launch,
// output capture, exit notification, and two-phase stop. The supervisor
// creates a fresh Unit per attempt; a restart is a new Unit with the same
// spec and aggregator.
type Unit struct {
	spec Spec
	agg  *logstream.Aggregator

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	stopping  bool
	exit      ExitStatus
	done      chan struct{}
}

// New creates an idle unit. Start launches it. agg may be nil in tests;
// output is then discarded.
func New(spec Spec, agg *logstream.Aggregator) *Unit {
	return &Unit{spec: spec, agg: agg, done: make(chan struct{})}
}

// Spec returns a copy of the unit's spec.
func (u *Unit) Spec() Spec { return u.spec }

// Start launches the external program with the configured environment and
// working directory. A failure to launch is returned as *LaunchError; after
// a successful launch exits are delivered via Done/Exit.
func (u *Unit) Start() error {
	cmd := u.spec.BuildCommand()
	if u.spec.WorkDir != "" {
		cmd.Dir = u.spec.WorkDir
	}
	if len(u.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), u.spec.Env...)
	}
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &LaunchError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &LaunchError{Err: err}
	}

	u.mu.Lock()
	u.cmd = cmd
	u.startedAt = time.Now()
	u.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go u.pump(stdout, logstream.StreamStdout, &pumps)
	go u.pump(stderr, logstream.StreamStderr, &pumps)

	go func() {
		// Wait closes the pipes, so drain them first.
		pumps.Wait()
		werr := cmd.Wait()
		st := ExitStatus{Code: cmd.ProcessState.ExitCode(), At: time.Now(), Launched: true}
		if werr != nil {
			st.Err = werr
		}
		u.mu.Lock()
		u.exit = st
		u.mu.Unlock()
		close(u.done)
	}()
	return nil
}

// pump forwards one output stream line by line. Publishing never blocks,
// so a slow log consumer cannot backpressure the child.
func (u *Unit) pump(r io.Reader, stream logstream.Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if u.agg != nil {
			u.agg.Publish(u.spec.ID, stream, sc.Text())
		}
	}
}

// Done is closed once the child has exited and been reaped.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Exit returns the recorded exit status; zero value until Done is closed.
func (u *Unit) Exit() ExitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.exit
}

// PID returns the child's pid, or 0 before launch.
func (u *Unit) PID() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd == nil || u.cmd.Process == nil {
		return 0
	}
	return u.cmd.Process.Pid
}

// StartedAt returns the launch time of this attempt.
func (u *Unit) StartedAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.startedAt
}

// StopRequested reports whether Stop has been called.
func (u *Unit) StopRequested() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopping
}

// Stop performs the two-phase stop: graceful termination request, wait up
// to grace, then forced kill of the whole process group. The returned bool
// is true when force was needed. grace <= 0 uses the spec's StopGrace.
func (u *Unit) Stop(grace time.Duration) (ExitStatus, bool) {
	if grace <= 0 {
		grace = u.spec.StopGrace
	}
	u.mu.Lock()
	u.stopping = true
	cmd := u.cmd
	u.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return u.Exit(), false
	}
	pid := cmd.Process.Pid

	select {
	case <-u.done:
		return u.Exit(), false
	default:
	}

	terminateGroup(pid)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-u.done:
		return u.Exit(), false
	case <-timer.C:
	}

	killGroup(pid)
	select {
	case <-u.done:
	case <-time.After(2 * time.Second):
		// SIGKILL cannot be ignored; this only guards a wedged Wait.
	}
	return u.Exit(), true
}
