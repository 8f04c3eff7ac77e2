package pool

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/engine/protocol"
)

// proc is one pooled vendor subprocess speaking NDJSON on stdio. A reader
// goroutine parses stdout into an internal buffer that Poll drains; stderr is
// mirrored into the log.
type proc struct {
	log *slog.Logger
	key string

	closeOnce sync.Once

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	enc *json.Encoder

	doneCh chan struct{} // closed after the process exits and stdout is drained

	mu      sync.Mutex
	events  []protocol.Event
	readErr error
	exitErr error
}

func startProc(log *slog.Logger, key string, spec SpawnSpec) (*proc, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, errors.New("missing spawn command")
	}

	cmd := exec.Command(command, spec.Args...)
	if strings.TrimSpace(spec.Workdir) != "" {
		cmd.Dir = strings.TrimSpace(spec.Workdir)
	}
	env := os.Environ()
	env = append(env, spec.Environ()...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	// Put the child in its own process group so shutdown can take its
	// children down with it.
	SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)

	p := &proc{
		log:    log,
		key:    key,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		enc:    enc,
		doneCh: make(chan struct{}),
	}

	// Vendor logs must go to stderr only; stdout is the event stream.
	go func() {
		r := bufio.NewScanner(stderr)
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line == "" {
				continue
			}
			log.Debug("vendor stderr", "component", "pool", "thread_key", key, "line", line)
		}
	}()

	go p.readLoop()

	return p, nil
}

func (p *proc) readLoop() {
	defer close(p.doneCh)

	sc := bufio.NewScanner(p.stdout)
	// Allow reasonably large frames (tool results / model deltas).
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)

	for sc.Scan() {
		ev, err := protocol.ParseLine(sc.Bytes())
		if err != nil {
			if errors.Is(err, protocol.ErrNotEvent) {
				continue
			}
			p.log.Warn("vendor event parse failed", "component", "pool", "thread_key", p.key, "error", err)
			continue
		}
		p.mu.Lock()
		p.events = append(p.events, *ev)
		p.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		p.mu.Lock()
		p.readErr = err
		p.mu.Unlock()
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
}

func (p *proc) alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.doneCh:
		return false
	default:
		return true
	}
}

func (p *proc) pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *proc) send(turn protocol.UserTurn) error {
	if p == nil || p.enc == nil {
		return errors.New("process not ready")
	}
	if !p.alive() {
		return errors.New("process exited")
	}
	return p.enc.Encode(turn)
}

// drain takes the buffered events and reports whether any of them closed the
// in-flight turn.
func (p *proc) drain() ([]protocol.Event, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()

	terminal := false
	for i := range events {
		if protocol.IsTerminal(&events[i]) {
			terminal = true
		}
	}
	return events, terminal
}

func (p *proc) close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		_ = KillProcessGroup(p.cmd)
		<-p.doneCh
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
	})
}
