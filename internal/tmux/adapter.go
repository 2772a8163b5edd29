// Package tmux wraps the tmux CLI. Pane handles are the opaque "%N"
// tokens tmux assigns (pane_id), never session:window.pane coordinates,
// so panes stay addressable across window moves.
package tmux

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pilothouse/server/internal/fault"
)

// DefaultCommandTimeout bounds every tmux invocation.
const DefaultCommandTimeout = 30 * time.Second

// rawKeyBatch is how many hex-encoded bytes ride in one send-keys call.
const rawKeyBatch = 32

var paneIDRe = regexp.MustCompile(`^%\d+$`)

// ValidPaneID reports whether s has the "%N" shape tmux uses for pane ids.
func ValidPaneID(s string) bool {
	return paneIDRe.MatchString(strings.TrimSpace(s))
}

type Adapter struct {
	exec    Exec
	socket  string
	timeout time.Duration
}

type Window struct {
	Index int
	Name  string
}

type PaneInfo struct {
	ID      string
	Session string
	Window  int
	Index   int
	PID     int
	Active  bool
	Title   string
}

type Dimensions struct {
	Cols int
	Rows int
}

type PaneSpec struct {
	Window          string
	SplitHorizontal bool
	Cwd             string
	InitialCommand  string
}

type CaptureOpts struct {
	Lines     int
	Raw       bool
	StartLine *int
	EndLine   *int
}

func NewAdapter(e Exec) *Adapter {
	return &Adapter{exec: e, timeout: DefaultCommandTimeout}
}

func NewAdapterWithSocket(e Exec, socket string) *Adapter {
	return &Adapter{exec: e, socket: strings.TrimSpace(socket), timeout: DefaultCommandTimeout}
}

func (a *Adapter) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

func (a *Adapter) SocketName() string {
	if a == nil {
		return ""
	}
	return a.socket
}

// CommandArgs prepends the socket flag so callers spawning their own tmux
// processes (the PTY attach path) address the same server.
func (a *Adapter) CommandArgs(args ...string) []string {
	return a.withSocket(args...)
}

func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	out, err := a.output(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, a.classify("", err)
	}
	return splitLines(out), nil
}

// SessionExists treats an unreachable server as "no such session" so
// callers probing a fresh machine do not have to special-case boot.
func (a *Adapter) SessionExists(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	sessions, err := a.ListSessions(ctx)
	if err != nil {
		if fault.IsKind(err, fault.External) && errors.Is(err, errNoServer) {
			return false, nil
		}
		return false, err
	}
	for _, s := range sessions {
		if s == name {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) ListWindows(ctx context.Context, session string) ([]Window, error) {
	out, err := a.output(ctx, "list-windows", "-t", session, "-F", "#{window_index}\t#{window_name}")
	if err != nil {
		return nil, a.classify(session, err)
	}
	windows := make([]Window, 0, 4)
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 2)
		idx, convErr := strconv.Atoi(strings.TrimSpace(parts[0]))
		if convErr != nil {
			continue
		}
		w := Window{Index: idx}
		if len(parts) > 1 {
			w.Name = strings.TrimSpace(parts[1])
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// ListPanes returns pane ids under target, which may be a session or a
// session:window coordinate.
func (a *Adapter) ListPanes(ctx context.Context, target string) ([]string, error) {
	out, err := a.output(ctx, "list-panes", "-t", target, "-F", "#{pane_id}")
	if err != nil {
		return nil, a.classify(target, err)
	}
	return splitLines(out), nil
}

// ListAllPanes returns every pane id on the server.
func (a *Adapter) ListAllPanes(ctx context.Context) ([]string, error) {
	out, err := a.output(ctx, "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		return nil, a.classify("", err)
	}
	return splitLines(out), nil
}

// CreatePane splits a new pane inside session (optionally a named window)
// and returns its pane id. When the named window does not exist yet it is
// created instead of failing.
func (a *Adapter) CreatePane(ctx context.Context, session string, spec PaneSpec) (string, error) {
	target := session
	if spec.Window != "" {
		target = session + ":" + spec.Window
	}
	axis := "-v"
	if spec.SplitHorizontal {
		axis = "-h"
	}

	args := []string{"split-window", axis, "-d", "-t", target}
	args = a.appendPaneCreateArgs(args, spec)

	out, err := a.output(ctx, args...)
	if err == nil {
		return a.validatePaneID(out)
	}
	classified := a.classify(target, err)
	if spec.Window == "" || !fault.IsKind(classified, fault.NotFound) {
		return "", classified
	}

	args = []string{"new-window", "-d", "-t", session + ":", "-n", spec.Window}
	args = a.appendPaneCreateArgs(args, spec)
	out, err = a.output(ctx, args...)
	if err != nil {
		return "", a.classify(session, err)
	}
	return a.validatePaneID(out)
}

func (a *Adapter) appendPaneCreateArgs(args []string, spec PaneSpec) []string {
	if spec.Cwd != "" {
		args = append(args, "-c", spec.Cwd)
	}
	args = append(args, "-P", "-F", "#{pane_id}")
	if spec.InitialCommand != "" {
		args = append(args, spec.InitialCommand)
	}
	return args
}

func (a *Adapter) validatePaneID(out []byte) (string, error) {
	id := strings.TrimSpace(string(out))
	if !ValidPaneID(id) {
		return "", fault.Errorf(fault.External, "tmux returned malformed pane id %q", id)
	}
	return id, nil
}

func (a *Adapter) KillPane(ctx context.Context, paneID string) error {
	if err := a.run(ctx, "kill-pane", "-t", paneID); err != nil {
		return a.classify(paneID, err)
	}
	return nil
}

// IsPaneAlive resolves missing panes and an unreachable server to false
// rather than an error; polling loops call this on every tick.
func (a *Adapter) IsPaneAlive(ctx context.Context, paneID string) (bool, error) {
	out, err := a.output(ctx, "display-message", "-p", "-t", paneID, "#{pane_id}")
	if err != nil {
		classified := a.classify(paneID, err)
		if fault.IsKind(classified, fault.NotFound) || errors.Is(classified, errNoServer) {
			return false, nil
		}
		return false, classified
	}
	return strings.TrimSpace(string(out)) == paneID, nil
}

func (a *Adapter) GetPane(ctx context.Context, paneID string) (PaneInfo, error) {
	format := "#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_pid}\t#{pane_active}\t#{pane_title}"
	out, err := a.output(ctx, "display-message", "-p", "-t", paneID, format)
	if err != nil {
		return PaneInfo{}, a.classify(paneID, err)
	}
	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\t", 6)
	if len(parts) < 6 {
		return PaneInfo{}, fault.Errorf(fault.External, "unexpected pane info output %q", string(out))
	}
	info := PaneInfo{ID: paneID, Session: parts[0], Title: parts[5]}
	info.Window, _ = strconv.Atoi(parts[1])
	info.Index, _ = strconv.Atoi(parts[2])
	info.PID, _ = strconv.Atoi(parts[3])
	info.Active = parts[4] == "1"
	return info, nil
}

// CapturePane reads the pane's visible content. Control sequences are
// stripped unless opts.Raw; opts.Lines pulls that much scrollback.
func (a *Adapter) CapturePane(ctx context.Context, paneID string, opts CaptureOpts) (string, error) {
	args := []string{"capture-pane", "-p", "-N"}
	if opts.Raw {
		args = append(args, "-e")
	}
	switch {
	case opts.StartLine != nil || opts.EndLine != nil:
		if opts.StartLine != nil {
			args = append(args, "-S", strconv.Itoa(*opts.StartLine))
		}
		if opts.EndLine != nil {
			args = append(args, "-E", strconv.Itoa(*opts.EndLine))
		}
	case opts.Lines > 0:
		args = append(args, "-S", fmt.Sprintf("-%d", opts.Lines), "-E", "-")
	}
	args = append(args, "-t", paneID)

	out, err := a.output(ctx, args...)
	if err != nil {
		return "", a.classify(paneID, err)
	}
	return string(out), nil
}

// SendKeys sends named keys ("Enter", "C-c"); literal switches tmux to
// byte-literal interpretation.
func (a *Adapter) SendKeys(ctx context.Context, paneID, keys string, literal bool) error {
	args := []string{"send-keys"}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, "-t", paneID, keys)
	if err := a.run(ctx, args...); err != nil {
		return a.classify(paneID, err)
	}
	return nil
}

// SendRawKeys forwards arbitrary bytes hex-encoded in two-character
// units, the only send-keys form that survives control bytes and
// multi-byte sequences unmolested.
func (a *Adapter) SendRawKeys(ctx context.Context, paneID string, data []byte) error {
	for start := 0; start < len(data); start += rawKeyBatch {
		end := start + rawKeyBatch
		if end > len(data) {
			end = len(data)
		}
		args := []string{"send-keys", "-H", "-t", paneID}
		for _, b := range data[start:end] {
			args = append(args, hex.EncodeToString([]byte{b}))
		}
		if err := a.run(ctx, args...); err != nil {
			return a.classify(paneID, err)
		}
	}
	return nil
}

// SendText types text literally, then submits it.
func (a *Adapter) SendText(ctx context.Context, paneID, text string) error {
	if err := a.SendKeys(ctx, paneID, text, true); err != nil {
		return err
	}
	return a.SendKeys(ctx, paneID, "Enter", false)
}

func (a *Adapter) SendInterrupt(ctx context.Context, paneID string) error {
	return a.SendKeys(ctx, paneID, "C-c", false)
}

func (a *Adapter) SendEOF(ctx context.Context, paneID string) error {
	return a.SendKeys(ctx, paneID, "C-d", false)
}

func (a *Adapter) SendSuspend(ctx context.Context, paneID string) error {
	return a.SendKeys(ctx, paneID, "C-z", false)
}

func (a *Adapter) PaneDimensions(ctx context.Context, paneID string) (Dimensions, error) {
	out, err := a.output(ctx, "display-message", "-p", "-t", paneID, "#{pane_width} #{pane_height}")
	if err != nil {
		return Dimensions{}, a.classify(paneID, err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return Dimensions{}, fault.Errorf(fault.External, "unexpected pane size output %q", string(out))
	}
	cols, err1 := strconv.Atoi(fields[0])
	rows, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return Dimensions{}, fault.Errorf(fault.External, "unexpected pane size output %q", string(out))
	}
	return Dimensions{Cols: cols, Rows: rows}, nil
}

func (a *Adapter) SetPaneTitle(ctx context.Context, paneID, title string) error {
	if err := a.run(ctx, "select-pane", "-t", paneID, "-T", title); err != nil {
		return a.classify(paneID, err)
	}
	return nil
}

// FocusPane brings the pane's window forward and selects it; attach-based
// clients land on it directly.
func (a *Adapter) FocusPane(ctx context.Context, paneID string) error {
	if err := a.run(ctx, "select-window", "-t", paneID); err != nil {
		return a.classify(paneID, err)
	}
	if err := a.run(ctx, "select-pane", "-t", paneID); err != nil {
		return a.classify(paneID, err)
	}
	return nil
}

func (a *Adapter) output(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := a.commandContext(ctx)
	defer cancel()
	return a.exec.Output(ctx, "tmux", a.withSocket(args...)...)
}

func (a *Adapter) run(ctx context.Context, args ...string) error {
	ctx, cancel := a.commandContext(ctx)
	defer cancel()
	return a.exec.Run(ctx, "tmux", a.withSocket(args...)...)
}

func (a *Adapter) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) withSocket(args ...string) []string {
	if a.socket == "" {
		return args
	}
	return append([]string{"-L", a.socket}, args...)
}

var errNoServer = errors.New("tmux server unavailable")

// classify maps raw tmux failures onto fault kinds. tmux reports missing
// targets with "can't find ..." and a dead server with "no server running";
// everything else is a command failure.
func (a *Adapter) classify(target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, "tmux command timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Cancelled, "tmux command cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no server running"), strings.Contains(msg, "error connecting to"):
		return &fault.Error{Kind: fault.External, Msg: "tmux server unavailable", Err: errors.Join(errNoServer, err)}
	case strings.Contains(msg, "can't find session"), strings.Contains(msg, "session not found"):
		return fault.Wrap(fault.NotFound, fmt.Sprintf("tmux session not found: %s", target), err)
	case strings.Contains(msg, "can't find window"), strings.Contains(msg, "window not found"):
		return fault.Wrap(fault.NotFound, fmt.Sprintf("tmux window not found: %s", target), err)
	case strings.Contains(msg, "can't find pane"), strings.Contains(msg, "pane not found"):
		return fault.Wrap(fault.NotFound, fmt.Sprintf("tmux pane not found: %s", target), err)
	default:
		return fault.Wrap(fault.External, "tmux command failed", err)
	}
}

// QuoteShell single-quotes input for embedding in a shell command line,
// correct in the presence of apostrophes and spaces.
func QuoteShell(input string) string {
	if input == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(input, "'", `'"'"'`) + "'"
}

func splitLines(out []byte) []string {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}
