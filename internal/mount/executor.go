package mount

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ssmcore/mangamerged/internal/logging"
)

var log = logging.New("mount")

// ActionKind is the kind of mount action to apply.
type ActionKind int

const (
	Mount ActionKind = iota
	Remount
	Unmount
)

func (k ActionKind) String() string {
	switch k {
	case Mount:
		return "Mount"
	case Remount:
		return "Remount"
	case Unmount:
		return "Unmount"
	default:
		return "Unknown"
	}
}

// Action is one mount reconciliation action to apply (§4.5).
type Action struct {
	Kind                ActionKind
	MountPoint          string
	DesiredIdentity     string
	BranchSpecification string
	Reason              string
}

// ActionOutcome is the tagged result of applying one Action.
type ActionOutcome int

const (
	ActionSuccess ActionOutcome = iota
	ActionFailure
)

// ActionResult carries the outcome plus a diagnostic (stderr or error text,
// truncated) for logging.
type ActionResult struct {
	Outcome    ActionOutcome
	Diagnostic string
}

const (
	stderrTruncateLimit  = 2048
	badMountPointMarker  = "bad mount point" // substring match; see §9 OQ3 on locale fragility
)

// Binaries names the external executables the executor shells out to.
// Empty fields fall back to PATH lookup of the conventional name.
type Binaries struct {
	Mergerfs   string
	Fusermount string // "fusermount" or "fusermount3"
}

func (b Binaries) mergerfs() string {
	if b.Mergerfs != "" {
		return b.Mergerfs
	}
	return "mergerfs"
}

func (b Binaries) fusermount() string {
	if b.Fusermount != "" {
		return b.Fusermount
	}
	return "fusermount"
}

// Executor wraps the external mergerfs/fusermount process facade with
// deterministic timeouts (Design Note "Process lifecycle": every exec is
// scoped to the call, no leaked processes on any exit path).
type Executor struct {
	bin     Binaries
	timeout time.Duration
}

// NewExecutor returns an Executor that enforces timeout on every
// process invocation.
func NewExecutor(bin Binaries, timeout time.Duration) *Executor {
	return &Executor{bin: bin, timeout: timeout}
}

// composeOptions normalizes a base options string and appends threads= and
// fsname= tokens per §4.5.
func composeOptions(base, desiredIdentity string) string {
	trimmed := strings.TrimSpace(base)
	trimmed = strings.TrimSuffix(trimmed, ",")
	trimmed = strings.TrimSpace(trimmed)

	var parts []string
	if trimmed != "" {
		parts = append(parts, trimmed)
	}
	if !strings.Contains(trimmed, "threads=") {
		parts = append(parts, "threads=1")
	}
	parts = append(parts, "fsname="+desiredIdentity)
	return strings.Join(parts, ",")
}

// ApplyAction executes one reconciliation action (§4.5). Remount is
// implemented as Unmount followed by Mount; the unmount result is logged
// but not itself returned, since a mount point that was never actually
// mounted still unmounts "successfully enough" to proceed.
func (e *Executor) ApplyAction(ctx context.Context, action Action, baseOptions string) ActionResult {
	switch action.Kind {
	case Mount:
		return e.applyMountOrRemount(ctx, action, baseOptions)
	case Remount:
		if res := e.applyUnmount(ctx, action); res.Outcome != ActionSuccess {
			log.Warnf("mount.remount.unmount_failed", "mountpoint=%q diagnostic=%s", action.MountPoint, res.Diagnostic)
		}
		return e.applyMountOrRemount(ctx, action, baseOptions)
	case Unmount:
		return e.applyUnmount(ctx, action)
	default:
		return ActionResult{Outcome: ActionFailure, Diagnostic: "unknown action kind"}
	}
}

func (e *Executor) applyMountOrRemount(ctx context.Context, action Action, baseOptions string) ActionResult {
	if err := os.MkdirAll(action.MountPoint, 0755); err != nil {
		return ActionResult{Outcome: ActionFailure, Diagnostic: "failed to ensure mountpoint: " + err.Error()}
	}

	options := composeOptions(baseOptions, action.DesiredIdentity)
	res := e.runMergerfs(ctx, action.BranchSpecification, action.MountPoint, options)
	if res.Outcome == ActionSuccess {
		return res
	}

	if strings.Contains(res.Diagnostic, badMountPointMarker) {
		if err := os.MkdirAll(action.MountPoint, 0755); err != nil {
			return ActionResult{Outcome: ActionFailure, Diagnostic: "retry mkdir failed: " + err.Error()}
		}
		return e.runMergerfs(ctx, action.BranchSpecification, action.MountPoint, options)
	}
	return res
}

func (e *Executor) runMergerfs(ctx context.Context, branchSpec, mountPoint, options string) ActionResult {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.bin.mergerfs(), "-o", options, branchSpec, mountPoint)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		diag := truncate(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		log.Warnf("mount.action.failed", "mountpoint=%q err=%v stderr=%q", mountPoint, err, diag)
		return ActionResult{Outcome: ActionFailure, Diagnostic: diag}
	}
	return ActionResult{Outcome: ActionSuccess}
}

func (e *Executor) applyUnmount(ctx context.Context, action Action) ActionResult {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.bin.fusermount(), "-u", action.MountPoint)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		diag := truncate(stderr.String())
		log.Warnf("mount.unmount.failed", "mountpoint=%q err=%v stderr=%q", action.MountPoint, err, diag)
		// Best-effort low-priority cleanup retry; the lazy-unmount result
		// governs the final outcome either way.
		cleanupCtx, cleanupCancel := context.WithTimeout(ctx, e.timeout)
		defer cleanupCancel()
		cleanupCmd := exec.CommandContext(cleanupCtx, "ionice", "-c3", e.bin.fusermount(), "-uz", action.MountPoint)
		if cleanupErr := cleanupCmd.Run(); cleanupErr != nil {
			return ActionResult{Outcome: ActionFailure, Diagnostic: diag}
		}
		return ActionResult{Outcome: ActionSuccess}
	}
	return ActionResult{Outcome: ActionSuccess}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTruncateLimit {
		return s
	}
	return s[:stderrTruncateLimit]
}
