// Package workflow runs named CR workflows defined in YAML: ordered tasks
// grouped into pre-CR, during-CR and post-CR phases.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crguard/internal/crguard"
)

// Phase names, in execution order.
const (
	PhasePreCR    = "pre_cr"
	PhaseDuringCR = "during_cr"
	PhasePostCR   = "post_cr"
)

// Failure policies.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
)

// DefaultTaskTimeout bounds a task without an explicit timeout.
const DefaultTaskTimeout = 10 * time.Minute

const maxErrorLength = 500

// Phases lists the phases in the order they run.
var Phases = []string{PhasePreCR, PhaseDuringCR, PhasePostCR}

// Step is one task invocation.
type Step struct {
	Args      map[string]any `yaml:"args"`
	Task      string         `yaml:"task"`
	Command   string         `yaml:"command"` // Alias of task
	OnFailure string         `yaml:"on_failure"`
	Timeout   time.Duration  `yaml:"timeout"`
}

// Name returns the task name.
func (s Step) Name() string {
	if s.Task != "" {
		return s.Task
	}
	return s.Command
}

func (s Step) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTaskTimeout
}

func (s Step) stops() bool {
	return s.OnFailure == "" || s.OnFailure == OnFailureStop
}

// Workflow maps phase names to their steps.
type Workflow map[string][]Step

// File is a parsed workflow file.
type File struct {
	Workflows map[string]Workflow `yaml:"workflows"`
}

// Load reads and parses a workflow file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read workflow file: %w", crguard.ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes a workflow file without validating task names.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: failed to parse workflow file: %w", crguard.ErrConfig, err)
	}
	return &f, nil
}

// Names returns the workflow names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Workflows))
	for name := range f.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskFunc executes one task. A non-nil error fails the step.
type TaskFunc func(ctx context.Context, args map[string]any) error

// Registry maps task names to their implementations.
type Registry map[string]TaskFunc

// Validate reports every structural problem in the file. Tasks are checked
// against reg when it is non-nil.
func (f *File) Validate(reg Registry) error {
	var errs []error
	if len(f.Workflows) == 0 {
		errs = append(errs, errors.New("no workflows defined"))
	}
	for _, name := range f.Names() {
		wf := f.Workflows[name]
		if len(wf) == 0 {
			errs = append(errs, fmt.Errorf("workflow %q has no phases (%s)", name, strings.Join(Phases, ", ")))
			continue
		}
		for phase := range wf {
			if !knownPhase(phase) {
				errs = append(errs, fmt.Errorf("workflow %q: unknown phase %q", name, phase))
			}
		}
		for _, phase := range Phases {
			for i, step := range wf[phase] {
				where := fmt.Sprintf("workflow %q phase %s step %d", name, phase, i)
				switch {
				case step.Name() == "":
					errs = append(errs, fmt.Errorf("%s: missing task", where))
				case reg != nil && reg[step.Name()] == nil:
					errs = append(errs, fmt.Errorf("%s: unknown task %q", where, step.Name()))
				}
				if step.OnFailure != "" && step.OnFailure != OnFailureStop && step.OnFailure != OnFailureContinue {
					errs = append(errs, fmt.Errorf("%s: on_failure must be %s or %s, got %q",
						where, OnFailureStop, OnFailureContinue, step.OnFailure))
				}
				if step.Timeout < 0 {
					errs = append(errs, fmt.Errorf("%s: timeout must not be negative", where))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", crguard.ErrConfig, errors.Join(errs...))
	}
	return nil
}

func knownPhase(phase string) bool {
	for _, p := range Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// TaskResult is the outcome of one step.
type TaskResult struct {
	Args     map[string]any `json:"args,omitempty"`
	Task     string         `json:"task"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Success  bool           `json:"success"`
	DryRun   bool           `json:"dry_run,omitempty"`
}

// PhaseResult groups the results of one phase.
type PhaseResult struct {
	Phase string       `json:"phase"`
	Tasks []TaskResult `json:"tasks"`
}

// Result is the outcome of a workflow run.
type Result struct {
	Workflow    string        `json:"workflow"`
	Phases      []PhaseResult `json:"phases"`
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Stopped     bool          `json:"stopped"` // A stop-on-failure task failed
}

// ExitCode is 2 when most tasks failed, 1 when any failed, else 0.
func (r Result) ExitCode() int {
	switch {
	case r.Failed == 0:
		return 0
	case r.Failed > r.Successful:
		return 2
	default:
		return 1
	}
}

// Runner executes workflows against a task registry.
type Runner struct {
	Tasks  Registry
	DryRun bool
}

// Run executes one workflow, all phases or only phase when it is non-empty.
func (r *Runner) Run(ctx context.Context, f *File, name, phase string) (Result, error) {
	wf, ok := f.Workflows[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: workflow %q not found (available: %s)",
			crguard.ErrConfig, name, strings.Join(f.Names(), ", "))
	}
	phases := Phases
	if phase != "" {
		if _, ok := wf[phase]; !ok {
			return Result{}, fmt.Errorf("%w: phase %q not found in workflow %q", crguard.ErrConfig, phase, name)
		}
		phases = []string{phase}
	}
	if err := (&File{Workflows: map[string]Workflow{name: wf}}).Validate(r.Tasks); err != nil {
		return Result{}, err
	}

	start := time.Now()
	log.Printf("[INFO] Executing workflow %s", name)
	res := Result{Workflow: name}
	for _, p := range phases {
		steps, ok := wf[p]
		if !ok {
			continue
		}
		log.Printf("[INFO] Executing phase %s (%d tasks)", p, len(steps))
		pr := PhaseResult{Phase: p, Tasks: make([]TaskResult, 0, len(steps))}
		for _, step := range steps {
			if err := ctx.Err(); err != nil {
				res.Phases = append(res.Phases, pr)
				return res, err
			}
			tr := r.runStep(ctx, step)
			pr.Tasks = append(pr.Tasks, tr)
			res.Total++
			if tr.Success {
				res.Successful++
				continue
			}
			res.Failed++
			if step.stops() {
				res.Stopped = true
				break
			}
		}
		res.Phases = append(res.Phases, pr)
		if res.Stopped {
			log.Printf("[WARN] Workflow %s stopped in phase %s after a failed task", name, p)
			break
		}
	}
	if res.Total > 0 {
		res.SuccessRate = float64(res.Successful) / float64(res.Total) * 100
	}

	log.Printf("[INFO] Workflow %s completed in %v: %d/%d tasks succeeded",
		name, time.Since(start), res.Successful, res.Total)
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) TaskResult {
	tr := TaskResult{Task: step.Name(), Args: step.Args}
	if r.DryRun {
		log.Printf("[INFO] [DRY RUN] Would execute task %s %v", tr.Task, step.Args)
		tr.Success, tr.DryRun = true, true
		return tr
	}

	ctx, cancel := context.WithTimeout(ctx, step.timeout())
	defer cancel()

	start := time.Now()
	log.Printf("[INFO] Executing task %s", tr.Task)
	err := r.Tasks[tr.Task](ctx, step.Args)
	tr.Duration = time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timed out after %v: %w", step.timeout(), err)
		}
		tr.Error = err.Error()
		if len(tr.Error) > maxErrorLength {
			tr.Error = tr.Error[:maxErrorLength] + "..."
		}
		log.Printf("[ERROR] Task %s failed in %v: %v", tr.Task, tr.Duration, err)
		return tr
	}
	tr.Success = true
	crguard.Debugf("Task %s completed in %v", tr.Task, tr.Duration)
	return tr
}

// Flags renders task args as command-line flags: snake_case keys become
// --kebab-case, booleans are bare flags, lists repeat the flag. Keys are
// sorted.
func Flags(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		switch v := args[k].(type) {
		case bool:
			if v {
				out = append(out, flag)
			}
		case []any:
			for _, item := range v {
				out = append(out, flag, fmt.Sprint(item))
			}
		case nil:
			out = append(out, flag)
		default:
			out = append(out, flag, fmt.Sprint(v))
		}
	}
	return out
}
