package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/courier/internal/models"
)

const (
	runFile      = "run.json"
	progressFile = "progress.json"
	contextFile  = "context.md"
	protocolFile = "PROTOCOL.md"
	cancelFile   = "cancel.requested"
	stepsDir     = "steps"
	workDir      = "work"
)

// Root is the directory holding one workspace per run.
type Root struct {
	Dir string
}

func NewRoot(dir string) *Root {
	return &Root{Dir: dir}
}

type Workspace struct {
	RunID string
	Path  string
}

// Create lays out a new run directory. It fails if the run already has one.
func (r *Root) Create(runID string) (*Workspace, error) {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return nil, models.NewError(models.KindWriteFailure, "create workspace", err)
	}

	w := &Workspace{RunID: runID, Path: filepath.Join(r.Dir, runID)}
	if err := os.Mkdir(w.Path, 0755); err != nil {
		return nil, models.NewError(models.KindWriteFailure, "create workspace", err)
	}

	for _, dir := range []string{filepath.Join(w.Path, stepsDir), w.WorkDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, models.NewError(models.KindWriteFailure, "create workspace",
				fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	if err := os.WriteFile(w.ProtocolPath(), []byte(protocolContent), 0644); err != nil {
		return nil, models.NewError(models.KindWriteFailure, "create workspace", err)
	}
	header := fmt.Sprintf("# Run %s\n\nNotes appended by each completed step, oldest first.\n", runID)
	if err := os.WriteFile(w.ContextPath(), []byte(header), 0644); err != nil {
		return nil, models.NewError(models.KindWriteFailure, "create workspace", err)
	}

	return w, nil
}

func (r *Root) Open(runID string) (*Workspace, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, models.Errorf(models.KindInvalidInput, "open workspace", "invalid run id %q", runID)
	}
	path := filepath.Join(r.Dir, runID)
	if _, err := os.Stat(filepath.Join(path, runFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.Errorf(models.KindNotFound, "open workspace", "run %s does not exist", runID)
		}
		return nil, fmt.Errorf("failed to stat run %s: %w", runID, err)
	}
	return &Workspace{RunID: runID, Path: path}, nil
}

// RunIDs lists every run that has a record, sorted by id.
func (r *Root) RunIDs() ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.Dir, e.Name(), runFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (w *Workspace) RunPath() string      { return filepath.Join(w.Path, runFile) }
func (w *Workspace) ProgressPath() string { return filepath.Join(w.Path, progressFile) }
func (w *Workspace) ContextPath() string  { return filepath.Join(w.Path, contextFile) }
func (w *Workspace) ProtocolPath() string { return filepath.Join(w.Path, protocolFile) }
func (w *Workspace) WorkDir() string      { return filepath.Join(w.Path, workDir) }

// StepDir is where the prompt and output of one attempt live.
func (w *Workspace) StepDir(stepID string, attempt int) string {
	return filepath.Join(w.Path, stepsDir, fmt.Sprintf("%s-%d", stepID, attempt))
}

func (w *Workspace) WriteRun(run *models.WorkflowRun) error {
	if err := WriteJSON(w.RunPath(), run); err != nil {
		return models.NewError(models.KindWriteFailure, "write run", err)
	}
	return nil
}

func (w *Workspace) ReadRun() (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := readJSON(w.RunPath(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (w *Workspace) WriteProgress(snap models.ProgressSnapshot) error {
	if err := WriteJSON(w.ProgressPath(), snap); err != nil {
		return models.NewError(models.KindWriteFailure, "write progress", err)
	}
	return nil
}

func (w *Workspace) ReadProgress() (*models.ProgressSnapshot, error) {
	var snap models.ProgressSnapshot
	if err := readJSON(w.ProgressPath(), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WriteStepPrompt stores the prompt of an attempt and returns its path.
func (w *Workspace) WriteStepPrompt(stepID string, attempt int, prompt string) (string, error) {
	return w.writeStepFile(stepID, attempt, "prompt.md", prompt)
}

// WriteStepOutput stores the raw output of an attempt and returns its path.
func (w *Workspace) WriteStepOutput(stepID string, attempt int, output string) (string, error) {
	return w.writeStepFile(stepID, attempt, "output.txt", output)
}

func (w *Workspace) writeStepFile(stepID string, attempt int, name, content string) (string, error) {
	dir := w.StepDir(stepID, attempt)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", models.NewError(models.KindWriteFailure, "write step file", err)
	}
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, []byte(content)); err != nil {
		return "", models.NewError(models.KindWriteFailure, "write step file", err)
	}
	return path, nil
}

// AppendContext adds a section to context.md for later steps to read.
func (w *Workspace) AppendContext(heading, body string) error {
	f, err := os.OpenFile(w.ContextPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return models.NewError(models.KindWriteFailure, "append context", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n## %s\n\n%s\n", heading, strings.TrimSpace(body)); err != nil {
		return models.NewError(models.KindWriteFailure, "append context", err)
	}
	return nil
}

// RequestCancel leaves a marker the owning engine observes at the next
// step boundary.
func (w *Workspace) RequestCancel() error {
	if err := os.WriteFile(filepath.Join(w.Path, cancelFile), nil, 0644); err != nil {
		return models.NewError(models.KindWriteFailure, "request cancel", err)
	}
	return nil
}

func (w *Workspace) CancelRequested() bool {
	_, err := os.Stat(filepath.Join(w.Path, cancelFile))
	return err == nil
}

// WriteJSON atomically replaces path with the indented JSON of v.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Errorf(models.KindNotFound, "read", "%s not found", filepath.Base(path))
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

const protocolContent = `# Step Protocol

You are one step in a workflow run. Other steps work before and after you.

## Reading Context

1. Read ` + "`context.md`" + ` in the run directory for notes left by earlier steps
2. Your prompt lists any reviewer feedback or user input meant for you

## Reporting Your Result

**IMPORTANT:** End your output with exactly one JSON object. Print no other
JSON objects.

Task steps report a status:
` + "```" + `json
{"status": "done", "summary": "what you did"}
` + "```" + `

Use ` + "`\"needs_input\"`" + ` with a ` + "`\"question\"`" + ` field when you cannot continue
without an answer from the user, or ` + "`\"failed\"`" + ` when the task cannot be done.

Review steps report a decision:
` + "```" + `json
{"decision": "reject", "feedback": "what must change"}
` + "```" + `

Valid decisions are ` + "`approve`" + ` and ` + "`reject`" + `.

## Sending Files

Write ` + "`[send_file: /absolute/path]`" + ` in your summary to attach a file to the
reply sent back to the user.
`
