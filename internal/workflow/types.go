package workflow


// Workflow is a parsed, validated workflow definition. It is immutable after
// parsing; matrix expansion produces a new task list rather than mutating
// the original.
type Workflow struct {
	Name               string            `yaml:"name"`
	Description        string            `yaml:"description,omitempty"`
	Env                map[string]string `yaml:"env,omitempty"`
	DefaultTimeout     Duration          `yaml:"defaultTimeout,omitempty"`
	Shell              string            `yaml:"shell,omitempty"`
	MaxParallelism     int               `yaml:"maxParallelism,omitempty"`
	StopOnFirstFailure bool              `yaml:"stopOnFirstFailure,omitempty"`
	Environment        *EnvironmentSpec  `yaml:"environment,omitempty"`
	Watch              *WatchSpec        `yaml:"watch,omitempty"`
	Webhooks           []WebhookSpec     `yaml:"webhooks,omitempty"`
	Tasks              []*Task           `yaml:"tasks"`
}

// Task returns the task with the given id, or nil.
func (w *Workflow) Task(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Task is one shell-executing unit of work.
type Task struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name,omitempty"`
	Run              string            `yaml:"run"`
	Shell            string            `yaml:"shell,omitempty"`
	WorkingDirectory string            `yaml:"workingDirectory,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	DependsOn        []string          `yaml:"dependsOn,omitempty"`
	If               string            `yaml:"if,omitempty"`
	Input            *InputSpec        `yaml:"input,omitempty"`
	Output           *OutputSpec       `yaml:"output,omitempty"`
	Timeout          Duration          `yaml:"timeout,omitempty"`
	ContinueOnError  bool              `yaml:"continueOnError,omitempty"`
	RetryCount       int               `yaml:"retryCount,omitempty"`
	RetryDelay       Duration          `yaml:"retryDelay,omitempty"`
	Matrix           *MatrixSpec       `yaml:"matrix,omitempty"`
	Environment      *EnvironmentSpec  `yaml:"environment,omitempty"`

	// MatrixValues is set only on tasks produced by matrix expansion.
	MatrixValues map[string]string `yaml:"-"`
}

// DisplayName returns the task's name, falling back to its id.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Clone returns a deep copy of the task. Expansion works on clones so the
// parsed workflow stays untouched.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Env = cloneStringMap(t.Env)
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	clone.MatrixValues = cloneStringMap(t.MatrixValues)
	if t.Input != nil {
		input := *t.Input
		clone.Input = &input
	}
	if t.Output != nil {
		output := *t.Output
		clone.Output = &output
	}
	if t.Environment != nil {
		env := t.Environment.clone()
		clone.Environment = env
	}
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InputType selects how stdin is fed to the task's child process.
type InputType string

const (
	InputNone  InputType = "none"
	InputText  InputType = "text"
	InputBytes InputType = "bytes"
	InputFile  InputType = "file"
	InputPipe  InputType = "pipe"
)

// InputSpec describes the task's stdin. Value holds the text, base64 bytes,
// or pipe expression depending on Type.
type InputSpec struct {
	Type     InputType `yaml:"type"`
	Value    string    `yaml:"value,omitempty"`
	FilePath string    `yaml:"filePath,omitempty"`
}

// OutputType selects how captured output is recorded.
type OutputType string

const (
	OutputString OutputType = "string"
	OutputBytes  OutputType = "bytes"
	OutputFile   OutputType = "file"
	OutputStream OutputType = "stream"
)

// DefaultMaxOutputBytes caps captured output when no explicit limit is set.
const DefaultMaxOutputBytes = 10 * 1024 * 1024

// OutputSpec configures output capture for a task.
type OutputSpec struct {
	Type          OutputType `yaml:"type"`
	FilePath      string     `yaml:"filePath,omitempty"`
	CaptureStderr bool       `yaml:"captureStderr,omitempty"`
	MaxSizeBytes  int64      `yaml:"maxSizeBytes,omitempty"`
}

// MaxBytes returns the effective capture cap.
func (o *OutputSpec) MaxBytes() int64 {
	if o == nil || o.MaxSizeBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return o.MaxSizeBytes
}

// EnvironmentSpec selects and configures the execution environment for a
// workflow or a single task. A task-level spec overrides the workflow-level
// spec field by field; Disabled forces local execution.
type EnvironmentSpec struct {
	Disabled bool        `yaml:"disabled,omitempty"`
	Docker   *DockerSpec `yaml:"docker,omitempty"`
	SSH      *SSHSpec    `yaml:"ssh,omitempty"`
}

func (e *EnvironmentSpec) clone() *EnvironmentSpec {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Docker != nil {
		docker := *e.Docker
		clone.Docker = &docker
	}
	if e.SSH != nil {
		ssh := *e.SSH
		clone.SSH = &ssh
	}
	return &clone
}

// Merge overlays the task-level spec onto the workflow-level spec, the task
// winning field by field.
func (e *EnvironmentSpec) Merge(override *EnvironmentSpec) *EnvironmentSpec {
	if e == nil {
		return override.clone()
	}
	if override == nil {
		return e.clone()
	}
	merged := e.clone()
	merged.Disabled = merged.Disabled || override.Disabled
	if override.Docker != nil {
		if merged.Docker == nil {
			docker := *override.Docker
			merged.Docker = &docker
		} else {
			merged.Docker.merge(override.Docker)
		}
	}
	if override.SSH != nil {
		if merged.SSH == nil {
			ssh := *override.SSH
			merged.SSH = &ssh
		} else {
			merged.SSH.merge(override.SSH)
		}
	}
	return merged
}

// DockerSpec wraps task commands in `docker exec`.
type DockerSpec struct {
	Container        string `yaml:"container"`
	User             string `yaml:"user,omitempty"`
	WorkingDirectory string `yaml:"workingDirectory,omitempty"`
	Interactive      bool   `yaml:"interactive,omitempty"`
	Privileged       bool   `yaml:"privileged,omitempty"`
}

func (d *DockerSpec) merge(override *DockerSpec) {
	if override.Container != "" {
		d.Container = override.Container
	}
	if override.User != "" {
		d.User = override.User
	}
	if override.WorkingDirectory != "" {
		d.WorkingDirectory = override.WorkingDirectory
	}
	d.Interactive = d.Interactive || override.Interactive
	d.Privileged = d.Privileged || override.Privileged
}

// SSHSpec wraps task commands in `ssh`.
type SSHSpec struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port,omitempty"`
	User                  string `yaml:"user,omitempty"`
	KeyFile               string `yaml:"keyFile,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strictHostKeyChecking,omitempty"`
}

func (s *SSHSpec) merge(override *SSHSpec) {
	if override.Host != "" {
		s.Host = override.Host
	}
	if override.Port != 0 {
		s.Port = override.Port
	}
	if override.User != "" {
		s.User = override.User
	}
	if override.KeyFile != "" {
		s.KeyFile = override.KeyFile
	}
	s.StrictHostKeyChecking = s.StrictHostKeyChecking || override.StrictHostKeyChecking
}

// WatchSpec configures the file-watch trigger source for a workflow.
type WatchSpec struct {
	Paths    []string `yaml:"paths"`
	Patterns []string `yaml:"patterns,omitempty"`
	Debounce Duration `yaml:"debounce,omitempty"`
}

// WebhookSpec configures one lifecycle-event webhook target.
type WebhookSpec struct {
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}
