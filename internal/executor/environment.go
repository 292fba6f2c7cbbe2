// Package executor implements the task-execution contract: it prepares one
// task (condition, input, interpolation), selects an execution environment
// (local shell, docker exec, ssh), and runs the child process with
// streaming capture, timeout, and retry.
package executor

import (
	"fmt"
	"sort"
	"strings"

	"engine/internal/workflow"
)

// Invocation is a fully prepared command ready to be wrapped by an
// execution environment.
type Invocation struct {
	Shell      string
	Run        string
	WorkingDir string
	// Env is the declared environment (workflow + task, interpolated).
	// Containerized environments forward exactly this set; the local
	// environment additionally inherits the host.
	Env map[string]string
}

// Environment wraps an invocation into a concrete argv. Lower priority
// wins when several environments apply.
type Environment interface {
	Name() string
	Priority() int
	Applies(spec *workflow.EnvironmentSpec) bool
	Argv(spec *workflow.EnvironmentSpec, inv Invocation) []string
}

const (
	prioritySSH    = 10
	priorityDocker = 20
	priorityLocal  = 100
)

// ResolveEnvironment merges the workflow- and task-level environment specs
// (task winning field by field) and picks the applicable environment with
// the lowest priority. A disabled merged spec forces local execution.
func ResolveEnvironment(chain []Environment, wf *workflow.Workflow, task *workflow.Task) (Environment, *workflow.EnvironmentSpec) {
	var wfSpec *workflow.EnvironmentSpec
	if wf != nil {
		wfSpec = wf.Environment
	}
	merged := wfSpec.Merge(task.Environment)

	sorted := append([]Environment(nil), chain...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	if merged != nil && merged.Disabled {
		for _, env := range sorted {
			if env.Priority() == priorityLocal {
				return env, merged
			}
		}
	}

	for _, env := range sorted {
		if env.Applies(merged) {
			return env, merged
		}
	}
	// The chain always carries a local environment; this is a safety net
	// for hand-built chains in tests.
	return localEnvironment{}, merged
}

// DefaultChain returns the built-in environments.
func DefaultChain() []Environment {
	return []Environment{sshEnvironment{}, dockerEnvironment{}, localEnvironment{}}
}

type localEnvironment struct{}

func (localEnvironment) Name() string                           { return "local" }
func (localEnvironment) Priority() int                          { return priorityLocal }
func (localEnvironment) Applies(*workflow.EnvironmentSpec) bool { return true }

func (localEnvironment) Argv(_ *workflow.EnvironmentSpec, inv Invocation) []string {
	return []string{inv.Shell, "-c", inv.Run}
}

type dockerEnvironment struct{}

func (dockerEnvironment) Name() string  { return "docker" }
func (dockerEnvironment) Priority() int { return priorityDocker }

func (dockerEnvironment) Applies(spec *workflow.EnvironmentSpec) bool {
	return spec != nil && !spec.Disabled && spec.Docker != nil && spec.Docker.Container != ""
}

func (dockerEnvironment) Argv(spec *workflow.EnvironmentSpec, inv Invocation) []string {
	docker := spec.Docker
	argv := []string{"docker", "exec"}
	if docker.Interactive {
		argv = append(argv, "-it")
	}
	if docker.Privileged {
		argv = append(argv, "--privileged")
	}
	if docker.User != "" {
		argv = append(argv, "--user", docker.User)
	}
	workingDir := docker.WorkingDirectory
	if workingDir == "" {
		workingDir = inv.WorkingDir
	}
	if workingDir != "" {
		argv = append(argv, "-w", workingDir)
	}
	for _, key := range sortedKeys(inv.Env) {
		argv = append(argv, "-e", fmt.Sprintf("%s=%s", key, inv.Env[key]))
	}
	return append(argv, docker.Container, inv.Shell, "-c", inv.Run)
}

type sshEnvironment struct{}

func (sshEnvironment) Name() string  { return "ssh" }
func (sshEnvironment) Priority() int { return prioritySSH }

func (sshEnvironment) Applies(spec *workflow.EnvironmentSpec) bool {
	return spec != nil && !spec.Disabled && spec.SSH != nil && spec.SSH.Host != ""
}

func (sshEnvironment) Argv(spec *workflow.EnvironmentSpec, inv Invocation) []string {
	ssh := spec.SSH
	argv := []string{"ssh"}
	if ssh.Port != 0 {
		argv = append(argv, "-p", fmt.Sprintf("%d", ssh.Port))
	}
	if ssh.KeyFile != "" {
		argv = append(argv, "-i", ssh.KeyFile)
	}
	if !ssh.StrictHostKeyChecking {
		argv = append(argv, "-o", "StrictHostKeyChecking=no")
	}
	target := ssh.Host
	if ssh.User != "" {
		target = ssh.User + "@" + ssh.Host
	}
	return append(argv, target, fmt.Sprintf("%s -c %s", inv.Shell, shellQuote(inv.Run)))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
