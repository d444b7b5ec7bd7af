// Package catalog loads the workload catalog: what can be deployed and run, and how.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrWorkloadNotFound is returned for unknown workload ids.
var ErrWorkloadNotFound = errors.New("workload not found")

// ServiceKind distinguishes raw stream services from interactive UIs.
type ServiceKind string

const (
	KindStream ServiceKind = "stream"
	KindUI     ServiceKind = "ui"
)

// Workload is one catalog entry.
type Workload struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	Deploy      DeploySpec `yaml:"deploy" json:"deploy"`
	Run         *RunSpec   `yaml:"run,omitempty" json:"run,omitempty"`
}

// DeploySpec describes the install step.
type DeploySpec struct {
	// Script is the local path of the install script, relative to the catalog file.
	Script string `yaml:"local_script_path" json:"local_script_path"`
	// ScriptInline is used when no script path is given.
	ScriptInline string        `yaml:"script_inline,omitempty" json:"script_inline,omitempty"`
	RemoteDir    string        `yaml:"remote_dir" json:"remote_dir"`
	ScriptName   string        `yaml:"remote_script_name" json:"remote_script_name"`
	Elevated     bool          `yaml:"run_as_sudo" json:"run_as_sudo"`
	MarkerPath   string        `yaml:"marker_path,omitempty" json:"marker_path,omitempty"`
	PrecheckCmd  string        `yaml:"precheck_cmd,omitempty" json:"precheck_cmd,omitempty"`
	Version      string        `yaml:"version,omitempty" json:"version,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RunSpec describes how to start and reach the service.
type RunSpec struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Payload is the local path of a runtime file uploaded before start.
	Payload     string `yaml:"payload_path,omitempty" json:"payload_path,omitempty"`
	PayloadName string `yaml:"remote_payload_name,omitempty" json:"remote_payload_name,omitempty"`
	// Command is a shell command. {port}, {remote_dir}, {bind_host} and {payload} are substituted.
	Command        string          `yaml:"command" json:"command"`
	Port           int             `yaml:"remote_port" json:"remote_port"`
	AlternatePorts []int           `yaml:"alternate_ports,omitempty" json:"alternate_ports,omitempty"`
	BindHost       string          `yaml:"bind_host,omitempty" json:"bind_host,omitempty"`
	ReadinessPath  string          `yaml:"readiness_path,omitempty" json:"readiness_path,omitempty"`
	StreamPath     string          `yaml:"stream_path,omitempty" json:"stream_path,omitempty"`
	UIPath         string          `yaml:"ui_path,omitempty" json:"ui_path,omitempty"`
	Kind           ServiceKind     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Capability     *CapabilitySpec `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// CapabilitySpec is a one-shot hardware or environment probe.
type CapabilitySpec struct {
	Command  string        `yaml:"command" json:"command"`
	Expect   string        `yaml:"expect,omitempty" json:"expect,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Elevated bool          `yaml:"elevated,omitempty" json:"elevated,omitempty"`
}

type file struct {
	Workloads []Workload `yaml:"workloads"`
	Demos     []Workload `yaml:"demos"`
}

// Catalog is an immutable set of workloads.
type Catalog struct {
	byID  map[string]*Workload
	order []string
}

// Load reads a YAML or JSON catalog. A top-level list or a "workloads" or "demos" key is accepted.
func Load(p string) (*Catalog, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, filepath.Dir(p))
}

// Parse decodes catalog data. Relative script paths resolve against baseDir.
func Parse(data []byte, baseDir string) (*Catalog, error) {
	var workloads []Workload
	var f file
	if err := yaml.Unmarshal(data, &f); err == nil && len(f.Workloads)+len(f.Demos) > 0 {
		workloads = append(f.Workloads, f.Demos...)
	} else if err := yaml.Unmarshal(data, &workloads); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(workloads, baseDir)
}

// New validates workloads and applies defaults.
func New(workloads []Workload, baseDir string) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Workload)}
	for i := range workloads {
		w := workloads[i]
		if err := w.normalize(baseDir); err != nil {
			return nil, fmt.Errorf("workload %q: %w", w.ID, err)
		}
		if _, dup := c.byID[w.ID]; dup {
			return nil, fmt.Errorf("duplicate workload id %q", w.ID)
		}
		c.byID[w.ID] = &w
		c.order = append(c.order, w.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

func (w *Workload) normalize(baseDir string) error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("id is required")
	}
	if w.Name == "" {
		w.Name = w.ID
	}

	d := &w.Deploy
	if d.Script == "" && d.ScriptInline == "" {
		return errors.New("deploy requires local_script_path or script_inline")
	}
	if d.Script != "" && !filepath.IsAbs(d.Script) && baseDir != "" {
		d.Script = filepath.Join(baseDir, d.Script)
	}
	if d.RemoteDir == "" {
		d.RemoteDir = "~/jetdeploy/" + w.ID
	}
	if d.ScriptName == "" {
		if d.Script != "" {
			d.ScriptName = filepath.Base(d.Script)
		} else {
			d.ScriptName = "install.sh"
		}
	}
	if strings.Contains(d.ScriptName, "/") {
		return errors.New("remote_script_name must be a plain file name")
	}
	if d.Version == "" {
		d.Version = "1"
	}

	if w.Run == nil {
		return nil
	}
	r := w.Run
	if r.Command == "" && r.Enabled {
		return errors.New("run requires a command")
	}
	if r.Enabled && (r.Port <= 0 || r.Port > 65535) {
		return fmt.Errorf("invalid remote_port %d", r.Port)
	}
	if r.Payload != "" && !filepath.IsAbs(r.Payload) && baseDir != "" {
		r.Payload = filepath.Join(baseDir, r.Payload)
	}
	if r.Payload != "" && r.PayloadName == "" {
		r.PayloadName = filepath.Base(r.Payload)
	}
	if r.ReadinessPath == "" {
		r.ReadinessPath = "/health"
	}
	if r.StreamPath == "" {
		r.StreamPath = "/video"
	}
	if r.UIPath == "" {
		r.UIPath = "/"
	}
	switch r.Kind {
	case "":
		r.Kind = KindStream
	case KindStream, KindUI:
	default:
		return fmt.Errorf("unknown run kind %q", r.Kind)
	}
	if r.Capability != nil {
		if r.Capability.Command == "" {
			return errors.New("capability requires a command")
		}
		if r.Capability.Expect == "" {
			r.Capability.Expect = "OK"
		}
		if r.Capability.Timeout == 0 {
			r.Capability.Timeout = 30 * time.Second
		}
	}
	return nil
}

// Get returns a workload by id.
func (c *Catalog) Get(id string) (*Workload, error) {
	w, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkloadNotFound, id)
	}
	return w, nil
}

// List returns all workloads ordered by id.
func (c *Catalog) List() []Workload {
	out := make([]Workload, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

// Artifact returns the install script contents.
func (d DeploySpec) Artifact() ([]byte, error) {
	if d.Script == "" {
		return []byte(d.ScriptInline), nil
	}
	data, err := os.ReadFile(d.Script)
	if err != nil {
		return nil, fmt.Errorf("read deploy script: %w", err)
	}
	return data, nil
}

// PrecheckCommand returns precheck_cmd with {remote_dir} substituted.
func (d DeploySpec) PrecheckCommand(remoteDir string) string {
	return strings.ReplaceAll(d.PrecheckCmd, "{remote_dir}", remoteDir)
}

// PayloadData returns the runtime payload contents, or nil when there is none.
func (r RunSpec) PayloadData() ([]byte, error) {
	if r.Payload == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("read run payload: %w", err)
	}
	return data, nil
}

// Expand substitutes placeholders in the run command.
func (r RunSpec) Expand(remoteDir string, port int) string {
	bind := r.BindHost
	if bind == "" {
		bind = "0.0.0.0"
	}
	payload := ""
	if r.PayloadName != "" {
		payload = path.Join(remoteDir, r.PayloadName)
	}
	return strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{remote_dir}", remoteDir,
		"{bind_host}", bind,
		"{payload}", payload,
	).Replace(r.Command)
}

// LoopbackOnly reports whether the service binds only to the loopback interface.
func (r RunSpec) LoopbackOnly() bool {
	switch r.BindHost {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

// Candidates returns the declared port followed by fallback ports.
// Without explicit alternates, span consecutive ports after the declared one are used.
func (r RunSpec) Candidates(span int) []int {
	ports := []int{r.Port}
	if len(r.AlternatePorts) > 0 {
		for _, p := range r.AlternatePorts {
			if p != r.Port {
				ports = append(ports, p)
			}
		}
		return ports
	}
	for i := 1; i <= span && r.Port+i <= 65535; i++ {
		ports = append(ports, r.Port+i)
	}
	return ports
}

// ValidateRemoteDir checks an operator supplied directory override.
func ValidateRemoteDir(dir string) error {
	if dir == "" {
		return errors.New("remote dir is empty")
	}
	if !strings.HasPrefix(dir, "/") {
		return fmt.Errorf("remote dir %q must be absolute", dir)
	}
	if strings.ContainsAny(dir, " \t\r\n") {
		return fmt.Errorf("remote dir %q must not contain whitespace", dir)
	}
	return nil
}

// ResolveDir expands a leading ~ and relative paths against the remote home directory.
func ResolveDir(home, dir string) string {
	switch {
	case dir == "~":
		return home
	case strings.HasPrefix(dir, "~/"):
		return path.Join(home, dir[2:])
	case !path.IsAbs(dir) && home != "":
		return path.Join(home, dir)
	}
	return path.Clean(dir)
}
