package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultPrompt is the idle shell prompt of the stock debian-i386 guest snapshot
const DefaultPrompt = "root@debian-i386:~#"

// Substitution points accepted by project templates
const (
	VarInstallDir = "install_dir"
	VarInputFile  = "input_file"
)

// requiredFields are the descriptor keys a run cannot start without.
// library_path may legitimately be empty; the rest may not.
var requiredFields = []string{
	"qemu",
	"snapshot",
	"directory",
	"command",
	"qcow",
	"name",
	"tarfile",
	"library_path",
	"db",
	"panda_os_string",
}

// Project is the per-target descriptor. The same JSON file is handed to the
// bug-finding tool, so it is decoded as-is rather than through viper (which
// would lowercase env keys).
type Project struct {
	Qemu        string            `json:"qemu"`
	Snapshot    string            `json:"snapshot"`
	Directory   string            `json:"directory"`
	Command     string            `json:"command"`
	Qcow        string            `json:"qcow"`
	Name        string            `json:"name"`
	Tarfile     string            `json:"tarfile"`
	LibraryPath string            `json:"library_path"`
	DB          string            `json:"db"`
	PandaOS     string            `json:"panda_os_string"`
	Prompt      string            `json:"prompt,omitempty"`
	Expect      string            `json:"expect,omitempty"`
	Env         map[string]string `json:"env,omitempty"`

	// Path is the absolute path of the descriptor file
	Path string `json:"-"`

	// chaff and useStdin are switched on by the mere presence of their key,
	// whatever its value
	chaff    bool
	useStdin bool

	command     *Template
	libraryPath *Template
}

// ValidationError lists every problem found in a project descriptor
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid project %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// LoadProject reads and validates a project descriptor. It has no side effects
// beyond reading path.
func LoadProject(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}

	return ParseProject(abs, data)
}

// ParseProject decodes and validates descriptor contents
func ParseProject(path string, data []byte) (*Project, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Path: path, Problems: []string{fmt.Sprintf("unparseable descriptor: %v", err)}}
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Path: path, Problems: []string{fmt.Sprintf("unparseable descriptor: %v", err)}}
	}
	p.Path = path

	if err := p.validate(raw); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Project) validate(raw map[string]json.RawMessage) error {
	var problems []string

	_, p.chaff = raw["chaff"]
	_, p.useStdin = raw["use_stdin"]

	for _, field := range requiredFields {
		v, ok := raw[field]
		if !ok || string(v) == "null" {
			problems = append(problems, fmt.Sprintf("missing required field %q", field))
		}
	}

	nonEmpty := map[string]string{
		"qemu":            p.Qemu,
		"snapshot":        p.Snapshot,
		"directory":       p.Directory,
		"command":         p.Command,
		"qcow":            p.Qcow,
		"name":            p.Name,
		"tarfile":         p.Tarfile,
		"db":              p.DB,
		"panda_os_string": p.PandaOS,
	}
	keys := make([]string, 0, len(nonEmpty))
	for k := range nonEmpty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, present := raw[k]; present && strings.TrimSpace(nonEmpty[k]) == "" {
			problems = append(problems, fmt.Sprintf("field %q must not be empty", k))
		}
	}

	if p.Command != "" {
		t, err := ParseTemplate(p.Command, VarInstallDir, VarInputFile)
		if err != nil {
			problems = append(problems, fmt.Sprintf("command: %v", err))
		}
		p.command = t
	}

	t, err := ParseTemplate(p.LibraryPath, VarInstallDir)
	if err != nil {
		problems = append(problems, fmt.Sprintf("library_path: %v", err))
	}
	p.libraryPath = t

	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			problems = append(problems, fmt.Sprintf("env: invalid variable name %q", k))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Path: p.Path, Problems: problems}
	}
	return nil
}

// WorkDir returns <directory>/<name>, where the build and all run outputs live
func (p *Project) WorkDir() string {
	return filepath.Join(p.Directory, p.Name)
}

// ConsolePrompt returns the guest shell idle marker
func (p *Project) ConsolePrompt() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	return DefaultPrompt
}

// Expectation returns the marker printed once the target command has finished
func (p *Project) Expectation() string {
	if p.Expect != "" {
		return p.Expect
	}
	return p.ConsolePrompt()
}

// UsesChaff reports whether untainted values should also be logged
func (p *Project) UsesChaff() bool {
	return p.chaff
}

// UsesStdin reports whether the target reads its input from standard input
func (p *Project) UsesStdin() bool {
	return p.useStdin
}

// ReadsInputFile reports whether the target is handed the input path, either
// on its command line or by reading standard input
func (p *Project) ReadsInputFile() bool {
	if p.useStdin {
		return true
	}
	for _, name := range p.command.Names() {
		if name == VarInputFile {
			return true
		}
	}
	return false
}

// GuestCommand substitutes the install directory and guest input path into the command template
func (p *Project) GuestCommand(installDir, inputFile string) string {
	return p.command.Expand(map[string]string{
		VarInstallDir: installDir,
		VarInputFile:  inputFile,
	})
}

// GuestLibraryPath substitutes the install directory into the library path template
func (p *Project) GuestLibraryPath(installDir string) string {
	return p.libraryPath.Expand(map[string]string{VarInstallDir: installDir})
}
