package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hard ceilings that a policy file cannot raise.
const (
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 60
	MinMemoryMB       = 16
	MaxMemoryMB       = 1024
	MaxStdoutBytes    = 50000
	MaxStderrBytes    = 10000
)

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Policy controls what sandboxed code may import and the default limits.
type Policy struct {
	AllowedImports   []string `yaml:"allowed_imports" json:"allowed_imports"`
	ForbiddenImports []string `yaml:"forbidden_imports" json:"forbidden_imports"`

	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
	DefaultMemoryMB       int `yaml:"default_memory_mb" json:"default_memory_mb"`
	OpenFiles             int `yaml:"open_files" json:"open_files"`

	MaxStdoutBytes int `yaml:"max_stdout_bytes" json:"max_stdout_bytes"`
	MaxStderrBytes int `yaml:"max_stderr_bytes" json:"max_stderr_bytes"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		AllowedImports: []string{
			"math", "random", "json", "re", "datetime", "time",
			"collections", "itertools", "functools", "operator",
			"string", "textwrap", "unicodedata",
			"decimal", "fractions", "statistics",
			"copy", "pprint", "dataclasses",
			"typing", "enum", "abc",
			"hashlib", "hmac", "base64", "binascii",
			"heapq", "bisect", "array",
			"calendar", "locale",
		},
		ForbiddenImports: []string{
			// System access
			"os", "sys", "subprocess", "shutil", "pathlib",
			// File system
			"io", "tempfile",
			// Network
			"socket", "urllib", "http", "ftplib", "smtplib", "ssl",
			"requests", "httpx", "aiohttp",
			// Code execution
			"importlib", "builtins", "runpy", "pickle", "marshal",
			// Process management
			"multiprocessing", "threading", "concurrent", "signal",
			// Introspection
			"ctypes", "gc", "inspect", "code",
			// Databases
			"sqlite3", "psycopg2", "mysql", "pymongo",
		},
		DefaultTimeoutSeconds: 30,
		DefaultMemoryMB:       128,
		OpenFiles:             16,
		MaxStdoutBytes:        MaxStdoutBytes,
		MaxStderrBytes:        MaxStderrBytes,
	}
}

// Load reads a YAML policy file. Fields missing from the file keep their
// default values.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read sandbox policy: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse sandbox policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate sandbox policy: %w", err)
	}
	return p, nil
}

// Validate checks the policy for errors.
func (p *Policy) Validate() error {
	if len(p.AllowedImports) == 0 {
		return errors.New("allowed_imports must not be empty")
	}
	for _, list := range [][]string{p.AllowedImports, p.ForbiddenImports} {
		for _, name := range list {
			if !moduleName.MatchString(name) {
				return fmt.Errorf("invalid module name: %q", name)
			}
		}
	}
	if p.DefaultTimeoutSeconds < MinTimeoutSeconds || p.DefaultTimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("default_timeout_seconds must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if p.DefaultMemoryMB < MinMemoryMB || p.DefaultMemoryMB > MaxMemoryMB {
		return fmt.Errorf("default_memory_mb must be between %d and %d", MinMemoryMB, MaxMemoryMB)
	}
	if p.OpenFiles < 4 || p.OpenFiles > 256 {
		return errors.New("open_files must be between 4 and 256")
	}
	if p.MaxStdoutBytes < 1 || p.MaxStdoutBytes > MaxStdoutBytes {
		return fmt.Errorf("max_stdout_bytes must be between 1 and %d", MaxStdoutBytes)
	}
	if p.MaxStderrBytes < 1 || p.MaxStderrBytes > MaxStderrBytes {
		return fmt.Errorf("max_stderr_bytes must be between 1 and %d", MaxStderrBytes)
	}
	return nil
}

// Normalize fills defaults and clamps limits into the allowed ranges.
func (p *Policy) Normalize(req ExecutionRequest) ExecutionRequest {
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" || req.Language == "py" || req.Language == "python3" {
		req.Language = LanguagePython
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = p.DefaultTimeoutSeconds
	}
	req.TimeoutSeconds = clamp(req.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	if req.MemoryLimitMB == 0 {
		req.MemoryLimitMB = p.DefaultMemoryMB
	}
	req.MemoryLimitMB = clamp(req.MemoryLimitMB, MinMemoryMB, MaxMemoryMB)
	return req
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
