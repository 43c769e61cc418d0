package sandbox

import (
	"path/filepath"
	"reflect"
	"slices"
	"testing"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !slices.Contains(p.AllowedImports, "math") {
		t.Error("math not allowed")
	}
	for _, name := range []string{"os", "subprocess", "socket"} {
		if !slices.Contains(p.ForbiddenImports, name) {
			t.Errorf("%s not forbidden", name)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, `
allowed_imports: [math, json]
default_timeout_seconds: 10
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(p.AllowedImports, []string{"math", "json"}) {
		t.Errorf("AllowedImports = %v", p.AllowedImports)
	}
	if p.DefaultTimeoutSeconds != 10 {
		t.Errorf("DefaultTimeoutSeconds = %d", p.DefaultTimeoutSeconds)
	}
	// untouched fields keep their defaults
	if p.DefaultMemoryMB != 128 {
		t.Errorf("DefaultMemoryMB = %d", p.DefaultMemoryMB)
	}
	if !slices.Equal(p.ForbiddenImports, Default().ForbiddenImports) {
		t.Errorf("ForbiddenImports = %v", p.ForbiddenImports)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "allowed_imports: [math"},
		{"empty allow list", "allowed_imports: []"},
		{"bad module name", "allowed_imports: [\"math; import os\"]"},
		{"timeout above ceiling", "default_timeout_seconds: 600"},
		{"memory below floor", "default_memory_mb: 1"},
		{"stdout above ceiling", "max_stdout_bytes: 1000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			writePolicy(t, path, tt.body)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestNormalize(t *testing.T) {
	p := Default()
	tests := []struct {
		name string
		in   ExecutionRequest
		want ExecutionRequest
	}{
		{
			name: "defaults",
			in:   ExecutionRequest{Code: "x"},
			want: ExecutionRequest{Code: "x", Language: "python", TimeoutSeconds: 30, MemoryLimitMB: 128},
		},
		{
			name: "clamped high",
			in:   ExecutionRequest{Language: "Python3", TimeoutSeconds: 500, MemoryLimitMB: 1 << 20},
			want: ExecutionRequest{Language: "python", TimeoutSeconds: 60, MemoryLimitMB: 1024},
		},
		{
			name: "clamped low",
			in:   ExecutionRequest{Language: "py", TimeoutSeconds: -5, MemoryLimitMB: 2},
			want: ExecutionRequest{Language: "python", TimeoutSeconds: 1, MemoryLimitMB: 16},
		},
		{
			name: "other language kept",
			in:   ExecutionRequest{Language: " Ruby ", TimeoutSeconds: 5, MemoryLimitMB: 64},
			want: ExecutionRequest{Language: "ruby", TimeoutSeconds: 5, MemoryLimitMB: 64},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Normalize(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize = %+v, want %+v", got, tt.want)
			}
		})
	}
}
