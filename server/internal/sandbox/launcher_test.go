package sandbox

import (
	"strings"
	"testing"
)

func TestRenderLauncher(t *testing.T) {
	p := Default()
	req := p.Normalize(ExecutionRequest{Code: "print(\"hi\")\n'''\"\"\"\\", MemoryLimitMB: 64, TimeoutSeconds: 5})

	program, err := renderLauncher(req, p)
	if err != nil {
		t.Fatalf("renderLauncher: %v", err)
	}

	for _, want := range []string{
		"resource.RLIMIT_AS, 67108864",
		"resource.RLIMIT_CPU, 6",
		`compile("print(\"hi\")\n'''\"\"\"\\", "<sandbox>", "exec")`,
		`"[sandbox] uncaught exception"`,
		`"subprocess"`,
		// removed from the shared builtins module, not a copy of it
		`for name in ("open", "eval", "exec", "compile", "input", "breakpoint"):`,
		"delattr(builtins, name)",
		`vars(collections)["eval"] = template_eval`,
		`vars(dataclasses)["exec"] = template_exec`,
	} {
		if !strings.Contains(program, want) {
			t.Errorf("program missing %q", want)
		}
	}
	if !strings.HasSuffix(program, "raise SystemExit(_main())\n") {
		t.Error("program does not end by running _main")
	}
}

func TestRenderLauncherEmptyForbidden(t *testing.T) {
	p := Default()
	p.ForbiddenImports = nil
	program, err := renderLauncher(p.Normalize(ExecutionRequest{Code: "pass"}), p)
	if err != nil {
		t.Fatalf("renderLauncher: %v", err)
	}
	if !strings.Contains(program, "forbidden = frozenset([])") {
		t.Error("empty forbidden list not rendered as []")
	}
}

func TestPyLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"a\"b", `"a\"b"`},
		{"line\nbreak", `"line\nbreak"`},
		{[]string{"math", "json"}, `["math","json"]`},
		{[]string(nil), `[]`},
	}
	for _, tt := range tests {
		got, err := pyLiteral(tt.in)
		if err != nil {
			t.Fatalf("pyLiteral(%v): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("pyLiteral(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
