package sandbox

import (
	"encoding/json"
	"strings"
	"text/template"
)

// launcherTemplate is the Python program that wraps caller code. Everything it
// needs lives inside _main so the module namespace reachable from caller code
// holds nothing useful. Values are inserted as JSON literals, which Python
// parses as the equivalent str/list literals.
var launcherTemplate = template.Must(template.New("launcher").Parse(`def _main():
    import builtins, resource, sys, traceback, linecache, tokenize, types
    import ast, collections, dataclasses, re

    def limit(res, value):
        try:
            resource.setrlimit(res, (value, value))
        except (ValueError, OSError):
            pass

    limit(resource.RLIMIT_AS, {{.MemoryBytes}})
    limit(resource.RLIMIT_CPU, {{.CPUSecs}})
    limit(resource.RLIMIT_NOFILE, {{.OpenFiles}})
    limit(resource.RLIMIT_NPROC, 0)

    marker = {{.Marker}}

    def fail():
        sys.stdout.flush()
        sys.stderr.write(marker + "\n")
        traceback.print_exc()
        sys.stderr.flush()
        return 1

    try:
        code = compile({{.Source}}, "<sandbox>", "exec")
    except Exception:
        return fail()

    forbidden = frozenset({{.Forbidden}})
    allowed = frozenset({{.Allowed}})
    real_import = builtins.__import__
    real_eval = builtins.eval
    real_exec = builtins.exec
    real_compile = builtins.compile
    getframe = sys._getframe
    modules = sys.modules

    def gate(name, globals=None, locals=None, fromlist=(), level=0):
        # Imports made by a loaded module's own code pass through; anything
        # else, including code run against a borrowed module namespace, is
        # gated.
        frame = getframe(1)
        caller = frame.f_globals
        module = caller.get("__name__")
        owner = modules.get(module)
        trusted = (owner is not None and getattr(owner, "__dict__", None) is caller
                   and frame.f_code.co_filename in (getattr(owner, "__file__", None), "<frozen %s>" % module))
        if not trusted:
            base = name.partition(".")[0]
            if level or base in forbidden or name in forbidden:
                raise ImportError("Import of '%s' is not allowed in sandbox" % name)
            if base not in allowed and name not in allowed:
                raise ImportError("Import of '%s' is not allowed. Only safe standard library imports are permitted." % name)
        return real_import(name, globals, locals, fromlist, level)

    # namedtuple and dataclass build methods from generated source and ast
    # parses with compile. Each module gets a stand-in that accepts only what
    # it needs.
    tuple_new = re.compile(r"lambda _cls, (?P<a>(?:[^\W\d]\w*(?:, [^\W\d]\w*)*,?)?): _tuple_new\(_cls, \((?P=a)\)\)")
    create_fn = re.compile(r"def __create_fn__\((?:[^\W\d]\w*(?:, ?[^\W\d]\w*)*)?\):\n")

    def template_eval(source, namespace=None):
        if type(source) is not str or not tuple_new.fullmatch(source):
            raise NameError("name 'eval' is not defined")
        return real_eval(source, namespace)

    def template_exec(source, namespace=None, local=None):
        if type(source) is not str or not create_fn.match(source):
            raise NameError("name 'exec' is not defined")
        return real_exec(source, namespace, local)

    def code_exec(code, namespace=None, local=None):
        if type(code) is not types.CodeType:
            raise NameError("name 'exec' is not defined")
        return real_exec(code, namespace, local)

    def tree_compile(source, filename, mode, flags=0, *args, **kwargs):
        if not flags & ast.PyCF_ONLY_AST:
            raise NameError("name 'compile' is not defined")
        return real_compile(source, filename, mode, flags, *args, **kwargs)

    vars(collections)["eval"] = template_eval
    vars(dataclasses)["exec"] = template_exec
    vars(ast)["compile"] = tree_compile
    for loader in ("_frozen_importlib", "_frozen_importlib_external"):
        vars(modules[loader])["exec"] = code_exec

    builtins.__import__ = gate
    for name in ("open", "eval", "exec", "compile", "input", "breakpoint"):
        if hasattr(builtins, name):
            delattr(builtins, name)

    sandbox = types.ModuleType("__sandbox__")
    sandbox.__builtins__ = builtins
    modules["__sandbox__"] = sandbox
    try:
        real_exec(code, vars(sandbox))
    except SystemExit:
        raise
    except BaseException:
        return fail()
    sys.stdout.flush()
    return 0


raise SystemExit(_main())
`))

type launcherData struct {
	MemoryBytes int64
	CPUSecs     int
	OpenFiles   int
	Marker      string
	Source      string
	Forbidden   string
	Allowed     string
}

// renderLauncher embeds req.Code in the launcher program.
func renderLauncher(req ExecutionRequest, policy *Policy) (string, error) {
	data := launcherData{
		MemoryBytes: int64(req.MemoryLimitMB) * 1024 * 1024,
		CPUSecs:     req.TimeoutSeconds + 1,
		OpenFiles:   policy.OpenFiles,
	}

	var err error
	if data.Marker, err = pyLiteral(UncaughtMarker); err != nil {
		return "", err
	}
	if data.Source, err = pyLiteral(req.Code); err != nil {
		return "", err
	}
	if data.Forbidden, err = pyLiteral(policy.ForbiddenImports); err != nil {
		return "", err
	}
	if data.Allowed, err = pyLiteral(policy.AllowedImports); err != nil {
		return "", err
	}

	var b strings.Builder
	if err := launcherTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// pyLiteral encodes v as JSON. For strings and lists of strings the JSON text
// is also a valid Python literal with the same value.
func pyLiteral(v any) (string, error) {
	if list, ok := v.([]string); ok && list == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
