// Package preview wraps caller HTML, CSS and JavaScript into one static
// document that loads nothing from the network.
package preview

import (
	"regexp"
	"strings"
	"text/template"
)

// ContentSecurityPolicy is embedded in every rendered document.
const ContentSecurityPolicy = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; " +
	"img-src data:; font-src data:; connect-src 'none'; form-action 'none'; base-uri 'none'"

// SandboxHeader is the Content-Security-Policy response header to serve the
// document with, giving it an opaque origin.
const SandboxHeader = "sandbox allow-scripts"

var document = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<meta http-equiv="Content-Security-Policy" content="{{.CSP}}">
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; }
</style>
<style>
{{.CSS}}
</style>
<script>
(function() {
    var logs = [];
    window.__consoleLogs = logs;
    ['log', 'warn', 'error'].forEach(function(level) {
        var original = console[level];
        console[level] = function() {
            var args = Array.prototype.slice.call(arguments).map(String);
            logs.push({ type: level, args: args });
            if (original) {
                original.apply(console, arguments);
            }
        };
    });
    window.addEventListener('error', function(e) {
        logs.push({ type: 'error', args: ['Script error:', String(e.message)] });
    });
})();
</script>
</head>
<body>
{{.HTML}}
<script>
try {
{{.JS}}
} catch (e) {
    console.error('Script error:', e && e.message);
}
</script>
</body>
</html>
`))

var (
	styleClose  = regexp.MustCompile(`(?i)</(style)`)
	scriptClose = regexp.MustCompile(`(?i)</(script)`)
	commentOpen = regexp.MustCompile(`<!--`)
)

// Render returns the preview document. Markup is inserted as-is; CSS and
// JavaScript are rewritten only where they would close their element early.
func Render(html, css, javascript string) string {
	var b strings.Builder
	// the template has no failure paths for string fields
	_ = document.Execute(&b, struct {
		CSP, CSS, HTML, JS string
	}{
		CSP:  ContentSecurityPolicy,
		CSS:  escapeStyle(css),
		HTML: html,
		JS:   escapeScript(javascript),
	})
	return b.String()
}

func escapeStyle(css string) string {
	return styleClose.ReplaceAllString(css, `<\/$1`)
}

func escapeScript(js string) string {
	js = scriptClose.ReplaceAllString(js, `<\/$1`)
	return commentOpen.ReplaceAllString(js, `<\!--`)
}
