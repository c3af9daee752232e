package restwriter

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/restfile"
)

// WriteFile replaces path with content through a temp file in the same
// directory. An existing file keeps its permissions.
func WriteFile(path, content string) error {
	if strings.TrimSpace(path) == "" {
		return errdef.New(errdef.CodeFilesystem, "writer: destination path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: create directory")
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".kvile-*.http")
	if err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := io.WriteString(tmp, content); err != nil {
		_ = tmp.Close()
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: close temp file")
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: set file mode")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "writer: rename temp file")
	}
	return nil
}

// RenderRequest serializes one request block. The output always opens with
// a ### separator and ends with a newline.
func RenderRequest(req *restfile.Request) string {
	var b strings.Builder

	b.WriteString("###")
	if name := strings.TrimSpace(req.Name); name != "" {
		b.WriteString(" ")
		b.WriteString(name)
	}
	b.WriteString("\n")

	renderMetadata(&b, req.Metadata)
	renderScript(&b, "<", req.PreScript)

	b.WriteString(RequestLine(req))
	b.WriteString("\n")
	renderHeaders(&b, req.Headers)

	if body := strings.TrimSpace(req.BodyText()); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	if strings.TrimSpace(req.PostScript) != "" {
		b.WriteString("\n")
		renderScript(&b, ">", req.PostScript)
	}
	return b.String()
}

// RequestLine is the method line without a trailing newline.
func RequestLine(req *restfile.Request) string {
	m := strings.ToUpper(strings.TrimSpace(req.Method))
	if m == "" {
		m = "GET"
	}
	line := m + " " + strings.TrimSpace(req.URL)
	if v := strings.TrimSpace(req.HTTPVersion); v != "" {
		line += " " + v
	}
	return line
}

func renderMetadata(b *strings.Builder, meta map[string]string) {
	for _, key := range restfile.SortedKeys(meta) {
		b.WriteString("# @")
		b.WriteString(key)
		if val := strings.TrimSpace(meta[key]); val != "" {
			b.WriteString(" ")
			b.WriteString(val)
		}
		b.WriteString("\n")
	}
}

func renderScript(b *strings.Builder, marker, script string) {
	script = strings.TrimSpace(script)
	if script == "" {
		return
	}
	b.WriteString(marker)
	b.WriteString(" {%\n")
	for _, line := range strings.Split(script, "\n") {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("%}\n")
}

func renderHeaders(b *strings.Builder, hdr map[string]string) {
	for _, name := range restfile.SortedKeys(hdr) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(hdr[name])
		b.WriteString("\n")
	}
}
