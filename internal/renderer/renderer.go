package renderer

import (
	"html/template"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/damacus/iron-tree/internal/utils"
)

// TemplateRenderer implements echo.Renderer
type TemplateRenderer struct {
	Templates map[string]*template.Template
}

// Funcs are the helpers available to every template.
var Funcs = template.FuncMap{
	"formatBytes": utils.FormatBytes,
	"formatSpeed": utils.FormatSpeed,
	"percent":     percent,
}

func percent(p float64) string {
	return strconv.FormatFloat(p, 'f', 0, 64) + "%"
}

// New creates a TemplateRenderer with the templates under dir pre-parsed
func New(dir string) *TemplateRenderer {
	r := &TemplateRenderer{
		Templates: make(map[string]*template.Template),
	}
	r.parseTemplates(dir)
	return r
}

func (t *TemplateRenderer) parseTemplates(dir string) {
	file := func(rel string) string { return filepath.Join(dir, rel) }
	partials := []string{
		file("partials/file_tree.html"),
		file("partials/upload_queue.html"),
	}

	// Pages get the layout plus the partials they embed
	parse := func(name, pageFile string) {
		files := append([]string{file("layouts/base.html"), file("pages/" + pageFile)}, partials...)
		t.Templates[name] = template.Must(template.New(name).Funcs(Funcs).ParseFiles(files...))
	}
	parse("browser", "browser.html")

	// Login is standalone
	t.Templates["login"] = template.Must(template.New("login").Funcs(Funcs).ParseFiles(file("pages/login.html")))
	// Error fragment
	t.Templates["login_error"] = template.Must(template.New("login_error").Parse(`<div id="error-message" class="text-red-500 text-sm text-center block mb-4">{{.}}</div>`))
	// Partials
	t.Templates["upload_modal"] = template.Must(template.New("upload_modal").Funcs(Funcs).ParseFiles(file("partials/upload_modal.html")))
	t.Templates["upload_queue"] = template.Must(template.New("upload_queue").Funcs(Funcs).ParseFiles(file("partials/upload_queue.html")))
}

// selfExecutingTemplates lists templates that execute their own named block instead of "base"
var selfExecutingTemplates = map[string]bool{
	"login_error":  true,
	"upload_modal": true,
	"upload_queue": true,
}

// Render renders a template document
func (t *TemplateRenderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	tmpl, ok := t.Templates[name]
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "Template not found: "+name)
	}

	// Templates that define their own named block execute that block directly
	if selfExecutingTemplates[name] {
		return tmpl.ExecuteTemplate(w, name, data)
	}
	// All other templates (pages with layout) execute the "base" block
	return tmpl.ExecuteTemplate(w, "base", data)
}
