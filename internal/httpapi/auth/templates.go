package auth

import (
	"embed"
	"html/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// pageTemplates holds every page the router renders, keyed by the define
// name inside each template file.
var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))
