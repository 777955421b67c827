package templates

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Template names
const (
	NginxSite = "nginx-site"
)

//go:embed nginx-site.template
var nginxSiteTemplate string

var builtin = map[string]string{
	NginxSite: nginxSiteTemplate,
}

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the search paths for templates
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "sitebox", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// An override is looked up in the following order before falling back to
// the built-in template:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/sitebox/templates/<name>.template
func GetTemplate(name string) (string, error) {
	def, ok := builtin[name]
	if !ok {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	return def, nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution.
//
// Example:
//
//	data := TemplateData{
//	    "DOMAIN": "example.duckdns.org",
//	    "WEB_ROOT": "/var/www/html",
//	}
//	rendered, err := Render(NginxSite, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}

	if i := strings.Index(rendered, "{{"); i >= 0 {
		end := strings.Index(rendered[i:], "}}")
		if end > 0 {
			return "", fmt.Errorf("template %s: unresolved placeholder %s", templateName, rendered[i:i+end+2])
		}
	}

	return rendered, nil
}

// RenderNginxSite renders the nginx site serving webRoot for domain.
func RenderNginxSite(domain, webRoot string) (string, error) {
	return Render(NginxSite, TemplateData{
		"DOMAIN":   domain,
		"WEB_ROOT": webRoot,
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	_, ok := builtin[name]
	return ok
}
