package mail

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"
)

const (
	// TemplateEndingNotification renders the per-user list of rentals ending soon.
	TemplateEndingNotification = "ending_notification"
	// TemplateMonthlyReport renders the monthly per-course digest.
	TemplateMonthlyReport = "monthly_report"

	dateTimeLayout = "02.01.2006 15:04"
)

var ErrUnknownTemplate = errors.New("mail: unknown template")

const endingNotificationTemplate = `Hello {{.Email}},

the following courses end soon:
{{range .Courses}}{{.Code}} active until {{datetime .ExpiresAt}}
{{end}}`

const monthlyReportTemplate = `Report for {{.Period}}
from {{datetime .Start}} to {{datetime .End}}

{{range .Courses}}{{.Code}} | {{.Type}} | {{.Count}} | {{.Sum}}
{{else}}no payments
{{end}}
Total: {{.Total}}
`

// TemplateRenderer renders the fixed set of billing templates.
type TemplateRenderer struct {
	templates *template.Template
}

// NewTemplateRenderer parses the built-in templates.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	functions := template.FuncMap{"datetime": formatDateTime}
	root := template.New("billing").Funcs(functions)
	sources := map[string]string{
		TemplateEndingNotification: endingNotificationTemplate,
		TemplateMonthlyReport:      monthlyReportTemplate,
	}
	for name, source := range sources {
		if _, err := root.New(name).Parse(source); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
	}
	return &TemplateRenderer{templates: root}, nil
}

// Render executes templateKey against data.
func (renderer *TemplateRenderer) Render(templateKey string, data any) (string, error) {
	selected := renderer.templates.Lookup(templateKey)
	if selected == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateKey)
	}
	var buffer bytes.Buffer
	if err := selected.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("render %s: %w", templateKey, err)
	}
	return buffer.String(), nil
}

func formatDateTime(value time.Time) string {
	return value.UTC().Format(dateTimeLayout)
}
