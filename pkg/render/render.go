// Package render evaluates the templates actions use to build their config
// spec and script list at launch time.
//
// Templates are text/template with the hermetic sprig function set plus
// include. Missing keys are errors.
package render

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cuemby/stackman/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 100

func includeFunc(t *template.Template, depth map[string]int) func(string, any) (string, error) {
	return func(name string, data any) (string, error) {
		if depth[name] > maxIncludeDepth {
			return "", fmt.Errorf("template %q includes itself too deeply", name)
		}
		depth[name]++
		defer func() { depth[name]-- }()

		var buf strings.Builder
		err := t.ExecuteTemplate(&buf, name, data)
		return buf.String(), err
	}
}

func newTemplate(name string) *template.Template {
	t := template.New(name).Option("missingkey=error")
	funcs := sprig.HermeticTxtFuncMap()
	funcs["include"] = includeFunc(t, map[string]int{})
	return t.Funcs(funcs)
}

// Render executes a template against data
func Render(name, text string, data any) (string, error) {
	t, err := newTemplate(name).Parse(text)
	if err != nil {
		return "", errdefs.Wrap(errdefs.InvalidInput, err, "failed to parse template %s", name)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", errdefs.Wrap(errdefs.InvalidInput, err, "failed to render template %s", name)
	}
	return buf.String(), nil
}

// RenderYAML renders a template and decodes the output as YAML
func RenderYAML(name, text string, data any) (any, error) {
	out, err := Render(name, text, data)
	if err != nil {
		return nil, err
	}
	var v any
	if err := yaml.Unmarshal([]byte(out), &v); err != nil {
		return nil, errdefs.Wrap(errdefs.InvalidInput, err, "template %s did not render valid YAML", name)
	}
	return v, nil
}
