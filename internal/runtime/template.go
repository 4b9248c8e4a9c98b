package runtime

import (
	"regexp"
	"strconv"
	"strings"

	pongo2 "github.com/flosch/pongo2/v6"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

func init() {
	_ = pongo2.RegisterFilter("lookup", filterLookup)
}

// filterLookup indexes a string map by the filter parameter. Anything that
// is not a map, or a missing key, gives an empty string.
func filterLookup(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	key := param.String()
	switch m := in.Interface().(type) {
	case map[string]string:
		return pongo2.AsValue(m[key]), nil
	case map[string]map[string]string:
		if v, ok := m[key]; ok {
			return pongo2.AsValue(v), nil
		}
	}
	return pongo2.AsValue(""), nil
}

var referencePattern = regexp.MustCompile(`@(results|extra|contact|run|flow)((?:\.[A-Za-z0-9_\-]+)+)`)

// expandReferences rewrites @results.key, @results.key.category, @extra.key,
// @contact.uuid, @run.uuid and @flow.uuid as template variables. A full stop
// after a reference is never part of it. Unknown references stay as written.
func expandReferences(text string) string {
	return referencePattern.ReplaceAllStringFunc(text, func(ref string) string {
		m := referencePattern.FindStringSubmatch(ref)
		path := strings.TrimPrefix(m[2], ".")

		switch m[1] {
		case "results":
			key, field, _ := strings.Cut(path, ".")
			switch field {
			case "":
				field = "value"
			case "value", "category":
			default:
				return ref
			}
			return "{{ results|lookup:" + strconv.Quote(key) + "|lookup:" + strconv.Quote(field) + " }}"
		case "extra":
			return "{{ extra|lookup:" + strconv.Quote(path) + " }}"
		case "contact", "run", "flow":
			if path == "uuid" {
				return "{{ " + m[1] + "|lookup:\"uuid\" }}"
			}
		}
		return ref
	})
}

func templateContext(run *domain.Run) pongo2.Context {
	results := make(map[string]map[string]string, len(run.Results))
	for key, r := range run.Results {
		category := r.Category
		if r.CategoryLocalized != "" {
			category = r.CategoryLocalized
		}
		results[key] = map[string]string{"value": r.Value, "category": category, "name": r.Name}
	}
	extra := run.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	return pongo2.Context{
		"results": results,
		"extra":   extra,
		"contact": map[string]string{"uuid": run.ContactUUID},
		"run":     map[string]string{"uuid": run.UUID},
		"flow":    map[string]string{"uuid": run.FlowUUID},
	}
}

// substitute renders text against run. Flow authors may write @references
// or template tags ({{ results.color.value }}, {% if %}). Text that fails to
// render is returned as written.
func (e *Engine) substitute(text string, run *domain.Run) string {
	if !strings.ContainsAny(text, "@{") {
		return text
	}
	src := "{% autoescape off %}" + expandReferences(text) + "{% endautoescape %}"
	tpl, err := pongo2.FromString(src)
	if err == nil {
		var out string
		if out, err = tpl.Execute(templateContext(run)); err == nil {
			return out
		}
	}
	e.logger.Warn("failed to render template", "run_uuid", run.UUID, "error", err)
	return text
}
