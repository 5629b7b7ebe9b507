package booking

import (
	"fmt"
	"strings"
)

// Tool names offered to generation.
const (
	ToolVerifyPatient    = "verify_or_create_patient"
	ToolResolvePhysician = "resolve_physician"
	ToolSelectPhysician  = "select_physician_from_matches"
	ToolFindSlots        = "find_available_slots"
	ToolBookAppointment  = "book_appointment"
)

// Param describes one string argument of a tool.
type Param struct {
	Name        string
	Description string
	Format      string
	Required    bool
}

// Tool is a named operation generation may request, with its argument
// schema.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// Required lists the names of required arguments in declaration order.
func (t Tool) Required() []string {
	var out []string
	for _, p := range t.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Schema renders the argument schema as a JSON Schema object, the shape
// every provider's function-calling API accepts.
func (t Tool) Schema() map[string]any {
	props := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		prop := map[string]any{
			"type":        "string",
			"description": p.Description,
		}
		if p.Format != "" {
			prop["format"] = p.Format
		}
		props[p.Name] = prop
	}
	required := t.Required()
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Registry is the fixed, ordered catalogue of booking tools.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry builds a registry from tools, keeping their order.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Name] = t
	}
	return r
}

// DefaultRegistry returns the five booking tools.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Tool{
			Name:        ToolVerifyPatient,
			Description: "Look up the caller's patient record by full name and date of birth, creating one if none exists. Call this before anything else.",
			Params: []Param{
				{Name: "full_name", Description: "Patient's first and last name.", Required: true},
				{Name: "date_of_birth", Description: "Patient's date of birth as YYYY-MM-DD.", Format: "date", Required: true},
			},
		},
		Tool{
			Name:        ToolResolvePhysician,
			Description: "Find the physician the caller wants to see by name. Requires a verified patient.",
			Params: []Param{
				{Name: "physician_name", Description: "The physician's name as the caller said it.", Required: true},
			},
		},
		Tool{
			Name:        ToolSelectPhysician,
			Description: "Choose one physician after several matched a name. Pass the option number or the name the caller picked.",
			Params: []Param{
				{Name: "selection", Description: "Option number (1-based) or physician name.", Required: true},
			},
		},
		Tool{
			Name:        ToolFindSlots,
			Description: "List open appointment times with the chosen physician on a date. Requires a verified patient and a chosen physician.",
			Params: []Param{
				{Name: "date", Description: "Appointment date as YYYY-MM-DD.", Format: "date", Required: true},
			},
		},
		Tool{
			Name:        ToolBookAppointment,
			Description: "Book one of the times just offered. Pass the option number or the time the caller picked.",
			Params: []Param{
				{Name: "selection", Description: "Option number (1-based) or time, e.g. \"2:30 PM\".", Required: true},
				{Name: "visit_reason", Description: "Short reason for the visit, if the caller gave one."},
			},
		},
	)
}

// Tools returns the catalogue in declaration order.
func (r *Registry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the tool names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name)
	}
	return names
}

// StringArg reads a trimmed string argument. Numbers are accepted and
// formatted, since models sometimes send option numbers unquoted.
func StringArg(args map[string]any, name string) string {
	switch v := args[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// MissingArguments lists required arguments of tool that are absent or
// blank in args.
func (r *Registry) MissingArguments(tool string, args map[string]any) ([]string, error) {
	t, ok := r.byName[tool]
	if !ok {
		return nil, fmt.Errorf("booking: unknown tool %q", tool)
	}
	var missing []string
	for _, name := range t.Required() {
		if StringArg(args, name) == "" {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
