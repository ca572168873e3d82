package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/nugget/counselor-agent/internal/llm"
)

// Tool describes one callable operation.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Mutates marks tools that change records. They never write during
	// execution; they return a pending confirmation instead.
	Mutates bool `json:"mutates"`

	newArgs func() Args
}

// Registry holds the available tools. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	tools    map[string]*Tool
	order    []string
	validate *validator.Validate
}

// NewRegistry creates a registry with every counselor tool registered.
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	r := &Registry{tools: make(map[string]*Tool), validate: v}
	r.registerBuiltins()
	return r
}

var reflector = &jsonschema.Reflector{
	DoNotReference:             true,
	ExpandedStruct:             true,
	RequiredFromJSONSchemaTags: true,
}

// register adds a tool whose arguments decode into A. P is inferred
// as *A.
func register[A any, P interface {
	*A
	Args
}](r *Registry, name, description string, mutates bool) {
	var zero A
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		Parameters:  schemaFor(zero),
		Mutates:     mutates,
		newArgs:     func() Args { return P(new(A)) },
	}
	r.order = append(r.order, name)
}

// schemaFor reflects the JSON schema of an argument struct into the
// plain map form the completion engines expect.
func schemaFor(v any) map[string]any {
	s := reflector.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("decode schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	m["type"] = "object"
	return m
}

func (r *Registry) registerBuiltins() {
	register[GetStudentsArgs](r, "get_students",
		"List the counselor's students. Filter by GPA range, graduation year, or status, or search by name or email.", false)
	register[GetStudentArgs](r, "get_student",
		"Get one student's full record by id.", false)
	register[CreateStudentArgs](r, "create_student",
		"Add a new student. Requires confirmation by the counselor before it is saved.", true)
	register[UpdateStudentArgs](r, "update_student",
		"Change fields on a student. Only the fields given are changed. Requires confirmation.", true)
	register[DeleteStudentArgs](r, "delete_student",
		"Delete a student and everything attached to them. Requires confirmation.", true)

	register[GetTasksArgs](r, "get_tasks",
		"List tasks, optionally for one student, by status or priority, or due before a date.", false)
	register[GetUpcomingDeadlinesArgs](r, "get_upcoming_deadlines",
		"List open tasks, essays, and college applications due within the next N days.", false)
	register[CreateTaskArgs](r, "create_task",
		"Create a task or deadline, optionally for a student. Requires confirmation.", true)
	register[UpdateTaskArgs](r, "update_task",
		"Change fields on a task. Requires confirmation.", true)
	register[CompleteTaskArgs](r, "complete_task",
		"Mark a task completed. Requires confirmation.", true)
	register[DeleteTaskArgs](r, "delete_task",
		"Delete a task. Requires confirmation.", true)

	register[GetEssaysArgs](r, "get_essays",
		"List essays, optionally for one student or by status.", false)
	register[GetEssayArgs](r, "get_essay",
		"Get one essay including its prompt and content.", false)
	register[CreateEssayArgs](r, "create_essay",
		"Create an essay for a student. Requires confirmation.", true)
	register[UpdateEssayArgs](r, "update_essay",
		"Change an essay's title, prompt, content, status, or due date. Requires confirmation.", true)
	register[DeleteEssayArgs](r, "delete_essay",
		"Delete an essay. Requires confirmation.", true)

	register[GetCollegesArgs](r, "get_colleges",
		"Search the counselor's college list by name, city, or state.", false)
	register[GetStudentCollegesArgs](r, "get_student_colleges",
		"List the colleges on a student's list with application type, status, and deadline.", false)
	register[AddStudentCollegeArgs](r, "add_student_college",
		"Add a college to a student's list. Requires confirmation.", true)
	register[UpdateStudentCollegeArgs](r, "update_student_college",
		"Change the application type, status, or deadline of a student's college. Requires confirmation.", true)
	register[RemoveStudentCollegeArgs](r, "remove_student_college",
		"Remove a college from a student's list. Requires confirmation.", true)

	register[GetNotesArgs](r, "get_notes",
		"List counselor notes, optionally for one student, newest first.", false)
	register[CreateNoteArgs](r, "create_note",
		"Write a note, optionally about a student. Requires confirmation.", true)
	register[DeleteNoteArgs](r, "delete_note",
		"Delete a note. Requires confirmation.", true)

	register[GetInsightsArgs](r, "get_insights",
		"List active insights the assistant has raised about the caseload.", false)
	register[DismissInsightArgs](r, "dismiss_insight",
		"Dismiss an insight so it is no longer shown. Requires confirmation.", true)

	register[GetDashboardSummaryArgs](r, "get_dashboard_summary",
		"Summarize the caseload: student count, open and overdue tasks, essays by status, upcoming deadlines, and active insights.", false)
	register[GetStudentOverviewArgs](r, "get_student_overview",
		"Everything about one student in a single call: profile, tasks, essays, colleges, and recent notes.", false)
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// List returns every tool in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the tool list in the form sent to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Decode parses and validates raw arguments for the named tool.
// Unknown names return [*UnknownToolError]; bad arguments return
// [*ValidationError].
func (r *Registry) Decode(name string, raw json.RawMessage) (Args, error) {
	t := r.tools[name]
	if t == nil {
		return nil, &UnknownToolError{ToolName: name}
	}
	norm, err := llm.NormalizeArguments(raw)
	if err != nil {
		return nil, &ValidationError{ToolName: name, Err: err}
	}
	args := t.newArgs()
	if norm, err = coerceNumbers(norm, reflect.TypeOf(args)); err != nil {
		return nil, &ValidationError{ToolName: name, Err: err}
	}
	// Unknown keys are rejected so a misspelled filter cannot silently
	// widen a query.
	dec := json.NewDecoder(bytes.NewReader(norm))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, &ValidationError{ToolName: name, Err: err}
	}
	if err := r.validate.Struct(args); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, &ValidationError{ToolName: name, Fields: describe(verrs), Err: err}
		}
		return nil, &ValidationError{ToolName: name, Err: err}
	}
	return args, nil
}

func describe(verrs validator.ValidationErrors) []string {
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			out = append(out, field+" is required")
		case "gte", "min":
			out = append(out, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "lte", "max":
			out = append(out, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "datetime":
			out = append(out, field+" must be a date in YYYY-MM-DD form")
		case "email":
			out = append(out, field+" must be an email address")
		case "len":
			out = append(out, fmt.Sprintf("%s must be %s characters", field, fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return out
}
