package records

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Table names.
const (
	TableStudents        = "students"
	TableTasks           = "tasks"
	TableEssays          = "essays"
	TableColleges        = "colleges"
	TableStudentColleges = "student_colleges"
	TableNotes           = "notes"
	TableInsights        = "agent_insights"
	TableRuns            = "agent_runs"
)

// TimeLayout is the fixed-width text form of stored timestamps. Fixed
// width keeps lexical and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Kind is the storage class of a column.
type Kind int

// Column kinds.
const (
	KindText Kind = iota
	KindInt
	KindReal
	KindJSON
	KindTime
)

// Column describes one column of a domain table.
type Column struct {
	Name       string
	Kind       Kind
	Required   bool
	References string // parent table; deletes cascade
	Check      []string
}

// Table describes a domain table. Every table additionally carries id,
// counselor_id, created_at and updated_at, which the store manages.
type Table struct {
	Name    string
	Columns []Column
	Unique  [][]string
}

var managedColumns = []Column{
	{Name: "id", Kind: KindText, Required: true},
	{Name: "counselor_id", Kind: KindText, Required: true},
	{Name: "created_at", Kind: KindTime, Required: true},
	{Name: "updated_at", Kind: KindTime, Required: true},
}

var schema = []Table{
	{Name: TableStudents, Columns: []Column{
		{Name: "first_name", Kind: KindText, Required: true},
		{Name: "last_name", Kind: KindText, Required: true},
		{Name: "email", Kind: KindText},
		{Name: "phone", Kind: KindText},
		{Name: "graduation_year", Kind: KindInt},
		{Name: "gpa", Kind: KindReal},
		{Name: "sat_score", Kind: KindInt},
		{Name: "act_score", Kind: KindInt},
		{Name: "intended_major", Kind: KindText},
		{Name: "status", Kind: KindText},
	}},
	{Name: TableTasks, Columns: []Column{
		{Name: "student_id", Kind: KindText, References: TableStudents},
		{Name: "title", Kind: KindText, Required: true},
		{Name: "description", Kind: KindText},
		{Name: "due_date", Kind: KindText},
		{Name: "priority", Kind: KindText, Check: []string{"low", "medium", "high"}},
		{Name: "status", Kind: KindText, Check: []string{"pending", "in_progress", "completed"}},
		{Name: "completed_at", Kind: KindTime},
	}},
	{Name: TableEssays, Columns: []Column{
		{Name: "student_id", Kind: KindText, Required: true, References: TableStudents},
		{Name: "title", Kind: KindText, Required: true},
		{Name: "prompt", Kind: KindText},
		{Name: "content", Kind: KindText},
		{Name: "status", Kind: KindText, Check: []string{"not_started", "draft", "review", "final"}},
		{Name: "word_count", Kind: KindInt},
		{Name: "due_date", Kind: KindText},
	}},
	{Name: TableColleges, Columns: []Column{
		{Name: "name", Kind: KindText, Required: true},
		{Name: "city", Kind: KindText},
		{Name: "state", Kind: KindText},
		{Name: "acceptance_rate", Kind: KindReal},
		{Name: "website", Kind: KindText},
		{Name: "application_deadline", Kind: KindText},
	}},
	{Name: TableStudentColleges, Columns: []Column{
		{Name: "student_id", Kind: KindText, Required: true, References: TableStudents},
		{Name: "college_id", Kind: KindText, Required: true, References: TableColleges},
		{Name: "application_type", Kind: KindText},
		{Name: "status", Kind: KindText},
		{Name: "deadline", Kind: KindText},
	}, Unique: [][]string{{"student_id", "college_id"}}},
	{Name: TableNotes, Columns: []Column{
		{Name: "student_id", Kind: KindText, References: TableStudents},
		{Name: "content", Kind: KindText, Required: true},
	}},
	{Name: TableInsights, Columns: []Column{
		{Name: "agent_run_id", Kind: KindText},
		{Name: "category", Kind: KindText, Required: true},
		{Name: "priority", Kind: KindText, Required: true, Check: []string{"high", "medium", "low"}},
		{Name: "finding", Kind: KindText, Required: true},
		{Name: "recommendation", Kind: KindText, Required: true},
		{Name: "status", Kind: KindText},
		{Name: "expires_at", Kind: KindTime},
		{Name: "dismissed_at", Kind: KindTime},
	}},
	{Name: TableRuns, Columns: []Column{
		{Name: "run_type", Kind: KindText, Required: true},
		{Name: "status", Kind: KindText, Required: true},
		{Name: "insights_count", Kind: KindInt},
		{Name: "tools_used", Kind: KindJSON},
		{Name: "execution_time_ms", Kind: KindInt},
		{Name: "error_message", Kind: KindText},
		{Name: "started_at", Kind: KindTime},
		{Name: "completed_at", Kind: KindTime},
	}},
}

var tablesByName = func() map[string]*Table {
	m := make(map[string]*Table, len(schema))
	for i := range schema {
		t := &schema[i]
		t.Columns = append(append([]Column{}, managedColumns...), t.Columns...)
		m[t.Name] = t
	}
	return m
}()

// Tables returns the names of all domain tables in creation order.
func Tables() []string {
	names := make([]string, len(schema))
	for i, t := range schema {
		names[i] = t.Name
	}
	return names
}

func lookupTable(name string) (*Table, error) {
	t, ok := tablesByName[name]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, ErrInvalidColumn)
	}
	return t, nil
}

func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// dialect captures the differences between the SQL backends.
type dialect struct {
	types map[Kind]string
	like  string
	// nativeTime reports whether time columns take time.Time values
	// rather than RFC 3339 text.
	nativeTime bool
}

var sqliteDialect = dialect{
	types: map[Kind]string{
		KindText: "TEXT", KindInt: "INTEGER", KindReal: "REAL",
		KindJSON: "TEXT", KindTime: "TEXT",
	},
	like: "LIKE",
}

var postgresDialect = dialect{
	types: map[Kind]string{
		KindText: "TEXT", KindInt: "BIGINT", KindReal: "DOUBLE PRECISION",
		KindJSON: "JSONB", KindTime: "TIMESTAMPTZ",
	},
	like:       "ILIKE",
	nativeTime: true,
}

// ddl returns the CREATE statements for the table.
func (t *Table) ddl(d dialect) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for i, c := range t.Columns {
		fmt.Fprintf(&b, "\t%s %s", c.Name, d.types[c.Kind])
		if c.Name == "id" {
			b.WriteString(" PRIMARY KEY")
		} else if c.Required {
			b.WriteString(" NOT NULL")
		}
		if c.References != "" {
			fmt.Fprintf(&b, " REFERENCES %s(id) ON DELETE CASCADE", c.References)
		}
		if len(c.Check) > 0 {
			fmt.Fprintf(&b, " CHECK (%s IN ('%s'))", c.Name, strings.Join(c.Check, "', '"))
		}
		if i < len(t.Columns)-1 || len(t.Unique) > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	for i, u := range t.Unique {
		fmt.Fprintf(&b, "\tUNIQUE (%s)", strings.Join(u, ", "))
		if i < len(t.Unique)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")

	return []string{
		b.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(counselor_id, created_at)", t.Name, t.Name),
	}
}

// prepareInsert validates row against the table and returns the column
// names and bound values for an INSERT. Managed columns are stamped here.
func (t *Table) prepareInsert(d dialect, owner, id string, row Row, now time.Time) ([]string, []any, error) {
	full := make(Row, len(row)+4)
	for k, v := range row {
		full[k] = v
	}
	full["id"] = id
	full["counselor_id"] = owner
	full["created_at"] = now
	full["updated_at"] = now

	var cols []string
	var vals []any
	for _, c := range t.Columns {
		v, ok := full[c.Name]
		if !ok || v == nil {
			if c.Required {
				return nil, nil, fmt.Errorf("%s.%s is required: %w", t.Name, c.Name, ErrConstraint)
			}
			continue
		}
		bound, err := d.bind(c, v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		if c.Required && bound == "" {
			return nil, nil, fmt.Errorf("%s.%s is required: %w", t.Name, c.Name, ErrConstraint)
		}
		cols = append(cols, c.Name)
		vals = append(vals, bound)
	}
	for k := range row {
		if _, ok := t.column(k); !ok {
			return nil, nil, fmt.Errorf("%s.%s: %w", t.Name, k, ErrInvalidColumn)
		}
	}
	return cols, vals, nil
}

// preparePatch validates an update patch. Managed columns other than
// updated_at cannot be patched.
func (t *Table) preparePatch(d dialect, patch Row, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		switch k {
		case "id", "counselor_id", "created_at", "updated_at":
			return nil, fmt.Errorf("%s.%s is not writable: %w", t.Name, k, ErrInvalidColumn)
		}
		c, ok := t.column(k)
		if !ok {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, k, ErrInvalidColumn)
		}
		if v == nil {
			if c.Required {
				return nil, fmt.Errorf("%s.%s is required: %w", t.Name, k, ErrConstraint)
			}
			out[k] = nil
			continue
		}
		bound, err := d.bind(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, k, err)
		}
		out[k] = bound
	}
	ts, _ := d.bind(Column{Kind: KindTime}, now)
	out["updated_at"] = ts
	return out, nil
}

// buildSelect renders a SELECT for the owner's rows matching f. Column
// names are checked against the schema so they are safe to interpolate.
func (t *Table) buildSelect(d dialect, owner string, f Filter) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE counselor_id = ?", strings.Join(t.columnNames(), ", "), t.Name)
	args := []any{owner}

	for _, cond := range f.Where {
		c, ok := t.column(cond.Column)
		if !ok {
			return "", nil, fmt.Errorf("%s.%s: %w", t.Name, cond.Column, ErrInvalidColumn)
		}
		switch cond.Op {
		case IsNull:
			fmt.Fprintf(&b, " AND %s IS NULL", c.Name)
			continue
		case Like:
			fmt.Fprintf(&b, " AND %s %s ?", c.Name, d.like)
			args = append(args, "%"+fmt.Sprint(cond.Value)+"%")
			continue
		case Eq, Ne, Gte, Lte, Gt, Lt:
		default:
			return "", nil, fmt.Errorf("operator %q: %w", cond.Op, ErrInvalidColumn)
		}
		v, err := d.bind(c, cond.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		fmt.Fprintf(&b, " AND %s %s ?", c.Name, cond.Op)
		args = append(args, v)
	}

	if f.Search != nil && strings.TrimSpace(f.Search.Term) != "" {
		var parts []string
		for _, name := range f.Search.Columns {
			if _, ok := t.column(name); !ok {
				return "", nil, fmt.Errorf("%s.%s: %w", t.Name, name, ErrInvalidColumn)
			}
			parts = append(parts, fmt.Sprintf("%s %s ?", name, d.like))
			args = append(args, "%"+strings.TrimSpace(f.Search.Term)+"%")
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " AND (%s)", strings.Join(parts, " OR "))
		}
	}

	order := "created_at"
	if f.OrderBy != "" {
		if _, ok := t.column(f.OrderBy); !ok {
			return "", nil, fmt.Errorf("%s.%s: %w", t.Name, f.OrderBy, ErrInvalidColumn)
		}
		order = f.OrderBy
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s", order, dir, dir)
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args, nil
}

// bind converts a caller-supplied value to the driver value for column c.
func (d dialect) bind(c Column, v any) (any, error) {
	switch c.Kind {
	case KindText:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return fmt.Sprint(v), nil

	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(n, 10, 64)
		}

	case KindReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			return strconv.ParseFloat(n, 64)
		}

	case KindJSON:
		switch j := v.(type) {
		case json.RawMessage:
			return string(j), nil
		case []byte:
			return string(j), nil
		case string:
			if !json.Valid([]byte(j)) {
				return nil, fmt.Errorf("invalid JSON value: %w", ErrConstraint)
			}
			return j, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode JSON value: %w", err)
		}
		return string(data), nil

	case KindTime:
		var ts time.Time
		switch tv := v.(type) {
		case time.Time:
			ts = tv
		case string:
			parsed, err := parseTime(tv)
			if err != nil {
				return nil, fmt.Errorf("invalid time %q: %w", tv, ErrConstraint)
			}
			ts = parsed
		default:
			return nil, fmt.Errorf("unsupported time value %T: %w", v, ErrConstraint)
		}
		if d.nativeTime {
			return ts.UTC(), nil
		}
		return ts.UTC().Format(TimeLayout), nil
	}
	return nil, fmt.Errorf("unsupported value %T for column %s: %w", v, c.Name, ErrConstraint)
}

// normalize converts a scanned driver value to the Row representation.
func normalize(c Column, v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok && c.Kind != KindJSON {
		v = string(b)
	}
	switch c.Kind {
	case KindInt:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int:
			return int64(n)
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
	case KindReal:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int64:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	case KindJSON:
		switch j := v.(type) {
		case []byte:
			return json.RawMessage(append([]byte(nil), j...))
		case string:
			return json.RawMessage(j)
		default:
			if data, err := json.Marshal(j); err == nil {
				return json.RawMessage(data)
			}
		}
	case KindTime:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC().Format(TimeLayout)
		case string:
			return tv
		}
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}
