package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/records"
)

const (
	defaultLimit     = 50
	defaultNoteLimit = 20
	defaultWindow    = 14
	dateLayout       = "2006-01-02"
)

// read runs a read-only tool scoped to owner.
func (e *Executor) read(ctx context.Context, owner string, args Args) (any, error) {
	switch a := args.(type) {
	case *GetStudentsArgs:
		f := records.Filter{OrderBy: "last_name", Limit: limitOr(a.Limit, defaultLimit)}
		sf := a.Effective()
		if sf.GPAMin != nil {
			f.Where = append(f.Where, records.Where("gpa", records.Gte, *sf.GPAMin))
		}
		if sf.GPAMax != nil {
			f.Where = append(f.Where, records.Where("gpa", records.Lte, *sf.GPAMax))
		}
		if sf.GraduationYear != 0 {
			f.Where = append(f.Where, records.Where("graduation_year", records.Eq, sf.GraduationYear))
		}
		if sf.Status != "" {
			f.Where = append(f.Where, records.Where("status", records.Eq, sf.Status))
		}
		if sf.Search != "" {
			f.Search = &records.Search{Columns: []string{"first_name", "last_name", "email"}, Term: sf.Search}
		}
		rows, err := e.store.Select(ctx, owner, records.TableStudents, f)
		if err != nil {
			return nil, err
		}
		return listing("students", rows), nil

	case *GetStudentArgs:
		row, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"student": public(row)}, nil

	case *GetTasksArgs:
		f := records.Filter{OrderBy: "due_date", Limit: limitOr(a.Limit, defaultLimit)}
		if a.StudentID != "" {
			if _, err := e.owned(ctx, owner, records.TableStudents, a.StudentID); err != nil {
				return nil, err
			}
			f.Where = append(f.Where, records.Where("student_id", records.Eq, a.StudentID))
		}
		if a.Status != "" {
			f.Where = append(f.Where, records.Where("status", records.Eq, a.Status))
		}
		if a.Priority != "" {
			f.Where = append(f.Where, records.Where("priority", records.Eq, a.Priority))
		}
		if a.DueBefore != "" {
			f.Where = append(f.Where, records.Where("due_date", records.Lte, a.DueBefore))
		}
		rows, err := e.store.Select(ctx, owner, records.TableTasks, f)
		if err != nil {
			return nil, err
		}
		return listing("tasks", rows), nil

	case *GetUpcomingDeadlinesArgs:
		return e.upcoming(ctx, owner, limitOr(a.Days, defaultWindow))

	case *GetEssaysArgs:
		f := records.Filter{OrderBy: "due_date", Limit: defaultLimit}
		if a.StudentID != "" {
			if _, err := e.owned(ctx, owner, records.TableStudents, a.StudentID); err != nil {
				return nil, err
			}
			f.Where = append(f.Where, records.Where("student_id", records.Eq, a.StudentID))
		}
		if a.Status != "" {
			f.Where = append(f.Where, records.Where("status", records.Eq, a.Status))
		}
		rows, err := e.store.Select(ctx, owner, records.TableEssays, f)
		if err != nil {
			return nil, err
		}
		// Listings omit essay bodies; get_essay returns them.
		for _, r := range rows {
			delete(r, "content")
		}
		return listing("essays", rows), nil

	case *GetEssayArgs:
		row, err := e.owned(ctx, owner, records.TableEssays, a.EssayID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"essay": public(row)}, nil

	case *GetCollegesArgs:
		f := records.Filter{OrderBy: "name", Limit: limitOr(a.Limit, defaultLimit)}
		if a.State != "" {
			f.Where = append(f.Where, records.Where("state", records.Eq, strings.ToUpper(a.State)))
		}
		if a.Search != "" {
			f.Search = &records.Search{Columns: []string{"name", "city"}, Term: a.Search}
		}
		rows, err := e.store.Select(ctx, owner, records.TableColleges, f)
		if err != nil {
			return nil, err
		}
		return listing("colleges", rows), nil

	case *GetStudentCollegesArgs:
		if _, err := e.owned(ctx, owner, records.TableStudents, a.StudentID); err != nil {
			return nil, err
		}
		rows, err := e.studentColleges(ctx, owner, a.StudentID)
		if err != nil {
			return nil, err
		}
		return listing("colleges", rows), nil

	case *GetNotesArgs:
		f := records.Filter{OrderBy: "created_at", Desc: true, Limit: limitOr(a.Limit, defaultNoteLimit)}
		if a.StudentID != "" {
			if _, err := e.owned(ctx, owner, records.TableStudents, a.StudentID); err != nil {
				return nil, err
			}
			f.Where = append(f.Where, records.Where("student_id", records.Eq, a.StudentID))
		}
		rows, err := e.store.Select(ctx, owner, records.TableNotes, f)
		if err != nil {
			return nil, err
		}
		return listing("notes", rows), nil

	case *GetInsightsArgs:
		if e.insights == nil {
			return map[string]any{"insights": []insights.Insight{}, "count": 0}, nil
		}
		list, err := e.insights.List(ctx, owner, insights.ListOptions{Priority: a.Priority, Limit: a.Limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"insights": list, "count": len(list)}, nil

	case *GetDashboardSummaryArgs:
		return e.dashboard(ctx, owner)

	case *GetStudentOverviewArgs:
		return e.overview(ctx, owner, a.StudentID)
	}
	return nil, fmt.Errorf("tool for %T has no read handler", args)
}

// upcoming lists open work due within days, plus overdue tasks.
func (e *Executor) upcoming(ctx context.Context, owner string, days int) (map[string]any, error) {
	today := e.now().Format(dateLayout)
	until := e.now().AddDate(0, 0, days).Format(dateLayout)
	window := func(col string) []records.Cond {
		return []records.Cond{records.Where(col, records.Gte, today), records.Where(col, records.Lte, until)}
	}

	tasks, err := e.store.Select(ctx, owner, records.TableTasks, records.Filter{
		Where:   append(window("due_date"), records.Where("status", records.Ne, "completed")),
		OrderBy: "due_date",
	})
	if err != nil {
		return nil, err
	}
	overdue, err := e.store.Select(ctx, owner, records.TableTasks, records.Filter{
		Where:   []records.Cond{records.Where("due_date", records.Lt, today), records.Where("status", records.Ne, "completed")},
		OrderBy: "due_date",
	})
	if err != nil {
		return nil, err
	}
	essays, err := e.store.Select(ctx, owner, records.TableEssays, records.Filter{
		Where:   append(window("due_date"), records.Where("status", records.Ne, "final")),
		OrderBy: "due_date",
	})
	if err != nil {
		return nil, err
	}
	for _, r := range essays {
		delete(r, "content")
	}
	apps, err := e.store.Select(ctx, owner, records.TableStudentColleges, records.Filter{
		Where:   window("deadline"),
		OrderBy: "deadline",
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"from":          today,
		"to":            until,
		"tasks":         publicAll(tasks),
		"overdue_tasks": publicAll(overdue),
		"essays":        publicAll(essays),
		"applications":  publicAll(apps),
		"count":         len(tasks) + len(essays) + len(apps),
	}, nil
}

func (e *Executor) dashboard(ctx context.Context, owner string) (map[string]any, error) {
	students, err := e.store.Select(ctx, owner, records.TableStudents, records.Filter{})
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.Select(ctx, owner, records.TableTasks, records.Filter{})
	if err != nil {
		return nil, err
	}
	essays, err := e.store.Select(ctx, owner, records.TableEssays, records.Filter{})
	if err != nil {
		return nil, err
	}
	apps, err := e.store.Select(ctx, owner, records.TableStudentColleges, records.Filter{})
	if err != nil {
		return nil, err
	}

	today := e.now().Format(dateLayout)
	weekOut := e.now().AddDate(0, 0, 7).Format(dateLayout)
	var open, overdue, dueThisWeek int
	for _, t := range tasks {
		if t.String("status") == "completed" {
			continue
		}
		open++
		due := t.String("due_date")
		switch {
		case due == "":
		case due < today:
			overdue++
		case due <= weekOut:
			dueThisWeek++
		}
	}

	summary := map[string]any{
		"students":               len(students),
		"open_tasks":             open,
		"overdue_tasks":          overdue,
		"tasks_due_this_week":    dueThisWeek,
		"essays_by_status":       countBy(essays, "status"),
		"applications_by_status": countBy(apps, "status"),
	}
	if e.insights != nil {
		active, err := e.insights.List(ctx, owner, insights.ListOptions{Limit: 100})
		if err != nil {
			return nil, err
		}
		summary["active_insights"] = len(active)
	}
	return summary, nil
}

func (e *Executor) overview(ctx context.Context, owner, studentID string) (map[string]any, error) {
	student, err := e.owned(ctx, owner, records.TableStudents, studentID)
	if err != nil {
		return nil, err
	}
	byStudent := []records.Cond{records.Where("student_id", records.Eq, studentID)}

	tasks, err := e.store.Select(ctx, owner, records.TableTasks, records.Filter{Where: byStudent, OrderBy: "due_date"})
	if err != nil {
		return nil, err
	}
	essays, err := e.store.Select(ctx, owner, records.TableEssays, records.Filter{Where: byStudent, OrderBy: "due_date"})
	if err != nil {
		return nil, err
	}
	for _, r := range essays {
		delete(r, "content")
	}
	colleges, err := e.studentColleges(ctx, owner, studentID)
	if err != nil {
		return nil, err
	}
	notes, err := e.store.Select(ctx, owner, records.TableNotes, records.Filter{
		Where: byStudent, OrderBy: "created_at", Desc: true, Limit: 10,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"student":  public(student),
		"tasks":    publicAll(tasks),
		"essays":   publicAll(essays),
		"colleges": publicAll(colleges),
		"notes":    publicAll(notes),
	}, nil
}

// studentColleges returns a student's college list with each college's
// name, city and state attached.
func (e *Executor) studentColleges(ctx context.Context, owner, studentID string) ([]records.Row, error) {
	rows, err := e.store.Select(ctx, owner, records.TableStudentColleges, records.Filter{
		Where:   []records.Cond{records.Where("student_id", records.Eq, studentID)},
		OrderBy: "deadline",
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		col, err := e.owned(ctx, owner, records.TableColleges, r.String("college_id"))
		if err != nil {
			continue
		}
		r["college_name"] = col.String("name")
		r["city"] = col.String("city")
		r["state"] = col.String("state")
	}
	return rows, nil
}

func listing(key string, rows []records.Row) map[string]any {
	return map[string]any{key: publicAll(rows), "count": len(rows)}
}

// public drops columns the model has no use for.
func public(r records.Row) records.Row {
	delete(r, "counselor_id")
	return r
}

func publicAll(rows []records.Row) []records.Row {
	if rows == nil {
		return []records.Row{}
	}
	for _, r := range rows {
		public(r)
	}
	return rows
}

func countBy(rows []records.Row, col string) map[string]int {
	out := make(map[string]int)
	for _, r := range rows {
		v := r.String(col)
		if v == "" {
			v = "unknown"
		}
		out[v]++
	}
	return out
}

func limitOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
