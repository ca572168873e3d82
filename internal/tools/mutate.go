package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/records"
)

// plan is a mutation ready to be recorded in the ledger.
type plan struct {
	action  string
	entity  string
	op      confirm.Op
	table   string
	target  string
	data    map[string]any
	message string
}

// plan ownership-checks every id a mutating call references and
// describes the change. It never writes.
func (e *Executor) plan(ctx context.Context, name, owner string, args Args) (*plan, error) {
	switch a := args.(type) {
	case *CreateStudentArgs:
		data := map[string]any{"first_name": a.FirstName, "last_name": a.LastName, "status": "active"}
		setString(data, "email", a.Email)
		setString(data, "phone", a.Phone)
		setInt(data, "graduation_year", a.GraduationYear)
		setPtr(data, "gpa", a.GPA)
		setInt(data, "sat_score", a.SATScore)
		setInt(data, "act_score", a.ACTScore)
		setString(data, "intended_major", a.IntendedMajor)
		setString(data, "status", a.Status)
		return &plan{action: "create", entity: "student", op: confirm.OpInsert, table: records.TableStudents, data: data,
			message: fmt.Sprintf("Add student %s %s?", a.FirstName, a.LastName)}, nil

	case *UpdateStudentArgs:
		cur, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{}
		setPtr(data, "first_name", a.FirstName)
		setPtr(data, "last_name", a.LastName)
		setPtr(data, "email", a.Email)
		setPtr(data, "phone", a.Phone)
		setPtr(data, "graduation_year", a.GraduationYear)
		setPtr(data, "gpa", a.GPA)
		setPtr(data, "sat_score", a.SATScore)
		setPtr(data, "act_score", a.ACTScore)
		setPtr(data, "intended_major", a.IntendedMajor)
		setPtr(data, "status", a.Status)
		return updatePlan(name, "student", records.TableStudents, a.StudentID, studentName(cur), data)

	case *DeleteStudentArgs:
		cur, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
		if err != nil {
			return nil, err
		}
		return deletePlan("student", records.TableStudents, a.StudentID,
			fmt.Sprintf("Delete student %s and all of their tasks, essays, colleges, and notes?", studentName(cur))), nil

	case *CreateTaskArgs:
		data := map[string]any{"title": a.Title, "status": "pending", "priority": "medium"}
		subject := ""
		if a.StudentID != "" {
			st, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
			if err != nil {
				return nil, err
			}
			data["student_id"] = a.StudentID
			subject = " for " + studentName(st)
		}
		setString(data, "description", a.Description)
		setString(data, "due_date", a.DueDate)
		setString(data, "priority", a.Priority)
		due := ""
		if a.DueDate != "" {
			due = ", due " + a.DueDate
		}
		return &plan{action: "create", entity: "task", op: confirm.OpInsert, table: records.TableTasks, data: data,
			message: fmt.Sprintf("Create task %q%s%s?", a.Title, subject, due)}, nil

	case *UpdateTaskArgs:
		cur, err := e.owned(ctx, owner, records.TableTasks, a.TaskID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{}
		setPtr(data, "title", a.Title)
		setPtr(data, "description", a.Description)
		setPtr(data, "due_date", a.DueDate)
		setPtr(data, "priority", a.Priority)
		setPtr(data, "status", a.Status)
		return updatePlan(name, "task", records.TableTasks, a.TaskID, quoted(cur.String("title")), data)

	case *CompleteTaskArgs:
		cur, err := e.owned(ctx, owner, records.TableTasks, a.TaskID)
		if err != nil {
			return nil, err
		}
		return &plan{action: "complete", entity: "task", op: confirm.OpUpdate, table: records.TableTasks,
			target: a.TaskID, data: map[string]any{"status": "completed"},
			message: fmt.Sprintf("Mark task %q completed?", cur.String("title"))}, nil

	case *DeleteTaskArgs:
		cur, err := e.owned(ctx, owner, records.TableTasks, a.TaskID)
		if err != nil {
			return nil, err
		}
		return deletePlan("task", records.TableTasks, a.TaskID,
			fmt.Sprintf("Delete task %q?", cur.String("title"))), nil

	case *CreateEssayArgs:
		st, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{"student_id": a.StudentID, "title": a.Title, "status": "not_started"}
		setString(data, "prompt", a.Prompt)
		setString(data, "due_date", a.DueDate)
		if a.Content != "" {
			data["content"] = a.Content
			data["word_count"] = wordCount(a.Content)
			data["status"] = "draft"
		}
		setString(data, "status", a.Status)
		return &plan{action: "create", entity: "essay", op: confirm.OpInsert, table: records.TableEssays, data: data,
			message: fmt.Sprintf("Create essay %q for %s?", a.Title, studentName(st))}, nil

	case *UpdateEssayArgs:
		cur, err := e.owned(ctx, owner, records.TableEssays, a.EssayID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{}
		setPtr(data, "title", a.Title)
		setPtr(data, "prompt", a.Prompt)
		setPtr(data, "status", a.Status)
		setPtr(data, "due_date", a.DueDate)
		if a.Content != nil {
			data["content"] = *a.Content
			data["word_count"] = wordCount(*a.Content)
		}
		return updatePlan(name, "essay", records.TableEssays, a.EssayID, quoted(cur.String("title")), data)

	case *DeleteEssayArgs:
		cur, err := e.owned(ctx, owner, records.TableEssays, a.EssayID)
		if err != nil {
			return nil, err
		}
		return deletePlan("essay", records.TableEssays, a.EssayID,
			fmt.Sprintf("Delete essay %q?", cur.String("title"))), nil

	case *AddStudentCollegeArgs:
		st, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
		if err != nil {
			return nil, err
		}
		col, err := e.owned(ctx, owner, records.TableColleges, a.CollegeID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{"student_id": a.StudentID, "college_id": a.CollegeID, "status": "researching"}
		setString(data, "application_type", a.ApplicationType)
		setString(data, "status", a.Status)
		setString(data, "deadline", a.Deadline)
		return &plan{action: "add", entity: "student_college", op: confirm.OpInsert, table: records.TableStudentColleges, data: data,
			message: fmt.Sprintf("Add %s to %s's college list?", col.String("name"), studentName(st))}, nil

	case *UpdateStudentCollegeArgs:
		if _, err := e.owned(ctx, owner, records.TableStudentColleges, a.StudentCollegeID); err != nil {
			return nil, err
		}
		data := map[string]any{}
		setPtr(data, "application_type", a.ApplicationType)
		setPtr(data, "status", a.Status)
		setPtr(data, "deadline", a.Deadline)
		return updatePlan(name, "student_college", records.TableStudentColleges, a.StudentCollegeID, "college application", data)

	case *RemoveStudentCollegeArgs:
		cur, err := e.owned(ctx, owner, records.TableStudentColleges, a.StudentCollegeID)
		if err != nil {
			return nil, err
		}
		label := "this college"
		if col, err := e.owned(ctx, owner, records.TableColleges, cur.String("college_id")); err == nil {
			label = col.String("name")
		}
		p := deletePlan("student_college", records.TableStudentColleges, a.StudentCollegeID,
			fmt.Sprintf("Remove %s from the student's college list?", label))
		p.action = "remove"
		return p, nil

	case *CreateNoteArgs:
		data := map[string]any{"content": a.Content}
		subject := ""
		if a.StudentID != "" {
			st, err := e.owned(ctx, owner, records.TableStudents, a.StudentID)
			if err != nil {
				return nil, err
			}
			data["student_id"] = a.StudentID
			subject = " about " + studentName(st)
		}
		return &plan{action: "create", entity: "note", op: confirm.OpInsert, table: records.TableNotes, data: data,
			message: fmt.Sprintf("Save a note%s?", subject)}, nil

	case *DeleteNoteArgs:
		if _, err := e.owned(ctx, owner, records.TableNotes, a.NoteID); err != nil {
			return nil, err
		}
		return deletePlan("note", records.TableNotes, a.NoteID, "Delete this note?"), nil

	case *DismissInsightArgs:
		cur, err := e.owned(ctx, owner, records.TableInsights, a.InsightID)
		if err != nil {
			return nil, err
		}
		return &plan{action: "dismiss", entity: "insight", op: confirm.OpUpdate, table: records.TableInsights,
			target: a.InsightID, data: insights.DismissPatch(e.now()),
			message: fmt.Sprintf("Dismiss the insight %q?", cur.String("finding"))}, nil
	}
	return nil, fmt.Errorf("tool %s has no mutation plan", name)
}

func updatePlan(tool, entity, table, id, label string, data map[string]any) (*plan, error) {
	if len(data) == 0 {
		return nil, &ValidationError{ToolName: tool, Fields: []string{"at least one field to change is required"}}
	}
	fields := make([]string, 0, len(data))
	for k := range data {
		if k != "word_count" {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return &plan{action: "update", entity: entity, op: confirm.OpUpdate, table: table, target: id, data: data,
		message: fmt.Sprintf("Update %s for %s?", strings.Join(fields, ", "), label)}, nil
}

func deletePlan(entity, table, id, message string) *plan {
	return &plan{action: "delete", entity: entity, op: confirm.OpDelete, table: table, target: id, message: message}
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setInt(m map[string]any, key string, v int) {
	if v != 0 {
		m[key] = v
	}
}

func setPtr[T any](m map[string]any, key string, p *T) {
	if p != nil {
		m[key] = *p
	}
}

func studentName(r records.Row) string {
	return strings.TrimSpace(r.String("first_name") + " " + r.String("last_name"))
}

func quoted(s string) string { return fmt.Sprintf("%q", s) }

func wordCount(s string) int { return len(strings.Fields(s)) }
