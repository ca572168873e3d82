package tools

// Args is the closed set of tool argument types. Each registered tool
// decodes its JSON arguments into exactly one of these structs, and the
// executor dispatches on the concrete type. The struct tags drive both
// the JSON schema sent to the model and argument validation.
type Args interface {
	isArgs()
}

// Students.

// StudentFilters narrows get_students. The fields may be given at the
// top level or inside a filters object; the filters object wins.
type StudentFilters struct {
	GPAMin         *float64 `json:"gpa_min,omitempty" jsonschema:"minimum=0,maximum=5" jsonschema_description:"Only students with a GPA at or above this value." validate:"omitempty,gte=0,lte=5"`
	GPAMax         *float64 `json:"gpa_max,omitempty" jsonschema:"minimum=0,maximum=5" jsonschema_description:"Only students with a GPA at or below this value." validate:"omitempty,gte=0,lte=5"`
	GraduationYear int      `json:"graduation_year,omitempty" jsonschema_description:"Graduation year, e.g. 2026." validate:"omitempty,gte=1900,lte=2100"`
	Status         string   `json:"status,omitempty" jsonschema_description:"Student status, e.g. active or graduated."`
	Search         string   `json:"search,omitempty" jsonschema_description:"Match against first name, last name, or email."`
}

type GetStudentsArgs struct {
	StudentFilters
	Filters *StudentFilters `json:"filters,omitempty" jsonschema_description:"The same filters grouped in one object."`
	Limit   int             `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200" jsonschema_description:"Maximum rows to return (default 50)." validate:"omitempty,gte=1,lte=200"`
}

// Effective merges the top-level filters with the filters object.
func (a *GetStudentsArgs) Effective() StudentFilters {
	f := a.StudentFilters
	g := a.Filters
	if g == nil {
		return f
	}
	if g.GPAMin != nil {
		f.GPAMin = g.GPAMin
	}
	if g.GPAMax != nil {
		f.GPAMax = g.GPAMax
	}
	if g.GraduationYear != 0 {
		f.GraduationYear = g.GraduationYear
	}
	if g.Status != "" {
		f.Status = g.Status
	}
	if g.Search != "" {
		f.Search = g.Search
	}
	return f
}

type GetStudentArgs struct {
	StudentID string `json:"student_id" jsonschema:"required" validate:"required"`
}

type CreateStudentArgs struct {
	FirstName      string   `json:"first_name" jsonschema:"required" validate:"required,max=100"`
	LastName       string   `json:"last_name" jsonschema:"required" validate:"required,max=100"`
	Email          string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone          string   `json:"phone,omitempty" validate:"omitempty,max=40"`
	GraduationYear int      `json:"graduation_year,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	GPA            *float64 `json:"gpa,omitempty" jsonschema:"minimum=0,maximum=5" validate:"omitempty,gte=0,lte=5"`
	SATScore       int      `json:"sat_score,omitempty" jsonschema:"minimum=400,maximum=1600" validate:"omitempty,gte=400,lte=1600"`
	ACTScore       int      `json:"act_score,omitempty" jsonschema:"minimum=1,maximum=36" validate:"omitempty,gte=1,lte=36"`
	IntendedMajor  string   `json:"intended_major,omitempty"`
	Status         string   `json:"status,omitempty"`
}

type UpdateStudentArgs struct {
	StudentID      string   `json:"student_id" jsonschema:"required" validate:"required"`
	FirstName      *string  `json:"first_name,omitempty" validate:"omitempty,min=1,max=100"`
	LastName       *string  `json:"last_name,omitempty" validate:"omitempty,min=1,max=100"`
	Email          *string  `json:"email,omitempty" validate:"omitempty,email"`
	Phone          *string  `json:"phone,omitempty" validate:"omitempty,max=40"`
	GraduationYear *int     `json:"graduation_year,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	GPA            *float64 `json:"gpa,omitempty" jsonschema:"minimum=0,maximum=5" validate:"omitempty,gte=0,lte=5"`
	SATScore       *int     `json:"sat_score,omitempty" validate:"omitempty,gte=400,lte=1600"`
	ACTScore       *int     `json:"act_score,omitempty" validate:"omitempty,gte=1,lte=36"`
	IntendedMajor  *string  `json:"intended_major,omitempty"`
	Status         *string  `json:"status,omitempty"`
}

type DeleteStudentArgs struct {
	StudentID string `json:"student_id" jsonschema:"required" validate:"required"`
}

// Tasks.

type GetTasksArgs struct {
	StudentID string `json:"student_id,omitempty"`
	Status    string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed" validate:"omitempty,oneof=pending in_progress completed"`
	Priority  string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" validate:"omitempty,oneof=low medium high"`
	DueBefore string `json:"due_before,omitempty" jsonschema:"format=date" jsonschema_description:"Only tasks due on or before this date (YYYY-MM-DD)." validate:"omitempty,datetime=2006-01-02"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200" validate:"omitempty,gte=1,lte=200"`
}

type GetUpcomingDeadlinesArgs struct {
	Days int `json:"days,omitempty" jsonschema:"minimum=1,maximum=365" jsonschema_description:"Look-ahead window in days (default 14)." validate:"omitempty,gte=1,lte=365"`
}

type CreateTaskArgs struct {
	StudentID   string `json:"student_id,omitempty"`
	Title       string `json:"title" jsonschema:"required" validate:"required,max=200"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" validate:"omitempty,oneof=low medium high"`
}

type UpdateTaskArgs struct {
	TaskID      string  `json:"task_id" jsonschema:"required" validate:"required"`
	Title       *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
	Priority    *string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" validate:"omitempty,oneof=low medium high"`
	Status      *string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed" validate:"omitempty,oneof=pending in_progress completed"`
}

type CompleteTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required" validate:"required"`
}

type DeleteTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required" validate:"required"`
}

// Essays.

type GetEssaysArgs struct {
	StudentID string `json:"student_id,omitempty"`
	Status    string `json:"status,omitempty" jsonschema:"enum=not_started,enum=draft,enum=review,enum=final" validate:"omitempty,oneof=not_started draft review final"`
}

type GetEssayArgs struct {
	EssayID string `json:"essay_id" jsonschema:"required" validate:"required"`
}

type CreateEssayArgs struct {
	StudentID string `json:"student_id" jsonschema:"required" validate:"required"`
	Title     string `json:"title" jsonschema:"required" validate:"required,max=200"`
	Prompt    string `json:"prompt,omitempty"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty" jsonschema:"enum=not_started,enum=draft,enum=review,enum=final" validate:"omitempty,oneof=not_started draft review final"`
	DueDate   string `json:"due_date,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
}

type UpdateEssayArgs struct {
	EssayID string  `json:"essay_id" jsonschema:"required" validate:"required"`
	Title   *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Prompt  *string `json:"prompt,omitempty"`
	Content *string `json:"content,omitempty"`
	Status  *string `json:"status,omitempty" jsonschema:"enum=not_started,enum=draft,enum=review,enum=final" validate:"omitempty,oneof=not_started draft review final"`
	DueDate *string `json:"due_date,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
}

type DeleteEssayArgs struct {
	EssayID string `json:"essay_id" jsonschema:"required" validate:"required"`
}

// Colleges.

type GetCollegesArgs struct {
	Search string `json:"search,omitempty" jsonschema_description:"Match against college name or city."`
	State  string `json:"state,omitempty" jsonschema_description:"Two-letter state code." validate:"omitempty,len=2"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200" validate:"omitempty,gte=1,lte=200"`
}

type GetStudentCollegesArgs struct {
	StudentID string `json:"student_id" jsonschema:"required" validate:"required"`
}

type AddStudentCollegeArgs struct {
	StudentID       string `json:"student_id" jsonschema:"required" validate:"required"`
	CollegeID       string `json:"college_id" jsonschema:"required" validate:"required"`
	ApplicationType string `json:"application_type,omitempty" jsonschema:"enum=early_decision,enum=early_action,enum=regular,enum=rolling" validate:"omitempty,oneof=early_decision early_action regular rolling"`
	Status          string `json:"status,omitempty" jsonschema_description:"Application status, e.g. researching, applying, submitted, accepted."`
	Deadline        string `json:"deadline,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
}

type UpdateStudentCollegeArgs struct {
	StudentCollegeID string  `json:"student_college_id" jsonschema:"required" validate:"required"`
	ApplicationType  *string `json:"application_type,omitempty" jsonschema:"enum=early_decision,enum=early_action,enum=regular,enum=rolling" validate:"omitempty,oneof=early_decision early_action regular rolling"`
	Status           *string `json:"status,omitempty"`
	Deadline         *string `json:"deadline,omitempty" jsonschema:"format=date" validate:"omitempty,datetime=2006-01-02"`
}

type RemoveStudentCollegeArgs struct {
	StudentCollegeID string `json:"student_college_id" jsonschema:"required" validate:"required"`
}

// Notes.

type GetNotesArgs struct {
	StudentID string `json:"student_id,omitempty"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200" validate:"omitempty,gte=1,lte=200"`
}

type CreateNoteArgs struct {
	StudentID string `json:"student_id,omitempty"`
	Content   string `json:"content" jsonschema:"required" validate:"required,max=10000"`
}

type DeleteNoteArgs struct {
	NoteID string `json:"note_id" jsonschema:"required" validate:"required"`
}

// Insights.

type GetInsightsArgs struct {
	Priority string `json:"priority,omitempty" jsonschema:"enum=high,enum=medium,enum=low" validate:"omitempty,oneof=high medium low"`
	Limit    int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100" validate:"omitempty,gte=1,lte=100"`
}

type DismissInsightArgs struct {
	InsightID string `json:"insight_id" jsonschema:"required" validate:"required"`
}

// Summaries.

type GetDashboardSummaryArgs struct{}

type GetStudentOverviewArgs struct {
	StudentID string `json:"student_id" jsonschema:"required" validate:"required"`
}

func (GetStudentsArgs) isArgs()          {}
func (GetStudentArgs) isArgs()           {}
func (CreateStudentArgs) isArgs()        {}
func (UpdateStudentArgs) isArgs()        {}
func (DeleteStudentArgs) isArgs()        {}
func (GetTasksArgs) isArgs()             {}
func (GetUpcomingDeadlinesArgs) isArgs() {}
func (CreateTaskArgs) isArgs()           {}
func (UpdateTaskArgs) isArgs()           {}
func (CompleteTaskArgs) isArgs()         {}
func (DeleteTaskArgs) isArgs()           {}
func (GetEssaysArgs) isArgs()            {}
func (GetEssayArgs) isArgs()             {}
func (CreateEssayArgs) isArgs()          {}
func (UpdateEssayArgs) isArgs()          {}
func (DeleteEssayArgs) isArgs()          {}
func (GetCollegesArgs) isArgs()          {}
func (GetStudentCollegesArgs) isArgs()   {}
func (AddStudentCollegeArgs) isArgs()    {}
func (UpdateStudentCollegeArgs) isArgs() {}
func (RemoveStudentCollegeArgs) isArgs() {}
func (GetNotesArgs) isArgs()             {}
func (CreateNoteArgs) isArgs()           {}
func (DeleteNoteArgs) isArgs()           {}
func (GetInsightsArgs) isArgs()          {}
func (DismissInsightArgs) isArgs()       {}
func (GetDashboardSummaryArgs) isArgs()  {}
func (GetStudentOverviewArgs) isArgs()   {}
