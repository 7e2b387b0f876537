package capability

import (
	"context"
	"fmt"
	"strings"
)

// Scope is the level a probe grants access at
type Scope string

const (
	ScopeQueue  Scope = "queue"
	ScopeRoom   Scope = "room"
	ScopeCourse Scope = "course"
	ScopeUser   Scope = "user"
)

// StaffRoles are the role names that grant queue management
var StaffRoles = []string{"ta", "assistant", "staff", "instructor", "teacher", "admin", "manager"}

// Target is the question being asked: may UserID manage QueueID?
type Target struct {
	UserID   int64
	QueueID  int64
	RoomID   *int64
	CourseID *int64
}

func (t Target) ref(scope Scope) (int64, bool) {
	switch scope {
	case ScopeQueue:
		return t.QueueID, true
	case ScopeRoom:
		if t.RoomID != nil {
			return *t.RoomID, true
		}
	case ScopeCourse:
		if t.CourseID != nil {
			return *t.CourseID, true
		}
	case ScopeUser:
		return t.UserID, true
	}
	return 0, false
}

// Structure is a table plus the columns a probe reads from it
type Structure struct {
	Table   string
	Columns []string
}

// Signature is the cache key of a structure
func (s Structure) Signature() string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = strings.ToLower(c)
	}
	return strings.ToLower(s.Table) + "|" + strings.Join(cols, ",")
}

// Querier runs an existence query against the backing store
type Querier interface {
	Exists(ctx context.Context, sql string, args ...any) (bool, error)
}

// Probe is one authorization source
type Probe interface {
	Name() string
	Scope() Scope
	// Requires lists the structures that must exist before Check can run
	Requires() []Structure
	Check(ctx context.Context, q Querier, t Target) (bool, error)
}

// mappingProbe checks a (ref, user) mapping table, optionally narrowed by a role column
type mappingProbe struct {
	scope   Scope
	table   string
	refCol  string
	userCol string
	roleCol string
	roles   []string
}

// MappingProbe grants access when a row links the user to the scope's ref id
func MappingProbe(scope Scope, table, refCol, userCol string) Probe {
	return &mappingProbe{scope: scope, table: table, refCol: refCol, userCol: userCol}
}

// RoleMappingProbe is a MappingProbe that also requires one of roles in roleCol
func RoleMappingProbe(scope Scope, table, refCol, userCol, roleCol string, roles []string) Probe {
	return &mappingProbe{scope: scope, table: table, refCol: refCol, userCol: userCol, roleCol: roleCol, roles: roles}
}

func (p *mappingProbe) Name() string { return p.table }

func (p *mappingProbe) Scope() Scope { return p.scope }

func (p *mappingProbe) Requires() []Structure {
	cols := []string{p.refCol, p.userCol}
	if p.roleCol != "" {
		cols = append(cols, p.roleCol)
	}
	return []Structure{{Table: p.table, Columns: cols}}
}

func (p *mappingProbe) Check(ctx context.Context, q Querier, t Target) (bool, error) {
	ref, ok := t.ref(p.scope)
	if !ok {
		return false, nil
	}
	sql := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 AND %s = $2",
		quoteIdent(p.table), quoteIdent(p.refCol), quoteIdent(p.userCol))
	args := []any{ref, t.UserID}
	if p.roleCol != "" {
		sql += fmt.Sprintf(" AND LOWER(%s) = ANY($3)", quoteIdent(p.roleCol))
		args = append(args, lowerAll(p.roles))
	}
	return q.Exists(ctx, sql+" LIMIT 1", args...)
}

// globalRoleProbe checks users.role_id against roles.name
type globalRoleProbe struct {
	roles []string
}

// GlobalRoleProbe grants access to users whose global role is a staff role
func GlobalRoleProbe(roles []string) Probe {
	return &globalRoleProbe{roles: roles}
}

func (p *globalRoleProbe) Name() string { return "users.role" }

func (p *globalRoleProbe) Scope() Scope { return ScopeUser }

func (p *globalRoleProbe) Requires() []Structure {
	return []Structure{
		{Table: "users", Columns: []string{"user_id", "role_id"}},
		{Table: "roles", Columns: []string{"role_id", "name"}},
	}
}

func (p *globalRoleProbe) Check(ctx context.Context, q Querier, t Target) (bool, error) {
	return q.Exists(ctx,
		"SELECT 1 FROM users u JOIN roles r ON r.role_id = u.role_id WHERE u.user_id = $1 AND LOWER(r.name) = ANY($2) LIMIT 1",
		t.UserID, lowerAll(p.roles))
}

// flagProbe checks a boolean column on the users table
type flagProbe struct {
	column string
}

// UserFlagProbe grants access when users.<column> is true
func UserFlagProbe(column string) Probe {
	return &flagProbe{column: column}
}

func (p *flagProbe) Name() string { return "users." + p.column }

func (p *flagProbe) Scope() Scope { return ScopeUser }

func (p *flagProbe) Requires() []Structure {
	return []Structure{{Table: "users", Columns: []string{"user_id", p.column}}}
}

func (p *flagProbe) Check(ctx context.Context, q Querier, t Target) (bool, error) {
	sql := fmt.Sprintf("SELECT 1 FROM users WHERE user_id = $1 AND %s::int = 1 LIMIT 1", quoteIdent(p.column))
	return q.Exists(ctx, sql, t.UserID)
}

// DefaultProbes is the ranked chain used against a relational backend
func DefaultProbes() []Probe {
	return []Probe{
		MappingProbe(ScopeQueue, "queue_staff", "queue_id", "user_id"),
		MappingProbe(ScopeQueue, "queue_tas", "queue_id", "user_id"),
		MappingProbe(ScopeQueue, "queue_permissions", "queue_id", "user_id"),
		RoleMappingProbe(ScopeQueue, "queue_users", "queue_id", "user_id", "role", StaffRoles),
		RoleMappingProbe(ScopeQueue, "queue_members", "queue_id", "user_id", "role", StaffRoles),
		MappingProbe(ScopeRoom, "room_staff", "room_id", "user_id"),
		MappingProbe(ScopeRoom, "room_tas", "room_id", "user_id"),
		RoleMappingProbe(ScopeRoom, "room_users", "room_id", "user_id", "role", StaffRoles),
		MappingProbe(ScopeCourse, "course_staff", "course_id", "user_id"),
		MappingProbe(ScopeCourse, "course_tas", "course_id", "user_id"),
		MappingProbe(ScopeCourse, "courses_staff", "course_id", "user_id"),
		MappingProbe(ScopeCourse, "staff_courses", "course_id", "user_id"),
		RoleMappingProbe(ScopeCourse, "course_users", "course_id", "user_id", "role", StaffRoles),
		RoleMappingProbe(ScopeCourse, "course_members", "course_id", "user_id", "role", StaffRoles),
		GlobalRoleProbe(StaffRoles),
		UserFlagProbe("is_staff"),
		UserFlagProbe("is_admin"),
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
