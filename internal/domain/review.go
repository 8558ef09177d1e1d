package domain

import (
	"errors"
	"fmt"
	"strings"
)

// State базовое состояние проверяемой сущности (State Machine).
type State string

const (
	StatePending           State = "PENDING"
	StateApproved          State = "APPROVED"
	StateRejected          State = "REJECTED"
	StateRevisionRequested State = "REVISION_REQUESTED"
	StateComplete          State = "COMPLETE"
)

// Role роль участника процесса аккредитации.
type Role string

const (
	RoleSDU            Role = "SDU"
	RoleSDUCoordinator Role = "SDU_COORDINATOR"
	RoleDean           Role = "DEAN"
	RoleAdviser        Role = "ADVISER"
	RoleStudentLeader  Role = "STUDENT_LEADER"
)

// Action действие, которое пользователь запрашивает над сущностью.
type Action string

const (
	ActionApprove         Action = "APPROVE"
	ActionRequestRevision Action = "REQUEST_REVISION"
	ActionResubmit        Action = "RESUBMIT"
	ActionRevoke          Action = "REVOKE"
	ActionComplete        Action = "COMPLETE"
)

var (
	ErrUnknownStatus = errors.New("unknown review status")
	ErrUnknownRole   = errors.New("unknown actor role")
	ErrUnknownAction = errors.New("unknown review action")
	ErrUnknownKind   = errors.New("unknown entity kind")
)

var stateAliases = map[string]State{
	"pending":           StatePending,
	"forreview":         StatePending,
	"approved":          StateApproved,
	"rejected":          StateRejected,
	"revision":          StateRevisionRequested,
	"revisionrequested": StateRevisionRequested,
	"forrevision":       StateRevisionRequested,
	"complete":          StateComplete,
	"completed":         StateComplete,
}

var roleAliases = map[string]Role{
	"sdu":            RoleSDU,
	"sducoordinator": RoleSDUCoordinator,
	"coordinator":    RoleSDUCoordinator,
	"dean":           RoleDean,
	"adviser":        RoleAdviser,
	"advisor":        RoleAdviser,
	"studentleader":  RoleStudentLeader,
	"student":        RoleStudentLeader,
}

var actionAliases = map[string]Action{
	"approve":         ActionApprove,
	"requestrevision": ActionRequestRevision,
	"revision":        ActionRequestRevision,
	"revise":          ActionRequestRevision,
	"sendback":        ActionRequestRevision,
	"resubmit":        ActionResubmit,
	"revoke":          ActionRevoke,
	"complete":        ActionComplete,
	"markcomplete":    ActionComplete,
}

var roleTitles = map[Role]string{
	RoleSDU:            "SDU",
	RoleSDUCoordinator: "SDU Coordinator",
	RoleDean:           "Dean",
	RoleAdviser:        "Adviser",
	RoleStudentLeader:  "Student Leader",
}

// words приводит строку к нижнему регистру и режет по пробелам, '_' и '-'.
// Слово-заполнитель "the" выбрасываем: "Revision From the SDU" == "revision from sdu".
func words(raw string) []string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(raw)), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t' || r == '\n'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "the" {
			out = append(out, f)
		}
	}
	return out
}

func compactKey(raw string) string {
	return strings.Join(words(raw), "")
}

// ParseRole разбирает роль из произвольного написания ("Student Leader", "student_leader", "STUDENT-LEADER").
func ParseRole(raw string) (Role, error) {
	if r, ok := roleAliases[compactKey(raw)]; ok {
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// ParseAction разбирает действие из произвольного написания.
func ParseAction(raw string) (Action, error) {
	if a, ok := actionAliases[compactKey(raw)]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// Title человекочитаемое имя роли, как его показывают экраны SDU.
func (r Role) Title() string {
	if t, ok := roleTitles[r]; ok {
		return t
	}
	return string(r)
}

func (r Role) IsValid() bool {
	_, ok := roleTitles[r]
	return ok
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (a Action) IsValid() bool {
	switch a {
	case ActionApprove, ActionRequestRevision, ActionResubmit, ActionRevoke, ActionComplete:
		return true
	}
	return false
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Status текущее состояние сущности вместе с ролью, которая его выставила.
// Для RevisionRequested By — это requestedBy; для Approved — одобривший ревьюер.
// Отдельных состояний "Revision From SDU" / "Revision From Adviser" нет, чтобы не плодить комбинации.
type Status struct {
	State State
	By    Role
}

// ParseStatus — единственная точка, где строковый статус из UI/БД превращается в перечисление.
// Принимает любые регистр и пробелы: "Revision From SDU", " revision from the sdu ", "APPROVED".
func ParseStatus(raw string) (Status, error) {
	ws := words(raw)
	if len(ws) == 0 {
		return Status{}, fmt.Errorf("%w: empty", ErrUnknownStatus)
	}

	head, tail := ws, []string(nil)
	for i, w := range ws {
		if w == "from" || w == "by" {
			head, tail = ws[:i], ws[i+1:]
			break
		}
	}

	state, ok := stateAliases[strings.Join(head, "")]
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}

	st := Status{State: state}
	if len(tail) > 0 {
		role, err := ParseRole(strings.Join(tail, " "))
		if err != nil {
			return Status{}, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
		}
		st.By = role
	}
	return st, nil
}

// MustStatus для констант и тестов.
func MustStatus(raw string) Status {
	st, err := ParseStatus(raw)
	if err != nil {
		panic(err)
	}
	return st
}

func (s Status) IsZero() bool {
	return s.State == ""
}

// IsTerminal из Complete переходов нет.
func (s Status) IsTerminal() bool {
	return s.State == StateComplete
}

// String возвращает отображаемую форму статуса ("Revision From SDU", "Approved By Dean").
func (s Status) String() string {
	switch s.State {
	case StatePending:
		return "Pending"
	case StateRejected:
		return withBy("Rejected", " By ", s.By)
	case StateApproved:
		return withBy("Approved", " By ", s.By)
	case StateRevisionRequested:
		if s.By == "" {
			return "Revision Requested"
		}
		return "Revision From " + s.By.Title()
	case StateComplete:
		return "Complete"
	}
	return string(s.State)
}

func withBy(base, sep string, by Role) string {
	if by == "" {
		return base
	}
	return base + sep + by.Title()
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText пустая строка даёт нулевой статус (поле не задано).
func (s *Status) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*s = Status{}
		return nil
	}
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
