package workflow

import (
	"errors"
	"fmt"

	"github.com/xela07ax/sdu-review-console/internal/domain"
)

// Reason причина отказа в переходе. Строковые значения отдаются клиенту как есть.
type Reason string

const (
	ReasonIllegalTransition Reason = "IllegalTransition"
	ReasonUnauthorized      Reason = "Unauthorized"
	ReasonMissingNotes      Reason = "MissingNotes"
)

var (
	ErrIllegalTransition = errors.New("illegal review transition")
	ErrUnauthorized      = errors.New("role is not allowed to perform this action")
	ErrMissingNotes      = errors.New("revision notes are required")

	// ErrConfirmationRequired решение другого ревьюера перезаписывается без подтверждения.
	ErrConfirmationRequired = errors.New("override of another reviewer's decision requires confirmation")
)

var reasonErrors = map[Reason]error{
	ReasonIllegalTransition: ErrIllegalTransition,
	ReasonUnauthorized:      ErrUnauthorized,
	ReasonMissingNotes:      ErrMissingNotes,
}

// Rejection отказ движка. Все отказы восстанавливаются локально и до сети не доходят.
type Rejection struct {
	Reason Reason
	State  domain.State
	Action domain.Action
	Role   domain.Role
	Detail string
}

func reject(reason Reason, ev Evaluation, detail string) *Rejection {
	return &Rejection{
		Reason: reason,
		State:  ev.Current.State,
		Action: ev.Action,
		Role:   ev.Role,
		Detail: detail,
	}
}

func (e *Rejection) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Reason, reasonErrors[e.Reason])
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap позволяет errors.Is(err, workflow.ErrMissingNotes).
func (e *Rejection) Unwrap() error {
	return reasonErrors[e.Reason]
}

// ReasonOf достаёт причину из цепочки ошибок, пустая строка: это не отказ движка.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
