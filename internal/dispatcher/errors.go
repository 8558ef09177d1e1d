package dispatcher

import (
	"errors"
	"fmt"

	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
)

var (
	// ErrAlreadyInFlight по этой сущности уже есть неподтверждённый запрос (двойной клик по "Approve").
	ErrAlreadyInFlight = errors.New("a submission for this entity is already in flight")

	// ErrSubmissionFailed сетевая или серверная ошибка. Единственный "неопределённый" исход.
	ErrSubmissionFailed = errors.New("submission failed")
)

// SubmissionFailedError детали ошибки отправки. Message — текст сервера как есть ({message}),
// либо общий текст, если сервер ничего не прислал.
type SubmissionFailedError struct {
	Kind       domain.Kind
	EntityID   string
	Action     domain.Action
	StatusCode int
	Message    string
	Timeout    bool

	// Rollback статус, который UI должен показать вместо оптимистичного.
	Rollback domain.Status
	Err      error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("submission failed for %s %s: %s", e.Kind, e.EntityID, e.Message)
}

func (e *SubmissionFailedError) Unwrap() error {
	return e.Err
}

func (e *SubmissionFailedError) Is(target error) bool {
	return target == ErrSubmissionFailed
}

// ConfirmationError переход разрешён, но перезаписывает решение другого ревьюера.
// UI показывает Advisory.Message и повторяет Submit с Confirmed=true.
type ConfirmationError struct {
	Advisory workflow.Advisory
}

func (e *ConfirmationError) Error() string {
	return "confirmation required: " + e.Advisory.Message
}

func (e *ConfirmationError) Unwrap() error {
	return workflow.ErrConfirmationRequired
}

// IsLocal ошибки, которые никогда не доходят до сети и восстанавливаются в UI.
func IsLocal(err error) bool {
	return errors.Is(err, ErrAlreadyInFlight) ||
		errors.Is(err, workflow.ErrConfirmationRequired) ||
		workflow.ReasonOf(err) != ""
}
