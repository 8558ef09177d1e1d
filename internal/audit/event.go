package audit

import "time"

// Исходы перехода в журнале
const (
	OutcomeConfirmed = "CONFIRMED" // сервер записал новый статус
	OutcomeRejected  = "REJECTED"  // движок отказал (illegal / unauthorized / missing notes)
	OutcomeConflict  = "CONFLICT"  // статус успел измениться (оптимистичная блокировка)
	OutcomeFailed    = "FAILED"    // ошибка хранилища
)

// ReviewEvent одна попытка перехода статуса, успешная или нет.
// История статусов сущности (status_history) хранит только подтверждённые переходы,
// журнал аудита — все попытки, включая отказы.
type ReviewEvent struct {
	ID        string `json:"id"`       // UUID события
	TraceID   string `json:"trace_id"` // Сквозной ID запроса
	Kind      string `json:"kind"`
	EntityID  string `json:"entity_id"`
	ActorID   string `json:"actor_id"`   // Кто делал
	ActorRole string `json:"actor_role"` // В какой роли
	Action    string `json:"action"`     // Что хотел сделать

	FromStatus string  `json:"from_status"`
	ToStatus   string  `json:"to_status,omitempty"`
	Notes      *string `json:"notes,omitempty"`

	// Результат
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"` // ILLEGAL_TRANSITION, UNAUTHORIZED, MISSING_NOTES
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"` // Время обработки
	Error      string    `json:"error,omitempty"`
}

// Filter выборка журнала для GET /v1/audit.
type Filter struct {
	Kind     string
	EntityID string
	ActorID  string
	Outcome  string
	Limit    int
}
