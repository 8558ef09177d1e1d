package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind тип проверяемой сущности. Он же определяет REST-коллекцию.
type Kind string

const (
	KindDocument            Kind = "document"
	KindRoster              Kind = "roster"
	KindProposal            Kind = "proposal"
	KindProposalConduct     Kind = "proposal-conduct"
	KindFinancialReport     Kind = "financial-report"
	KindOrganizationProfile Kind = "organization-profile"
	KindAccreditation       Kind = "accreditation"
)

// AllKinds порядок, в котором дашборд выводит сущности.
var AllKinds = []Kind{
	KindDocument,
	KindRoster,
	KindProposal,
	KindProposalConduct,
	KindFinancialReport,
	KindOrganizationProfile,
	KindAccreditation,
}

var kindAliases = map[string]Kind{
	"document":             KindDocument,
	"documents":            KindDocument,
	"roster":               KindRoster,
	"rosters":              KindRoster,
	"proposal":             KindProposal,
	"proposals":            KindProposal,
	"proposalconduct":      KindProposalConduct,
	"proposalconducts":     KindProposalConduct,
	"financialreport":      KindFinancialReport,
	"financialreports":     KindFinancialReport,
	"organizationprofile":  KindOrganizationProfile,
	"organizationprofiles": KindOrganizationProfile,
	"accreditation":        KindAccreditation,
	"accreditations":       KindAccreditation,
}

// ParseKind принимает как единственное, так и множественное число ("rosters" == "roster").
func ParseKind(raw string) (Kind, error) {
	if k, ok := kindAliases[compactKey(raw)]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Collection имя REST-коллекции: /v1/<collection>/<id>.
func (k Kind) Collection() string {
	return string(k) + "s"
}

// ReviewableEntity любой объект, который требует одобрения SDU:
// документ, ростер, план мероприятий, финансовый отчёт, профиль организации.
// Владелец данных — Entity Store; движок workflow их не мутирует.
type ReviewableEntity struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	OrganizationID string         `json:"organizationId"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	RevisionNotes  *string        `json:"revisionNotes,omitempty"` // только для "отправленных на доработку"
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// HistoryEntry запись журнала статусов. Журнал только дописывается (audit).
type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	Status    Status    `json:"status"`
	ActorRole Role      `json:"actorRole"`
	ActorID   string    `json:"actorId,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionRequest ещё не подтверждённое сервером действие.
// Живёт от подтверждения в модальном окне до ответа сервера.
type TransitionRequest struct {
	Kind      Kind
	EntityID  string
	Action    Action
	Notes     string
	ActorRole Role
	ActorID   string

	// Confirmed: пользователь подтвердил перезапись решения другого ревьюера.
	Confirmed bool

	// Current последний подтверждённый статус, который видит вызывающий.
	// Если nil, диспетчер перечитает сущность.
	Current *Status
}

// Key ключ сущности для гарантии "не более одного запроса в полёте".
func (r TransitionRequest) Key() string {
	return string(r.Kind) + ":" + r.EntityID
}

// StatusUpdate тело POST /<collection>/<id>/status.
// Переход определяется целевым статусом, а не счётчиком, поэтому повторная отправка идемпотентна.
type StatusUpdate struct {
	Status        Status  `json:"status" validate:"required"`
	RevisionNotes *string `json:"revisionNotes,omitempty"`
	Confirmed     bool    `json:"confirmed,omitempty"`
}

// EntityFilter фильтры списка. Нулевой Status: без фильтра по статусу.
type EntityFilter struct {
	Status Status
	Query  string
	Limit  int
}

// StatusChange разрешённый движком переход, который хранилище записывает
// только если текущий статус всё ещё равен Expected.
type StatusChange struct {
	Kind      Kind
	ID        string
	Expected  Status
	Next      Status
	Notes     *string
	ActorRole Role
	ActorID   string
}

var (
	// ErrNotFound сущность (или пользователь) не найдена.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict статус изменился с момента чтения (другой ревьюер успел раньше).
	ErrStatusConflict = errors.New("status changed concurrently")
)
