package workflow

/*
Файл engine.go — единая таблица переходов для всех экранов проверки
(документы, ростеры, планы мероприятий, финансовые отчёты, профили организаций).

Движок чисто вычислительный: не ходит в сеть и не мутирует сущность.
Ввод (строки статуса/роли из UI или БД) разбирается один раз на границе
в закрытые перечисления пакета domain.
*/

import (
	"fmt"
	"strings"

	"github.com/xela07ax/sdu-review-console/internal/domain"
)

// Evaluation входные данные для решения о переходе.
type Evaluation struct {
	Kind    domain.Kind
	Current domain.Status
	Role    domain.Role
	Action  domain.Action
	Notes   string
}

// Advisory предупреждение: текущий статус выставлен другим ревьюером
// ("already updated by the Dean"). Переход разрешён, но требует подтверждения.
type Advisory struct {
	PriorRole domain.Role `json:"priorRole"`
	Message   string      `json:"message"`
}

// Decision результат успешной проверки перехода.
type Decision struct {
	From          domain.Status
	Next          domain.Status
	Action        domain.Action
	RequiresNotes bool
	Advisory      *Advisory
}

// NeedsConfirmation без явного подтверждения вызывающий не должен отправлять переход.
func (d Decision) NeedsConfirmation() bool {
	return d.Advisory != nil
}

type Engine struct {
	rules  []rule
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{rules: defaultRules, policy: policy}
}

var defaultEngine = NewEngine(DefaultPolicy())

// Default движок с политикой по умолчанию.
func Default() *Engine {
	return defaultEngine
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate проверяет переход по таблице.
//
// Порядок проверок:
//  1. неизвестные статус/действие → IllegalTransition, неизвестная роль → Unauthorized;
//  2. пары (статус, действие) нет в таблице → Unauthorized, если роль не может выполнять
//     это действие ни в одной строке (заявитель не одобряет сам себя), иначе IllegalTransition;
//  3. строка требует заметок, а они пустые → MissingNotes (независимо от роли);
//  4. роли нет среди разрешённых для строки → Unauthorized.
func (e *Engine) Evaluate(ev Evaluation) (Decision, error) {
	if !ev.Role.IsValid() {
		return Decision{}, reject(ReasonUnauthorized, ev, fmt.Sprintf("unknown role %q", ev.Role))
	}
	if !ev.Action.IsValid() {
		return Decision{}, reject(ReasonIllegalTransition, ev, fmt.Sprintf("unknown action %q", ev.Action))
	}
	if ev.Current.IsZero() {
		return Decision{}, reject(ReasonIllegalTransition, ev, "entity has no status")
	}

	r, ok := e.lookup(ev.Kind, ev.Current.State, ev.Action)
	if !ok {
		if !e.canEver(ev.Kind, ev.Role, ev.Action) {
			return Decision{}, reject(ReasonUnauthorized, ev, "")
		}
		return Decision{}, reject(ReasonIllegalTransition, ev, "")
	}

	if r.requiresNotes && strings.TrimSpace(ev.Notes) == "" {
		return Decision{}, reject(ReasonMissingNotes, ev, "")
	}

	if !containsRole(r.allowed(e.policy, ev.Kind), ev.Role) {
		return Decision{}, reject(ReasonUnauthorized, ev, "")
	}

	next := domain.Status{State: r.to}
	if r.stampActor {
		next.By = ev.Role
	}

	return Decision{
		From:          ev.Current,
		Next:          next,
		Action:        ev.Action,
		RequiresNotes: r.requiresNotes,
		Advisory:      e.advisory(ev),
	}, nil
}

// advisory срабатывает, когда ревьюер перезаписывает решение другой роли.
func (e *Engine) advisory(ev Evaluation) *Advisory {
	prior := ev.Current.By
	if prior == "" || prior == ev.Role || prior == domain.RoleStudentLeader {
		return nil
	}
	if !e.policy.isReviewer(ev.Kind, ev.Role) && ev.Role != domain.RoleSDU {
		return nil
	}
	return &Advisory{
		PriorRole: prior,
		Message:   fmt.Sprintf("already updated by the %s", prior.Title()),
	}
}

func (e *Engine) lookup(kind domain.Kind, from domain.State, action domain.Action) (rule, bool) {
	for _, r := range e.rules {
		if r.from == from && r.action == action && r.appliesTo(kind) {
			return r, true
		}
	}
	return rule{}, false
}

func (e *Engine) canEver(kind domain.Kind, role domain.Role, action domain.Action) bool {
	for _, r := range e.rules {
		if r.action == action && r.appliesTo(kind) && containsRole(r.allowed(e.policy, kind), role) {
			return true
		}
	}
	return false
}

// AvailableActions действия, которые UI может показать этой роли (без учёта заметок).
func (e *Engine) AvailableActions(kind domain.Kind, current domain.Status, role domain.Role) []domain.Action {
	actions := make([]domain.Action, 0, 2)
	for _, r := range e.rules {
		if r.from != current.State || !r.appliesTo(kind) {
			continue
		}
		if containsRole(r.allowed(e.policy, kind), role) {
			actions = append(actions, r.action)
		}
	}
	return actions
}

// Settled сущность уже в том статусе, который дал бы роли переход к состоянию to.
// Повтор POST с тем же целевым статусом после потерянного ответа ничего не меняет.
func (e *Engine) Settled(kind domain.Kind, current domain.Status, role domain.Role, to domain.State) bool {
	for _, r := range e.rules {
		if r.to != to || !r.appliesTo(kind) || !containsRole(r.allowed(e.policy, kind), role) {
			continue
		}
		next := domain.Status{State: r.to}
		if r.stampActor {
			next.By = role
		}
		if next == current {
			return true
		}
	}
	return false
}

// ResolveAction определяет действие по целевому статусу из тела POST /status.
// Пара (from, to) в таблице уникальна, поэтому неоднозначности нет.
func (e *Engine) ResolveAction(kind domain.Kind, from domain.State, to domain.State) (domain.Action, error) {
	for _, r := range e.rules {
		if r.from == from && r.to == to && r.appliesTo(kind) {
			return r.action, nil
		}
	}
	return "", &Rejection{
		Reason: ReasonIllegalTransition,
		State:  from,
		Detail: fmt.Sprintf("no transition to %s", to),
	}
}

// Result форма ответа для границы со строковыми входами (UI, CLI).
type Result struct {
	OK         bool          `json:"ok"`
	NextStatus domain.Status `json:"nextStatus,omitempty"`
	Reason     Reason        `json:"reason,omitempty"`
	Advisory   *Advisory     `json:"advisory,omitempty"`
}

// EvaluateTransition принимает строки в любом регистре и с пробелами,
// нормализует их и проверяет переход движком по умолчанию.
func EvaluateTransition(currentStatus, actorRole, action, notes string) Result {
	return Default().EvaluateStrings("", currentStatus, actorRole, action, notes)
}

func (e *Engine) EvaluateStrings(kind domain.Kind, currentStatus, actorRole, action, notes string) Result {
	ev := Evaluation{Kind: kind, Notes: notes}

	role, err := domain.ParseRole(actorRole)
	if err != nil {
		return Result{Reason: ReasonUnauthorized}
	}
	ev.Role = role

	act, err := domain.ParseAction(action)
	if err != nil {
		return Result{Reason: ReasonIllegalTransition}
	}
	ev.Action = act

	st, err := domain.ParseStatus(currentStatus)
	if err != nil {
		return Result{Reason: ReasonIllegalTransition}
	}
	ev.Current = st

	d, err := e.Evaluate(ev)
	if err != nil {
		return Result{Reason: ReasonOf(err)}
	}
	return Result{OK: true, NextStatus: d.Next, Advisory: d.Advisory}
}
