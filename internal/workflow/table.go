package workflow

import (
	"fmt"

	"github.com/xela07ax/sdu-review-console/internal/domain"
)

// rule строка таблицы переходов.
type rule struct {
	from          domain.State
	action        domain.Action
	to            domain.State
	requiresNotes bool

	// reviewers: роли берутся из Policy по типу сущности.
	reviewers bool
	roles     []domain.Role

	// kinds пусто: правило действует для всех типов.
	kinds []domain.Kind

	// stampActor записывает роль исполнителя в Status.By нового состояния.
	stampActor bool
}

func (r rule) appliesTo(kind domain.Kind) bool {
	if len(r.kinds) == 0 {
		return true
	}
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r rule) allowed(p Policy, kind domain.Kind) []domain.Role {
	if r.reviewers {
		return p.Reviewers(kind)
	}
	return r.roles
}

// defaultRules Pending → Approved / RevisionRequested → Pending → Approved.
// Complete есть только у ростеров ("ростер отмечен завершённым").
var defaultRules = []rule{
	{from: domain.StatePending, action: domain.ActionApprove, to: domain.StateApproved, reviewers: true, stampActor: true},
	{from: domain.StatePending, action: domain.ActionRequestRevision, to: domain.StateRevisionRequested, requiresNotes: true, reviewers: true, stampActor: true},
	{from: domain.StateRevisionRequested, action: domain.ActionResubmit, to: domain.StatePending, roles: []domain.Role{domain.RoleStudentLeader}},
	{from: domain.StateRevisionRequested, action: domain.ActionApprove, to: domain.StateApproved, reviewers: true, stampActor: true},
	{from: domain.StateApproved, action: domain.ActionRevoke, to: domain.StatePending, requiresNotes: true, roles: []domain.Role{domain.RoleSDU}},
	{
		from: domain.StateApproved, action: domain.ActionComplete, to: domain.StateComplete,
		roles:      []domain.Role{domain.RoleSDU, domain.RoleSDUCoordinator},
		kinds:      []domain.Kind{domain.KindRoster},
		stampActor: true,
	},
}

// Policy набор ревьюеров по типу сущности. Кто может одобрять, зависит от экрана:
// профиль организации одобряет только SDU, ростер — SDU и эдвайзер и т.д.
type Policy struct {
	reviewers map[domain.Kind][]domain.Role
	fallback  []domain.Role
}

// DefaultPolicy роли ревьюеров, как они сложились на экранах консоли.
func DefaultPolicy() Policy {
	all := []domain.Role{domain.RoleSDU, domain.RoleSDUCoordinator, domain.RoleDean, domain.RoleAdviser}
	noDean := []domain.Role{domain.RoleSDU, domain.RoleSDUCoordinator, domain.RoleAdviser}

	return Policy{
		reviewers: map[domain.Kind][]domain.Role{
			domain.KindDocument:            all,
			domain.KindProposal:            all,
			domain.KindProposalConduct:     all,
			domain.KindAccreditation:       all,
			domain.KindRoster:              noDean,
			domain.KindFinancialReport:     noDean,
			domain.KindOrganizationProfile: {domain.RoleSDU, domain.RoleSDUCoordinator},
		},
		fallback: []domain.Role{domain.RoleSDU, domain.RoleDean, domain.RoleAdviser},
	}
}

// Reviewers роли, которые могут одобрять/возвращать сущность данного типа.
func (p Policy) Reviewers(kind domain.Kind) []domain.Role {
	if roles, ok := p.reviewers[kind]; ok {
		return roles
	}
	return p.fallback
}

// WithOverrides накладывает ревьюеров из конфигурации (workflow.reviewers.<kind>: [roles]).
func (p Policy) WithOverrides(overrides map[string][]string) (Policy, error) {
	out := Policy{reviewers: make(map[domain.Kind][]domain.Role, len(p.reviewers)), fallback: p.fallback}
	for k, v := range p.reviewers {
		out.reviewers[k] = v
	}

	for rawKind, rawRoles := range overrides {
		kind, err := domain.ParseKind(rawKind)
		if err != nil {
			return Policy{}, fmt.Errorf("workflow: reviewers override: %w", err)
		}
		roles := make([]domain.Role, 0, len(rawRoles))
		for _, rr := range rawRoles {
			role, err := domain.ParseRole(rr)
			if err != nil {
				return Policy{}, fmt.Errorf("workflow: reviewers override for %s: %w", kind, err)
			}
			if role == domain.RoleStudentLeader {
				// Заявитель не может одобрять сам себя
				return Policy{}, fmt.Errorf("workflow: %s cannot review %s", role.Title(), kind)
			}
			roles = append(roles, role)
		}
		out.reviewers[kind] = roles
	}
	return out, nil
}

func (p Policy) isReviewer(kind domain.Kind, role domain.Role) bool {
	return containsRole(p.Reviewers(kind), role)
}

func containsRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
