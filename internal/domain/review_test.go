package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"Pending", Status{State: StatePending}},
		{"  for review ", Status{State: StatePending}},
		{"APPROVED", Status{State: StateApproved}},
		{"Approved By SDU", Status{State: StateApproved, By: RoleSDU}},
		{"approved by the sdu coordinator", Status{State: StateApproved, By: RoleSDUCoordinator}},
		{"Revision From SDU", Status{State: StateRevisionRequested, By: RoleSDU}},
		{" revision from the sdu ", Status{State: StateRevisionRequested, By: RoleSDU}},
		{"Revision From Advisor", Status{State: StateRevisionRequested, By: RoleAdviser}},
		{"revision_requested", Status{State: StateRevisionRequested}},
		{"Completed", Status{State: StateComplete}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseStatus(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus_Unknown(t *testing.T) {
	for _, raw := range []string{"", "   ", "Archived", "Approved By Janitor"} {
		_, err := ParseStatus(raw)
		assert.ErrorIs(t, err, ErrUnknownStatus, raw)
	}
}

func TestStatus_StringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"Pending",
		"Approved By SDU",
		"Approved By Dean",
		"Revision From SDU Coordinator",
		"Revision From Adviser",
		"Revision Requested",
		"Complete",
	} {
		st := MustStatus(raw)
		assert.Equal(t, raw, st.String())

		again, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, again)
	}
}

func TestStatus_JSON(t *testing.T) {
	var e ReviewableEntity
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r-1","status":"revision from the dean"}`), &e))
	assert.Equal(t, Status{State: StateRevisionRequested, By: RoleDean}, e.Status)

	out, err := json.Marshal(e.Status)
	require.NoError(t, err)
	assert.JSONEq(t, `"Revision From Dean"`, string(out))

	var upd StatusUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"status":""}`), &upd))
	assert.True(t, upd.Status.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"status":"Shredded"}`), &upd))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, MustStatus("Complete").IsTerminal())
	assert.False(t, MustStatus("Approved By SDU").IsTerminal())
}

func TestParseRole(t *testing.T) {
	for raw, want := range map[string]Role{
		"Student Leader":  RoleStudentLeader,
		"student_leader":  RoleStudentLeader,
		"STUDENT-LEADER":  RoleStudentLeader,
		"SDU_COORDINATOR": RoleSDUCoordinator,
		"advisor":         RoleAdviser,
		" Dean ":          RoleDean,
	} {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseRole("registrar")
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.False(t, Role("REGISTRAR").IsValid())
}

func TestParseAction(t *testing.T) {
	got, err := ParseAction("Request Revision")
	require.NoError(t, err)
	assert.Equal(t, ActionRequestRevision, got)

	got, err = ParseAction("mark-complete")
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, got)

	_, err = ParseAction("delete")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{
		"rosters":              KindRoster,
		"roster":               KindRoster,
		"financial-reports":    KindFinancialReport,
		"Organization Profile": KindOrganizationProfile,
		"proposal_conducts":    KindProposalConduct,
		"accreditations":       KindAccreditation,
	} {
		got, err := ParseKind(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseKind("invoices")
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, "financial-reports", KindFinancialReport.Collection())
	for _, k := range AllKinds {
		back, err := ParseKind(k.Collection())
		require.NoError(t, err)
		assert.Equal(t, k, back)
	}
}

func TestTransitionRequest_Key(t *testing.T) {
	a := TransitionRequest{Kind: KindRoster, EntityID: "1", Action: ActionApprove}
	b := TransitionRequest{Kind: KindRoster, EntityID: "1", Action: ActionRevoke}
	c := TransitionRequest{Kind: KindDocument, EntityID: "1"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestBuildDashboard(t *testing.T) {
	d := BuildDashboard([]StateCount{
		{Kind: KindRoster, State: StatePending, Count: 4},
		{Kind: KindRoster, State: StateApproved, Count: 2},
		{Kind: KindDocument, State: StateRevisionRequested, Count: 3},
		{Kind: KindDocument, State: StatePending, Count: 1},
		{Kind: "unknown", State: StatePending, Count: 100},
	})

	assert.EqualValues(t, 5, d.TotalPending)
	assert.EqualValues(t, 3, d.TotalRevision)
	assert.EqualValues(t, 2, d.TotalApproved)

	require.Len(t, d.ByKind, len(AllKinds))
	assert.Equal(t, KindDocument, d.ByKind[0].Kind)
	assert.EqualValues(t, 4, d.ByKind[0].Total)
	assert.Equal(t, KindRoster, d.ByKind[1].Kind)
	assert.EqualValues(t, 6, d.ByKind[1].Total)
	assert.EqualValues(t, 0, d.ByKind[len(d.ByKind)-1].Total)
}
