package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/jmsmuy/nodeGroupOrganizer/solver"
)

func TestSignEmailRoundTrip(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")

	token := signEmail("alice@example.com")
	require.Contains(t, token, ".")

	r := httptest.NewRequest("GET", "/api/plans", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	email, ok := authorize(r)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", email)
}

func TestAuthorizeRejectsTamperedToken(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")

	token := signEmail("alice@example.com")
	parts := strings.SplitN(token, ".", 2)
	forged := signEmail("mallory@example.com")
	forgedParts := strings.SplitN(forged, ".", 2)

	for _, bad := range []string{
		forgedParts[0] + "." + parts[1],
		parts[0] + "." + forgedParts[1],
		parts[0] + "." + strings.Repeat("A", len(parts[1])),
	} {
		r := httptest.NewRequest("GET", "/api/plans", nil)
		r.Header.Set("Authorization", "Bearer "+bad)
		_, ok := authorize(r)
		require.False(t, ok, "token %q should be rejected", bad)
	}
}

func TestAuthorizeRejectsMalformedToken(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")

	for _, bad := range []string{"", "nodot", "!!!.sig", "Bearer"} {
		r := httptest.NewRequest("GET", "/api/plans", nil)
		if bad != "" {
			r.Header.Set("Authorization", "Bearer "+bad)
		}
		_, ok := authorize(r)
		require.False(t, ok, "token %q should be rejected", bad)
	}
}

func TestAuthorizeChangesWithSecret(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "first-secret")
	token := signEmail("alice@example.com")

	t.Setenv("CLIENT_SECRET", "second-secret")
	r := httptest.NewRequest("GET", "/api/plans", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, ok := authorize(r)
	require.False(t, ok)
}

func TestIsAdmin(t *testing.T) {
	t.Setenv("ADMINS", "root@example.com, ops@example.com")

	require.True(t, isAdmin("root@example.com"))
	require.True(t, isAdmin("ops@example.com"))
	require.False(t, isAdmin("guest@example.com"))
	require.False(t, isAdmin(""))
}

func TestValidatePlanDocument(t *testing.T) {
	good := planDocument{
		MinWeight: 2,
		MaxWeight: 4,
		Nodes: []documentNode{
			{Name: "a", Weight: 1, Tags: []string{"x"}},
			{Name: "b", Weight: 1},
			{Name: "c", Weight: 2},
		},
		Links: []documentLink{
			{From: "a", To: "b", Weight: 3},
			{From: "b", To: "a", Weight: 1},
		},
		FixedGroups: []documentFixedGrp{
			{Name: "pair", Members: []string{"a", "b"}},
		},
	}
	require.Empty(t, validatePlanDocument(&good))

	cases := []struct {
		name    string
		mutate  func(*planDocument)
		message string
	}{
		{
			name:    "empty node name",
			mutate:  func(d *planDocument) { d.Nodes[0].Name = "" },
			message: "node name must not be empty",
		},
		{
			name:    "duplicate node name",
			mutate:  func(d *planDocument) { d.Nodes[1].Name = "a" },
			message: `duplicate node name "a"`,
		},
		{
			name:    "negative weight",
			mutate:  func(d *planDocument) { d.Nodes[2].Weight = -1 },
			message: `node "c" weight must be at least 0`,
		},
		{
			name:    "unknown link endpoint",
			mutate:  func(d *planDocument) { d.Links[0].To = "ghost" },
			message: `link references unknown node "ghost"`,
		},
		{
			name:    "self link",
			mutate:  func(d *planDocument) { d.Links[0].To = "a" },
			message: `link from "a" to itself`,
		},
		{
			name:    "duplicate link pair",
			mutate:  func(d *planDocument) { d.Links[1] = documentLink{From: "a", To: "b", Weight: 5} },
			message: `duplicate link from "a" to "b"`,
		},
		{
			name:    "empty fixed group name",
			mutate:  func(d *planDocument) { d.FixedGroups[0].Name = "" },
			message: "fixed group name must not be empty",
		},
		{
			name:    "unknown fixed group member",
			mutate:  func(d *planDocument) { d.FixedGroups[0].Members[1] = "ghost" },
			message: `fixed group "pair" references unknown node "ghost"`,
		},
		{
			name: "member in two fixed groups",
			mutate: func(d *planDocument) {
				d.FixedGroups = append(d.FixedGroups, documentFixedGrp{Name: "again", Members: []string{"a"}})
			},
			message: `node "a" appears in more than one fixed group`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := good
			doc.Nodes = append([]documentNode(nil), good.Nodes...)
			doc.Links = append([]documentLink(nil), good.Links...)
			doc.FixedGroups = append([]documentFixedGrp(nil), good.FixedGroups...)
			for i := range doc.FixedGroups {
				doc.FixedGroups[i].Members = append([]string(nil), good.FixedGroups[i].Members...)
			}
			tc.mutate(&doc)
			require.Equal(t, tc.message, validatePlanDocument(&doc))
		})
	}
}

func deriveRequest(planID, body string) *http.Request {
	r := httptest.NewRequest("POST", "/api/plans/"+planID+"/links/derive", strings.NewReader(body))
	r.SetPathValue("planID", planID)
	r.Header.Set("Authorization", "Bearer "+signEmail("root@example.com"))
	return r
}

func TestDeriveLinksRejectsMissingWeight(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")
	t.Setenv("ADMINS", "root@example.com")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, body := range []string{`{}`, `{"weight_per_tag": 0}`, `{"tags": ["lang"]}`, `not json`} {
		w := httptest.NewRecorder()
		handleDeriveLinks(db)(w, deriveRequest("1", body))
		require.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		require.Equal(t, "weight_per_tag is required", strings.TrimSpace(w.Body.String()))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveLinksFractionalWeight(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")
	t.Setenv("ADMINS", "root@example.com")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// COUNT(*) is bigint, so an uncast multiplier would be inferred as bigint
	// and fractional weights would fail to bind; absent tags must reach the
	// driver as an empty array rather than NULL, which would filter every row
	mock.ExpectExec(`COUNT\(\*\) \* \$2::float8`).
		WithArgs(int64(1), 2.5, pq.Array([]string{})).
		WillReturnResult(sqlmock.NewResult(0, 3))

	w := httptest.NewRecorder()
	handleDeriveLinks(db)(w, deriveRequest("1", `{"weight_per_tag": 2.5}`))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"links": 3}`, w.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveLinksPassesTagFilter(t *testing.T) {
	t.Setenv("CLIENT_SECRET", "test-secret")
	t.Setenv("ADMINS", "root@example.com")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO links`).
		WithArgs(int64(7), 1.0, pq.Array([]string{"lang", "floor"})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	w := httptest.NewRecorder()
	handleDeriveLinks(db)(w, deriveRequest("7", `{"weight_per_tag": 1, "tags": ["lang", "floor"]}`))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"links": 2}`, w.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSolveResultsNormalizesSlices(t *testing.T) {
	results := solveResults([]solver.Solution{
		{
			Groups: []solver.GroupDetail{
				{Members: []string{"a", "b"}, WeightSum: 2, Affinity: 5},
			},
			TotalWeight: 5,
			Score:       5,
		},
	})
	require.Len(t, results, 1)
	require.NotNil(t, results[0].FreeNodes)
	require.Empty(t, results[0].FreeNodes)
	require.Equal(t, []string{"a", "b"}, results[0].Groups[0].Members)

	require.NotNil(t, solveResults(nil))
	require.Empty(t, solveResults(nil))
}
