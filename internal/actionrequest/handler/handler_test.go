package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curbwise/internal/actionrequest"
	armodels "curbwise/internal/actionrequest/models"
	"curbwise/internal/docstore/memory"
	"curbwise/internal/orgs"
	orgmodels "curbwise/internal/orgs/models"
	"curbwise/internal/platform/token"
	id "curbwise/pkg/domain"
	"curbwise/pkg/testutil"
)

const signingKey = "test-signing-key"

type env struct {
	store    *memory.Store
	verifier *token.Verifier
	router   chi.Router
	actor    id.UserID
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	store := memory.New("test-handler")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	service, err := actionrequest.New(store, orgs.NewDirectory(store), orgs.NewHandlers(store).Registry(), log)
	require.NoError(t, err)

	verifier := token.NewVerifier(signingKey)
	h := New(service, verifier, "test-handler", log, opts...)
	router := chi.NewRouter()
	h.Register(router)

	actor := id.NewUserID()
	user := orgmodels.User{ID: actor, DisplayName: "Handler Actor", Email: "actor@example.com"}
	require.NoError(t, store.Collection(orgmodels.CollectionUsers).Write(t.Context(), actor.String(), user))

	return &env{store: store, verifier: verifier, router: router, actor: actor}
}

func (e *env) bearer(t *testing.T) string {
	t.Helper()
	raw, err := e.verifier.Mint(e.actor, time.Minute)
	require.NoError(t, err)
	return "Bearer " + raw
}

func validBody(orgID, projID string) map[string]any {
	return map[string]any{
		"action": map[string]any{
			"kind":    "organization.created",
			"payload": map[string]any{"organizationId": orgID, "projectId": projID, "name": "Curb Ops"},
		},
		"idempotencyKey": string(id.NewIdempotencyKey()),
		"correlationId":  string(id.NewCorrelationID()),
	}
}

func TestSubmitRejectsNonPost(t *testing.T) {
	e := newEnv(t)
	req := testutil.NewJSONRequest(t, http.MethodGet, "/submitActionRequest", nil)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusMethodNotAllowed)
	testutil.AssertJSONContains(t, rr, "status", "method-not-allowed")
}

func TestSubmitRejectsNonObjectBody(t *testing.T) {
	e := newEnv(t)
	req := testutil.NewRequestWithBody(t, http.MethodPost, "/submitActionRequest", "not json")
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertJSONContains(t, rr, "status", "validation-failed")
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name  string
		strip string
		field string
	}{
		{name: "no action", strip: "action", field: "action"},
		{name: "no idempotency key", strip: "idempotencyKey", field: "idempotencyKey"},
		{name: "no correlation id", strip: "correlationId", field: "correlationId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			body := validBody("org_1", "prj_1")
			delete(body, tc.strip)
			req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
			rr := testutil.DoRequest(e.router, req)
			testutil.AssertStatus(t, rr, http.StatusBadRequest)
			testutil.AssertJSONContains(t, rr, "field", tc.field)
		})
	}
}

func TestSubmitRejectsBadIdentifiers(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")
	body["idempotencyKey"] = "not-a-key"
	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertJSONContains(t, rr, "field", "idempotencyKey")
}

func TestSubmitRejectsMalformedAction(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")
	body["action"] = map[string]any{"kind": "organization.destroyed", "payload": map[string]any{}}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertJSONContains(t, rr, "field", "action.kind")
}

func TestSubmitRejectsNamespaceOverrideInProduction(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")
	body["namespace"] = "somewhere-else"
	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertJSONContains(t, rr, "field", "namespace")
}

func TestSubmitAuthenticationGates(t *testing.T) {
	e := newEnv(t)

	t.Run("missing credential", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", validBody("org_1", "prj_1"))
		rr := testutil.DoRequest(e.router, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
		testutil.AssertJSONContains(t, rr, "status", "unauthorized")
	})

	t.Run("not a bearer scheme", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", validBody("org_1", "prj_1"))
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rr := testutil.DoRequest(e.router, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		forged, err := token.NewVerifier("some-other-key").Mint(e.actor, time.Minute)
		require.NoError(t, err)
		req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", validBody("org_1", "prj_1"))
		req.Header.Set("Authorization", "Bearer "+forged)
		rr := testutil.DoRequest(e.router, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})

	t.Run("actorId bypass is emulator-only", func(t *testing.T) {
		body := validBody("org_1", "prj_1")
		body["actorId"] = e.actor.String()
		req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
		rr := testutil.DoRequest(e.router, req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})
}

func TestSubmitAuthenticatedActorWithoutUserRecord(t *testing.T) {
	e := newEnv(t)
	ghost := id.NewUserID()
	raw, err := e.verifier.Mint(ghost, time.Minute)
	require.NoError(t, err)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", validBody("org_1", "prj_1"))
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := testutil.DoRequest(e.router, req)

	// The credential is fine; the missing user aggregate is our fault.
	testutil.AssertStatus(t, rr, http.StatusInternalServerError)
	testutil.AssertJSONContains(t, rr, "status", "error")
}

func TestSubmitSuccess(t *testing.T) {
	e := newEnv(t)
	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", validBody("org_1", "prj_1"))
	req.Header.Set("Authorization", e.bearer(t))
	rr := testutil.DoRequest(e.router, req)

	testutil.AssertStatus(t, rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.Equal(t, "completed", (*resp)["status"])
	assert.NotContains(t, *resp, "duplicate")

	processedAt, ok := (*resp)["processedAt"].(string)
	require.True(t, ok)
	_, err := time.Parse("2006-01-02T15:04:05.000Z07:00", processedAt)
	require.NoError(t, err, "processedAt must carry millisecond precision")

	result := (*resp)["resultData"].(map[string]any)
	assert.Equal(t, "org_1", result["organizationId"])

	var org orgmodels.Organization
	require.NoError(t, e.store.Collection(orgmodels.CollectionOrganizations).Read(t.Context(), "org_1", &org))
	assert.Equal(t, "Curb Ops", org.Name)
}

func TestSubmitDuplicateAnswersOKByDefault(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")

	first := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	first.Header.Set("Authorization", e.bearer(t))
	testutil.AssertStatus(t, testutil.DoRequest(e.router, first), http.StatusOK)

	second := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	second.Header.Set("Authorization", e.bearer(t))
	rr := testutil.DoRequest(e.router, second)
	testutil.AssertStatus(t, rr, http.StatusOK)
	testutil.AssertJSONContains(t, rr, "duplicate", true)
	testutil.AssertJSONContains(t, rr, "status", "completed")
}

// A key whose first submission is still being dispatched answers 409 with
// status pending, so the client knows to poll rather than treat it as done.
func TestSubmitDuplicateOfInFlightRequestAnswersConflict(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")

	key, err := id.ParseIdempotencyKey(body["idempotencyKey"].(string))
	require.NoError(t, err)
	inflight := armodels.Request{
		ID:             id.ActionRequestIDFromKey(key),
		ActorID:        e.actor,
		IdempotencyKey: key,
		Status:         armodels.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, e.store.Collection(armodels.CollectionCompletedActions).
		Write(t.Context(), inflight.ID.String(), inflight))

	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	req.Header.Set("Authorization", e.bearer(t))
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertJSONContains(t, rr, "status", "pending")
	testutil.AssertJSONContains(t, rr, "duplicate", true)

	// The in-flight record is untouched; no second dispatch happened.
	var stored armodels.Request
	require.NoError(t, e.store.Collection(armodels.CollectionCompletedActions).
		Read(t.Context(), inflight.ID.String(), &stored))
	assert.Equal(t, armodels.StatusPending, stored.Status)
}

func TestSubmitDuplicateConflictOption(t *testing.T) {
	e := newEnv(t, WithDuplicateConflict())
	body := validBody("org_1", "prj_1")

	first := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	first.Header.Set("Authorization", e.bearer(t))
	testutil.AssertStatus(t, testutil.DoRequest(e.router, first), http.StatusOK)

	second := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	second.Header.Set("Authorization", e.bearer(t))
	rr := testutil.DoRequest(e.router, second)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertJSONContains(t, rr, "status", "duplicate")
}

func TestSubmitDomainFailureAnswers500WithRecord(t *testing.T) {
	e := newEnv(t)
	body := validBody("org_1", "prj_1")

	first := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	first.Header.Set("Authorization", e.bearer(t))
	testutil.AssertStatus(t, testutil.DoRequest(e.router, first), http.StatusOK)

	// A second organization with the same id under a fresh key fails in the
	// handler, which lands the new record in failed.
	again := validBody("org_1", "prj_other")
	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", again)
	req.Header.Set("Authorization", e.bearer(t))
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusInternalServerError)
	testutil.AssertJSONContains(t, rr, "status", "failed")

	resp := testutil.UnmarshalResponse[map[string]any](t, rr)
	assert.Contains(t, (*resp)["error"], "already exists")
}

func TestEmulatorModeAllowsActorBypass(t *testing.T) {
	e := newEnv(t, WithEmulatorMode())
	body := validBody("org_1", "prj_1")
	body["actorId"] = e.actor.String()
	body["namespace"] = "test-handler"

	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)
	testutil.AssertJSONContains(t, rr, "status", "completed")
}

func TestEmulatorModeRejectsForeignNamespace(t *testing.T) {
	e := newEnv(t, WithEmulatorMode())
	body := validBody("org_1", "prj_1")
	body["actorId"] = e.actor.String()
	body["namespace"] = "someone-elses-namespace"

	req := testutil.NewJSONRequest(t, http.MethodPost, "/submitActionRequest", body)
	rr := testutil.DoRequest(e.router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertJSONContains(t, rr, "field", "namespace")
}
