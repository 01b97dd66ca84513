package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireAction(t *testing.T, kind Kind, payload any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	require.NoError(t, err)
	return raw
}

func TestDecodeEveryKind(t *testing.T) {
	cases := []struct {
		kind    Kind
		payload any
		subject Subject
	}{
		{
			kind:    KindOrganizationCreated,
			payload: map[string]any{"organizationId": "org_1", "projectId": "prj_1", "name": "Curb Ops"},
			subject: Subject{ID: "org_1", Type: SubjectOrganization},
		},
		{
			kind:    KindOrganizationUpdated,
			payload: map[string]any{"organizationId": "org_1", "name": "Renamed"},
			subject: Subject{ID: "org_1", Type: SubjectOrganization},
		},
		{
			kind:    KindProjectCreated,
			payload: map[string]any{"organizationId": "org_1", "projectId": "prj_2", "name": "Downtown"},
			subject: Subject{ID: "prj_2", Type: SubjectProject},
		},
		{
			kind:    KindMemberAdded,
			payload: map[string]any{"userId": "usr_2", "role": "editor", "displayName": "Sam"},
			subject: Subject{ID: "usr_2", Type: SubjectUser},
		},
		{
			kind:    KindMemberRemoved,
			payload: map[string]any{"userId": "usr_2"},
			subject: Subject{ID: "usr_2", Type: SubjectUser},
		},
		{
			kind:    KindRoleChanged,
			payload: map[string]any{"userId": "usr_2", "role": "admin"},
			subject: Subject{ID: "usr_2", Type: SubjectUser},
		},
		{
			kind:    KindUserUpdated,
			payload: map[string]any{"userId": "usr_2", "displayName": "Sam R"},
			subject: Subject{ID: "usr_2", Type: SubjectUser},
		},
		{
			kind:    KindUserForgotten,
			payload: map[string]any{"userId": "usr_2", "reason": "gdpr request"},
			subject: Subject{ID: "usr_2", Type: SubjectUser},
		},
	}

	decoded := map[Kind]bool{}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			act, err := Decode(wireAction(t, tc.kind, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, act.Kind())
			assert.Equal(t, tc.subject, act.Subject())
		})
		decoded[tc.kind] = true
	}

	// The table above must stay exhaustive when a kind is added.
	for _, kind := range Kinds() {
		assert.True(t, decoded[kind], "no decode case for %s", kind)
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "empty", raw: "", field: "action"},
		{name: "not json", raw: "{nope", field: "action"},
		{name: "missing kind", raw: `{"payload":{}}`, field: "action.kind"},
		{name: "unknown kind", raw: `{"kind":"organization.destroyed","payload":{}}`, field: "action.kind"},
		{name: "missing payload", raw: `{"kind":"member.removed"}`, field: "action.payload"},
		{name: "payload wrong shape", raw: `{"kind":"member.removed","payload":[1,2]}`, field: "action.payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(json.RawMessage(tc.raw))
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestDecodeRunsPayloadValidation(t *testing.T) {
	cases := []struct {
		name  string
		kind  Kind
		body  any
		field string
	}{
		{
			name:  "organization id wrong prefix",
			kind:  KindOrganizationCreated,
			body:  map[string]any{"organizationId": "usr_1", "projectId": "prj_1", "name": "X"},
			field: "organizationId",
		},
		{
			name:  "organization name empty",
			kind:  KindOrganizationCreated,
			body:  map[string]any{"organizationId": "org_1", "projectId": "prj_1", "name": ""},
			field: "name",
		},
		{
			name:  "unknown role",
			kind:  KindMemberAdded,
			body:  map[string]any{"userId": "usr_2", "role": "owner", "displayName": "Sam"},
			field: "role",
		},
		{
			name:  "profile update with nothing to change",
			kind:  KindUserUpdated,
			body:  map[string]any{"userId": "usr_2"},
			field: "displayName",
		},
		{
			name:  "forgotten without reason",
			kind:  KindUserForgotten,
			body:  map[string]any{"userId": "usr_2"},
			field: "reason",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(wireAction(t, tc.kind, tc.body))
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

func TestValidationErrorNamesTheField(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ValidationError{Field: "name", Message: "required"})
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Error(), "name")
}

func TestRedactMasksPIIAtAnyDepth(t *testing.T) {
	raw := json.RawMessage(`{
		"kind": "member.added",
		"payload": {"userId": "usr_2", "displayName": "Sam Rivera", "email": "sam@example.com"},
		"extra": [{"name": "inner"}]
	}`)

	var masked map[string]any
	require.NoError(t, json.Unmarshal(Redact(raw), &masked))

	payload := masked["payload"].(map[string]any)
	assert.Equal(t, "<redacted>", payload["displayName"])
	assert.Equal(t, "<redacted>", payload["email"])
	assert.Equal(t, "usr_2", payload["userId"], "identifiers are not PII")

	inner := masked["extra"].([]any)[0].(map[string]any)
	assert.Equal(t, "<redacted>", inner["name"])
}

func TestRedactHandlesUnparseableInput(t *testing.T) {
	assert.Equal(t, `"<unparseable>"`, string(Redact(json.RawMessage("{broken"))))
}
