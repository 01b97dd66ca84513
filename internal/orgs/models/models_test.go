package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "curbwise/pkg/domain"
)

func buildOrg() Organization {
	gone := time.Now().UTC()
	return Organization{
		ID: "org_1",
		Members: map[string]Member{
			"usr_admin":   {UserID: "usr_admin", Role: id.RoleAdmin},
			"usr_editor":  {UserID: "usr_editor", Role: id.RoleEditor},
			"usr_removed": {UserID: "usr_removed", Role: id.RoleAdmin, RemovedAt: &gone},
		},
	}
}

// The accessors take value receivers so they work directly on values returned
// from lookups, without an intermediate variable.
func TestOrganizationAccessorsOnValues(t *testing.T) {
	lookup := func() Organization { return buildOrg() }

	assert.Equal(t, 1, lookup().ActiveAdminCount(), "soft-removed admins do not count")

	member, active := lookup().ActiveMember("usr_editor")
	assert.True(t, active)
	assert.Equal(t, id.RoleEditor, member.Role)

	_, active = lookup().ActiveMember("usr_removed")
	assert.False(t, active)

	_, active = lookup().ActiveMember("usr_stranger")
	assert.False(t, active)
}

func TestUserForgottenOnValue(t *testing.T) {
	lookup := func(at *time.Time) User { return User{ID: "usr_1", ForgottenAt: at} }

	assert.False(t, lookup(nil).Forgotten())
	scrubbed := time.Now().UTC()
	assert.True(t, lookup(&scrubbed).Forgotten())
}
