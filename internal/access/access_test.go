package access

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/qafeedback/internal/model"
)

type fakeGrants struct {
	grants map[[2]int64]bool
	err    error
	calls  int
}

func (f *fakeGrants) HasGrant(userID, datasetID int64) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.grants[[2]int64{userID, datasetID}], nil
}

func TestCheck(t *testing.T) {
	g := &fakeGrants{grants: map[[2]int64]bool{{2, 10}: true}}
	admin := &model.User{ID: 1, AccessLevel: model.AccessAdmin}
	user := &model.User{ID: 2, AccessLevel: model.AccessUser}

	tests := []struct {
		name    string
		user    *model.User
		dataset int64
		want    Decision
	}{
		{"admin without grant", admin, 10, Allowed},
		{"admin on unknown dataset", admin, 99, Allowed},
		{"user with grant", user, 10, Allowed},
		{"user without grant", user, 11, Forbidden},
		{"no user", nil, 10, Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Check(g, tt.user, tt.dataset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
			assert.Equal(t, tt.want == Allowed, HasAccess(g, tt.user, tt.dataset))
		})
	}
}

func TestCheckAdminSkipsLookup(t *testing.T) {
	g := &fakeGrants{}
	_, err := Check(g, &model.User{ID: 1, AccessLevel: model.AccessAdmin}, 5)
	require.NoError(t, err)
	assert.Zero(t, g.calls)
}

func TestCheckLookupErrorDenies(t *testing.T) {
	g := &fakeGrants{err: errors.New("db down")}
	user := &model.User{ID: 2, AccessLevel: model.AccessUser}

	d, err := Check(g, user, 10)
	assert.Error(t, err)
	assert.Equal(t, Forbidden, d)
	assert.False(t, HasAccess(g, user, 10))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "forbidden", Forbidden.String())
	assert.Equal(t, "unknown", Decision(42).String())
}
