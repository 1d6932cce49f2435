package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

func TestParsePathNormalizes(t *testing.T) {
	cases := map[string]string{
		"/teachers/42/video.mp4":       "/teachers/42/video.mp4",
		"teachers/42/video.mp4":        "/teachers/42/video.mp4",
		"/teachers//42/./a/b/":         "/teachers/42/a/b",
		"/publishers/7/":               "/publishers/7",
		"/schools/s-1/cafe\u0301.pdf": "/schools/s-1/caf\u00e9.pdf",
	}
	for raw, want := range cases {
		sp, err := ParsePath(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, sp.String(), raw)
	}
}

func TestParsePathRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"/teachers",
		"/teachers/42/../99/x",
		"/../teachers/42/x",
		"/etc/passwd",
		"/admins/1/x",
		"/teachers/42/a\\b",
		"/teachers/42/a\x00b",
	} {
		_, err := ParsePath(raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, shared.ErrInvalidPath, raw)
		assert.Equal(t, shared.ReasonInvalidPath, shared.ReasonOf(err), raw)
	}
}

func TestCleanRelative(t *testing.T) {
	segs, err := CleanRelative("book/./ch1.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"book", "ch1.pdf"}, segs)

	for _, raw := range []string{"/abs/file", "C:/win/file", "a/../../b", "..", ""} {
		_, err := CleanRelative(raw)
		assert.ErrorIs(t, err, shared.ErrInvalidPath, raw)
	}
}

func TestCoversIsSegmentAligned(t *testing.T) {
	assert.True(t, Covers("/teachers/42/book", "/teachers/42/book"))
	assert.True(t, Covers("/teachers/42/book/", "/teachers/42/book/ch1.pdf"))
	assert.False(t, Covers("/teachers/42/bo", "/teachers/42/book/ch1.pdf"))
	assert.False(t, Covers("", "/teachers/42/book"))
}

func TestJoinAndKey(t *testing.T) {
	sp, err := ParsePath("/publishers/7/")
	require.NoError(t, err)
	joined := sp.Join("book", "ch1.pdf")
	assert.Equal(t, "/publishers/7/book/ch1.pdf", joined.String())
	assert.Equal(t, "publishers/7/book/ch1.pdf", joined.Key())
	assert.Equal(t, "ch1.pdf", joined.Name())
	assert.True(t, joined.IsObject())
	assert.False(t, sp.IsObject())
	assert.Empty(t, sp.Rest)
}

func TestRoleTables(t *testing.T) {
	role, err := ParseRole(" Teacher ")
	require.NoError(t, err)
	assert.Equal(t, RoleTeacher, role)
	_, err = ParseRole("janitor")
	assert.Error(t, err)

	assert.True(t, RoleAdministrator.Outranks(RoleSupervisor))
	assert.True(t, RoleSupervisor.Outranks(RolePublisher))
	assert.False(t, RoleTeacher.Outranks(RoleStudent))
	assert.False(t, RoleStudent.Outranks(RoleTeacher))

	ot, ok := RoleSchool.OwnerType()
	assert.True(t, ok)
	assert.Equal(t, "schools", ot)
	_, ok = RoleAdministrator.OwnerType()
	assert.False(t, ok)
}
