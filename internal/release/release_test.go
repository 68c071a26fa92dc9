package release_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relbot/internal/release"
)

func TestParsePlatform(t *testing.T) {
	cases := []struct {
		in      string
		want    release.Platform
		wantErr bool
	}{
		{in: "github", want: release.PlatformGitHub},
		{in: "GitHub", want: release.PlatformGitHub},
		{in: "gh", want: release.PlatformGitHub},
		{in: "gitlab", want: release.PlatformGitLab},
		{in: "gl", want: release.PlatformGitLab},
		{in: "bitbucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := release.ParsePlatform(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRepo(t *testing.T) {
	repo, err := release.ParseRepo("github", "acme/widget")
	require.NoError(t, err)
	assert.Equal(t, release.PlatformGitHub, repo.Platform)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "widget", repo.Name)
	assert.Equal(t, "acme/widget", repo.Slug())
	assert.Equal(t, "github:acme/widget", repo.String())

	for _, slug := range []string{"", "acme", "acme/", "/widget", "acme/widget/extra", "acme widget"} {
		t.Run("bad "+slug, func(t *testing.T) {
			_, err := release.ParseRepo("github", slug)
			assert.Error(t, err)
		})
	}

	_, err = release.ParseRepo("sourcehut", "acme/widget")
	assert.Error(t, err)
}
