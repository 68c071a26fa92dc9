package release_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relbot/internal/release"
)

// newGitHubSource points a source at the given httptest handler.
func newGitHubSource(t *testing.T, handler http.Handler) *release.GitHubSource {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return release.NewGitHubSource(release.GitHubConfig{
		BaseURL: server.URL + "/",
		Timeout: 5 * time.Second,
	})
}

// ghReleaseJSON builds GitHub "latest release" API responses.
type ghReleaseJSON struct {
	ID        int64         `json:"id"`
	TagName   string        `json:"tag_name"`
	Name      string        `json:"name"`
	HTMLURL   string        `json:"html_url"`
	Published string        `json:"published_at,omitempty"`
	Assets    []ghAssetJSON `json:"assets"`
}

type ghAssetJSON struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	URL  string `json:"browser_download_url"`
}

func ghRepo(t *testing.T) release.Repo {
	t.Helper()
	repo, err := release.ParseRepo("github", "acme/widget")
	require.NoError(t, err)
	return repo
}

func TestGitHubFetchLatest_Found(t *testing.T) {
	body := ghReleaseJSON{
		ID:        101,
		TagName:   "v1.2.3",
		Name:      "Widget 1.2.3",
		HTMLURL:   "https://github.com/acme/widget/releases/tag/v1.2.3",
		Published: "2026-01-02T03:04:05Z",
		Assets: []ghAssetJSON{
			{Name: "widget_linux_amd64.tar.gz", Size: 1048576, URL: "https://github.com/acme/widget/releases/download/v1.2.3/widget_linux_amd64.tar.gz"},
			{Name: "widget_darwin_arm64.tar.gz", Size: 2097152, URL: "https://github.com/acme/widget/releases/download/v1.2.3/widget_darwin_arm64.tar.gz"},
		},
	}

	var gotPath, gotAuth string
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "tok-123")

	require.Equal(t, release.KindFound, out.Kind)
	require.NotNil(t, out.Release)
	assert.Equal(t, "/repos/acme/widget/releases/latest", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	rel := out.Release
	assert.Equal(t, "101", rel.ID)
	assert.Equal(t, "v1.2.3", rel.Tag)
	assert.Equal(t, "Widget 1.2.3", rel.Title)
	assert.Equal(t, "https://github.com/acme/widget/releases/tag/v1.2.3", rel.URL)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), rel.PublishedAt)

	require.Len(t, rel.Assets, 2)
	assert.Equal(t, "widget_linux_amd64.tar.gz", rel.Assets[0].Name)
	assert.Equal(t, int64(1048576), rel.Assets[0].Size)
	assert.Equal(t, "https://github.com/acme/widget/releases/download/v1.2.3/widget_linux_amd64.tar.gz", rel.Assets[0].URL)
	assert.Equal(t, "widget_darwin_arm64.tar.gz", rel.Assets[1].Name)
}

func TestGitHubFetchLatest_TitleFallsBackToTag(t *testing.T) {
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ghReleaseJSON{ID: 7, TagName: "v0.1.0"})
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	require.Equal(t, release.KindFound, out.Kind)
	assert.Equal(t, "v0.1.0", out.Release.Title)
}

func TestGitHubFetchLatest_AnonymousOmitsAuthHeader(t *testing.T) {
	var gotAuth string
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ghReleaseJSON{ID: 1, TagName: "v1"})
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	require.Equal(t, release.KindFound, out.Kind)
	assert.Empty(t, gotAuth)
}

func TestGitHubFetchLatest_NotFound(t *testing.T) {
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	assert.Equal(t, release.KindNotFound, out.Kind)
	assert.Nil(t, out.Release)
	assert.NoError(t, out.Err)
}

func TestGitHubFetchLatest_AuthError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{"message": "Bad credentials"})
			}))

			out := src.FetchLatest(t.Context(), ghRepo(t), "bad-token")

			assert.Equal(t, release.KindAuthError, out.Kind)
			assert.Error(t, out.Err)
		})
	}
}

func TestGitHubFetchLatest_ServerErrorIsTransient(t *testing.T) {
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}

func TestGitHubFetchLatest_MalformedBodyIsTransient(t *testing.T) {
	src := newGitHubSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 101, "tag_name":`))
	}))

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}

func TestGitHubFetchLatest_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(server.Close)

	src := release.NewGitHubSource(release.GitHubConfig{
		BaseURL: server.URL + "/",
		Timeout: 50 * time.Millisecond,
	})

	out := src.FetchLatest(t.Context(), ghRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}
