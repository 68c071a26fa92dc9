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

func newGitLabSource(t *testing.T, handler http.Handler) *release.GitLabSource {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return release.NewGitLabSource(release.GitLabConfig{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})
}

// glReleaseJSON builds GitLab "list releases" API entries.
type glReleaseJSON struct {
	TagName    string       `json:"tag_name"`
	Name       string       `json:"name"`
	CreatedAt  string       `json:"created_at"`
	ReleasedAt string       `json:"released_at"`
	Assets     glAssetsJSON `json:"assets"`
	Links      glLinksJSON  `json:"_links"`
}

type glAssetsJSON struct {
	Count   int            `json:"count"`
	Sources []glSourceJSON `json:"sources"`
	Links   []glLinkJSON   `json:"links"`
}

type glSourceJSON struct {
	Format string `json:"format"`
	URL    string `json:"url"`
}

type glLinkJSON struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	DirectURL string `json:"direct_asset_url"`
}

type glLinksJSON struct {
	Self string `json:"self"`
}

func glRepo(t *testing.T) release.Repo {
	t.Helper()
	repo, err := release.ParseRepo("gitlab", "acme/widget")
	require.NoError(t, err)
	return repo
}

func TestGitLabFetchLatest_Found(t *testing.T) {
	body := []glReleaseJSON{{
		TagName:    "v2.0.0",
		Name:       "Widget 2.0.0",
		CreatedAt:  "2026-02-01T00:00:00Z",
		ReleasedAt: "2026-02-02T00:00:00Z",
		Assets: glAssetsJSON{
			Count:   2,
			Sources: []glSourceJSON{{Format: "zip", URL: "https://gitlab.example.com/acme/widget/-/archive/v2.0.0/widget-v2.0.0.zip"}},
			Links: []glLinkJSON{{
				ID:        1,
				Name:      "installer",
				URL:       "https://downloads.example.com/installer.run",
				DirectURL: "https://gitlab.example.com/acme/widget/-/releases/v2.0.0/downloads/installer.run",
			}},
		},
		Links: glLinksJSON{Self: "https://gitlab.example.com/acme/widget/-/releases/v2.0.0"},
	}}

	var gotPath, gotToken, gotPerPage string
	src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotToken = r.Header.Get("PRIVATE-TOKEN")
		gotPerPage = r.URL.Query().Get("per_page")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))

	out := src.FetchLatest(t.Context(), glRepo(t), "tok-456")

	require.Equal(t, release.KindFound, out.Kind)
	require.NotNil(t, out.Release)
	assert.Equal(t, "/api/v4/projects/acme%2Fwidget/releases", gotPath)
	assert.Equal(t, "tok-456", gotToken)
	assert.Equal(t, "1", gotPerPage)

	rel := out.Release
	assert.Equal(t, "v2.0.0", rel.ID)
	assert.Equal(t, "v2.0.0", rel.Tag)
	assert.Equal(t, "Widget 2.0.0", rel.Title)
	assert.Equal(t, "https://gitlab.example.com/acme/widget/-/releases/v2.0.0", rel.URL)
	assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), rel.PublishedAt)

	require.Len(t, rel.Assets, 2)
	assert.Equal(t, "installer", rel.Assets[0].Name)
	assert.Equal(t, "https://gitlab.example.com/acme/widget/-/releases/v2.0.0/downloads/installer.run", rel.Assets[0].URL)
	assert.Equal(t, "source.zip", rel.Assets[1].Name)
	assert.Equal(t, "https://gitlab.example.com/acme/widget/-/archive/v2.0.0/widget-v2.0.0.zip", rel.Assets[1].URL)
}

func TestGitLabFetchLatest_EmptyListMeansNoReleases(t *testing.T) {
	src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))

	out := src.FetchLatest(t.Context(), glRepo(t), "")

	assert.Equal(t, release.KindNoReleases, out.Kind)
	assert.Nil(t, out.Release)
	assert.NoError(t, out.Err)
}

func TestGitLabFetchLatest_NotFound(t *testing.T) {
	src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "404 Project Not Found"})
	}))

	out := src.FetchLatest(t.Context(), glRepo(t), "")

	assert.Equal(t, release.KindNotFound, out.Kind)
	assert.NoError(t, out.Err)
}

func TestGitLabFetchLatest_AuthError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{"message": "401 Unauthorized"})
			}))

			out := src.FetchLatest(t.Context(), glRepo(t), "expired-token")

			assert.Equal(t, release.KindAuthError, out.Kind)
			assert.Error(t, out.Err)
		})
	}
}

func TestGitLabFetchLatest_ServerErrorIsTransient(t *testing.T) {
	src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}))

	out := src.FetchLatest(t.Context(), glRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}

func TestGitLabFetchLatest_MalformedBodyIsTransient(t *testing.T) {
	src := newGitLabSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"tag_name": `))
	}))

	out := src.FetchLatest(t.Context(), glRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}

func TestGitLabFetchLatest_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(server.Close)

	src := release.NewGitLabSource(release.GitLabConfig{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
	})

	out := src.FetchLatest(t.Context(), glRepo(t), "")

	assert.Equal(t, release.KindTransient, out.Kind)
	assert.Error(t, out.Err)
}
