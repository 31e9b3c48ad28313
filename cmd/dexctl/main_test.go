package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/mangadex-client/internal/testutil"
	"github.com/Sternrassler/mangadex-client/pkg/apierror"
)

const mangaID = "a96676e5-8ae2-425e-b549-7f15dd34a6d8"

// Chapter ids used by the feed fixture.
const (
	ch1GroupA = "0f7c6a34-0d4e-4d7b-9a57-3c2f0e9b1a01"
	ch1GroupB = "0f7c6a34-0d4e-4d7b-9a57-3c2f0e9b1a02"
	ch2GroupB = "0f7c6a34-0d4e-4d7b-9a57-3c2f0e9b1a03"
	oneshot   = "0f7c6a34-0d4e-4d7b-9a57-3c2f0e9b1a04"
)

var day = time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

func chapterJSON(id, number, group string, created time.Time) json.RawMessage {
	var num any
	if number != "" {
		num = number
	}
	data, _ := json.Marshal(map[string]any{
		"id":   id,
		"type": "chapter",
		"attributes": map[string]any{
			"volume":             "1",
			"chapter":            num,
			"title":              "Chapter " + number,
			"translatedLanguage": "en",
			"pages":              18,
			"createdAt":          created.Format(time.RFC3339),
			"publishAt":          created.Format(time.RFC3339),
		},
		"relationships": []map[string]string{
			{"id": group, "type": "scanlation_group"},
			{"id": mangaID, "type": "manga"},
		},
	})
	return data
}

func feedFixture() []json.RawMessage {
	return []json.RawMessage{
		chapterJSON(ch1GroupA, "1", "group-a", day.AddDate(0, 0, 2)),
		chapterJSON(ch1GroupB, "1", "group-b", day.AddDate(0, 0, 1)),
		chapterJSON(ch2GroupB, "2", "group-b", day.AddDate(0, 0, 3)),
		chapterJSON(oneshot, "", "group-a", day.AddDate(0, 0, 4)),
	}
}

// useMockAPI points dexctl at a fresh mock server through the environment.
func useMockAPI(t *testing.T) *testutil.MockAPI {
	t.Helper()
	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEXCTL_API_URL", mock.URL())
	t.Setenv("DEXCTL_LOGGING_LEVEL", "error")
	return mock
}

func runDexctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	// A nil slice would make cobra fall back to the test binary's own arguments.
	cmd.SetArgs(append([]string{}, args...))

	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("dexctl %s: %v\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), err
}

func decodeViews(t *testing.T, out string) []string {
	t.Helper()
	var views []chapterView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	ids := make([]string, len(views))
	for i, v := range views {
		ids[i] = v.ID
	}
	return ids
}

func TestChaptersCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"default strategies", nil, []string{ch1GroupB, ch2GroupB, oneshot}},
		{"newest upload wins", []string{"--strategy", "creation-date-desc"}, []string{ch1GroupA, ch2GroupB, oneshot}},
		{"preferred group", []string{"-s", "specific-group", "--group", "group-a"}, []string{ch1GroupA, ch2GroupB, oneshot}},
		{"keep everything", []string{"--all"}, []string{ch1GroupA, ch1GroupB, ch2GroupB, oneshot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := useMockAPI(t)
			mock.SetListing("/manga/"+mangaID+"/feed", feedFixture())

			args := append([]string{"chapters", mangaID, "--json"}, tt.args...)
			out, err := runDexctl(t, args...)
			require.NoError(t, err)

			assert.Equal(t, tt.want, decodeViews(t, out))
		})
	}
}

func TestChaptersCommand_SendsFeedParams(t *testing.T) {
	mock := useMockAPI(t)
	listing := testutil.NewListingHandler(feedFixture(), 4)

	var mu sync.Mutex
	var rawQuery string
	mock.SetHandler("/manga/"+mangaID+"/feed", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		rawQuery = r.URL.RawQuery
		mu.Unlock()
		listing(w, r)
	})

	out, err := runDexctl(t, "chapters", mangaID, "--lang", "en", "--lang", "de")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, rawQuery, "translatedLanguage[]=en&translatedLanguage[]=de")
	assert.Contains(t, rawQuery, "order[chapter]=asc&order[volume]=asc")
	assert.Contains(t, out, ch2GroupB, "table output lists the kept chapters")
}

func TestChaptersCommand_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		target error
	}{
		{"view strategy", []string{"chapters", mangaID, "--strategy", "views-desc"}, apierror.ErrUnsupportedFeature},
		{"conflicting strategies", []string{"chapters", mangaID, "-s", "creation-date-asc", "-s", "creation-date-desc"}, apierror.ErrInvalidArgument},
		{"unknown strategy", []string{"chapters", mangaID, "-s", "fastest"}, apierror.ErrInvalidArgument},
		{"group strategy without groups", []string{"chapters", mangaID, "-s", "specific-group"}, apierror.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := useMockAPI(t)

			_, err := runDexctl(t, tt.args...)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, mock.GetRequestCount(), "nothing is fetched for an invalid plan")
		})
	}

	t.Run("manga id", func(t *testing.T) {
		mock := useMockAPI(t)
		_, err := runDexctl(t, "chapters", "not-a-uuid")
		assert.ErrorContains(t, err, "invalid manga id")
		assert.Zero(t, mock.GetRequestCount())
	})
}

func TestLookupCommand(t *testing.T) {
	mock := useMockAPI(t)

	byID := make(map[string]json.RawMessage)
	for _, item := range feedFixture() {
		var head struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(item, &head))
		byID[head.ID] = item
	}

	mock.SetHandler("GET /chapter", func(w http.ResponseWriter, r *http.Request) {
		data := []json.RawMessage{}
		for _, id := range r.URL.Query()["ids[]"] {
			if item, ok := byID[id]; ok {
				data = append(data, item)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"result": "ok", "data": data, "total": len(data)})
	})

	unknown := "0f7c6a34-0d4e-4d7b-9a57-3c2f0e9b1aff"
	out, err := runDexctl(t, "lookup", "--json", strings.ToUpper(ch2GroupB), ch1GroupA, unknown, ch2GroupB)
	require.NoError(t, err)

	assert.Equal(t, []string{ch2GroupB, ch1GroupA}, decodeViews(t, out))
	assert.Equal(t, 1, mock.GetPathCount("/chapter"))
}

func TestTokenCommand(t *testing.T) {
	mock := useMockAPI(t)
	mock.SetAuthEndpoints("session", "stored-refresh")
	t.Setenv("DEXCTL_AUTH_REFRESH_TOKEN", "stored-refresh")

	out, err := runDexctl(t, "token", "--refresh")
	require.NoError(t, err)

	assert.Equal(t, "session-1\nstored-refresh\n", out)
	assert.Equal(t, 1, mock.GetPathCount("/auth/refresh"))
	assert.Zero(t, mock.GetPathCount("/auth/login"))
}

func TestTokenCommand_Anonymous(t *testing.T) {
	mock := useMockAPI(t)
	mock.SetAuthEndpoints("session", "stored-refresh")
	t.Setenv("DEXCTL_AUTH_REFRESH_TOKEN", "stored-refresh")

	_, err := runDexctl(t, "token", "--anonymous")
	assert.ErrorIs(t, err, apierror.ErrUnauthorized)
	assert.Zero(t, mock.GetRequestCount())
}

func TestLogoutCommand(t *testing.T) {
	mock := useMockAPI(t)
	mock.SetAuthEndpoints("session", "fresh-refresh")
	mock.SetResponse("POST /auth/logout", testutil.NewOKResponse(`{"result":"ok"}`))
	t.Setenv("DEXCTL_AUTH_USERNAME", "reader")
	t.Setenv("DEXCTL_AUTH_PASSWORD", "secret")

	out, err := runDexctl(t, "logout")
	require.NoError(t, err)

	assert.Equal(t, "logged out\n", out)
	assert.Equal(t, 1, mock.GetPathCount("/auth/login"))
	assert.Equal(t, 1, mock.GetPathCount("/auth/logout"))
	assert.Equal(t, "Bearer session-1", mock.GetLastRequestHeader().Get("Authorization"))
}

func TestPingCommand(t *testing.T) {
	useMockAPI(t)

	out, err := runDexctl(t, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)
}

func TestRootCommandHelp(t *testing.T) {
	useMockAPI(t)

	out, err := runDexctl(t)
	require.NoError(t, err)
	for _, name := range []string{"chapters", "lookup", "token", "logout", "ping"} {
		assert.Contains(t, out, name)
	}
}

func TestServeMetrics(t *testing.T) {
	ctx := newCommandContext(nil)
	require.NoError(t, ctx.serveMetrics("127.0.0.1:0"))
	defer ctx.shutdown(context.Background())

	resp, err := http.Get("http://" + ctx.metricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mangadex_pages_fetched_total")
}
