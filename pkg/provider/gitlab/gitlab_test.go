package gitlab

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/deskhive/external-tickets/internal/testutil"
	"github.com/deskhive/external-tickets/pkg/httpx"
	"github.com/deskhive/external-tickets/pkg/provider"
)

func newTestSource(t *testing.T, mock *testutil.MockTracker) *Source {
	t.Helper()

	client, err := httpx.New(httpx.Config{
		UserAgent: "external-tickets-test/1.0",
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("httpx.New error: %v", err)
	}

	src, err := New(Config{
		Handle:    provider.Handle{ID: "gitlab-main", Kind: provider.KindGitLab},
		BaseURL:   mock.URL(),
		ProjectID: "42",
		Token:     "glpat-test",
		State:     "opened",
		Defaults:  provider.StandardDefaults(),
	}, client)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return src
}

func TestSource_FetchTickets_NextPageHeader(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetHandler("/api/v4/projects/42/issues", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("PRIVATE-TOKEN"); got != "glpat-test" {
			t.Errorf("PRIVATE-TOKEN = %q", got)
		}
		if got := r.URL.Query().Get("state"); got != "opened" {
			t.Errorf("state = %q, want opened", got)
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`[{"iid": 8, "title": "Pipeline cache misses", "state": "opened"}]`))
			return
		}
		w.Header().Set("x-next-page", "2")
		w.Write([]byte(`[{"iid": 7, "title": "Runner disk full", "state": "opened", "web_url": "https://gitlab.example.com/acme/site/-/issues/7"}]`))
	})

	src := newTestSource(t, mock)

	first, err := src.FetchTickets(context.Background(), "", 20)
	if err != nil {
		t.Fatalf("FetchTickets error: %v", err)
	}
	if first.IsLastPage {
		t.Error("IsLastPage = true with x-next-page set")
	}
	if first.NextCursor != "2" {
		t.Errorf("NextCursor = %q, want 2", first.NextCursor)
	}
	if first.Items[0].ExternalID != "7" || first.Items[0].Status.Name != "opened" {
		t.Errorf("item = %+v", first.Items[0])
	}

	second, err := src.FetchTickets(context.Background(), first.NextCursor, 20)
	if err != nil {
		t.Fatalf("FetchTickets error: %v", err)
	}
	if !second.IsLastPage {
		t.Error("IsLastPage = false without x-next-page")
	}
	if second.NextCursor != "" {
		t.Errorf("NextCursor = %q on last page, want empty", second.NextCursor)
	}
}

func TestSource_FetchTicketByID_FiltersSystemNotes(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/api/v4/projects/42/issues/7", testutil.NewHealthyResponse(
		`{"iid": 7, "title": "Runner disk full", "description": "df output attached", "state": "opened"}`,
	))
	mock.SetResponse("/api/v4/projects/42/issues/7/notes", testutil.NewHealthyResponse(`[
		{"body": "changed the description", "system": true, "author": {"name": "GitLab"}, "created_at": "2026-08-28T08:00:00Z"},
		{"body": "Cleared old artifacts, watching.", "system": false, "author": {"name": "Priya N"}, "created_at": "2026-08-28T09:30:00Z"}
	]`))

	src := newTestSource(t, mock)

	got, err := src.FetchTicketByID(context.Background(), "7")
	if err != nil {
		t.Fatalf("FetchTicketByID error: %v", err)
	}
	if got == nil {
		t.Fatal("FetchTicketByID returned nil for existing issue")
	}
	if len(got.Comments) != 1 {
		t.Fatalf("got %d comments, want 1 (system note filtered)", len(got.Comments))
	}
	if got.Comments[0].Author != "Priya N" {
		t.Errorf("comment author = %q", got.Comments[0].Author)
	}
}

func TestSource_FetchTicketByID_NotFound(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/api/v4/projects/42/issues/999", testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message": "404 Issue Not Found"}`,
	})

	src := newTestSource(t, mock)

	got, err := src.FetchTicketByID(context.Background(), "999")
	if err != nil {
		t.Fatalf("FetchTicketByID error: %v", err)
	}
	if got != nil {
		t.Errorf("FetchTicketByID = %+v for missing issue, want nil", got)
	}
}
