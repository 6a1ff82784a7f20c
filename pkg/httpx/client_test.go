package httpx

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deskhive/external-tickets/internal/testutil"
)

const testUserAgent = "external-tickets-test/1.0 (dev@example.com)"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Config{
		UserAgent:      testUserAgent,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return client
}

func doGet(t *testing.T, client *Client, provider, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	return client.Do(provider, req)
}

func TestNew_RequiresUserAgent(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty user-agent succeeded, want error")
	}
}

func TestClient_SuccessfulRequest(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/rest/api/2/search", testutil.NewHealthyResponse(`{"issues":[],"total":0}`))

	client := newTestClient(t)

	resp, err := doGet(t, client, "jira-prod", mock.URL()+"/rest/api/2/search")
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("request count = %d, want 1", mock.GetRequestCount())
	}
}

func TestClient_SetsStandardHeaders(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	client := newTestClient(t)

	resp, err := doGet(t, client, "github-main", mock.URL()+"/repos/acme/site/issues")
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	resp.Body.Close()

	if got := mock.LastRequestHeader.Get("User-Agent"); got != testUserAgent {
		t.Errorf("User-Agent = %q, want %q", got, testUserAgent)
	}
	if got := mock.LastRequestHeader.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q, want application/json", got)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/missing", testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message":"not found"}`,
	})

	client := newTestClient(t)

	resp, err := doGet(t, client, "gitlab-main", mock.URL()+"/missing")
	if err != nil {
		t.Fatalf("Do() error: %v (4xx must be returned, not fail)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("request count = %d, want 1 (no retries on 4xx)", mock.GetRequestCount())
	}
}

func TestClient_ServerErrorRetriedUntilExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff makes this test slow")
	}

	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/flaky", testutil.NewServerErrorResponse())

	client := newTestClient(t)

	_, err := doGet(t, client, "wiki-kb", mock.URL()+"/flaky")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Do() error = %v, want ErrRetryExhausted", err)
	}

	if mock.GetRequestCount() != DefaultRetryConfig().MaxAttempts {
		t.Errorf("request count = %d, want %d",
			mock.GetRequestCount(), DefaultRetryConfig().MaxAttempts)
	}
}

func TestClient_NoRedisNoConditionalRequests(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	client := newTestClient(t)

	for i := 0; i < 2; i++ {
		resp, err := doGet(t, client, "jira-prod", mock.URL()+"/rest/api/2/search")
		if err != nil {
			t.Fatalf("Do() error on request %d: %v", i+1, err)
		}
		resp.Body.Close()
	}

	// Without redis there is no cached validator, so both requests go out
	// unconditional.
	if mock.GetRequestCount() != 2 {
		t.Errorf("request count = %d, want 2", mock.GetRequestCount())
	}
	if mock.GetConditionalCount() != 0 {
		t.Errorf("conditional count = %d, want 0", mock.GetConditionalCount())
	}
}

func TestClient_ContextCancellationDuringRetry(t *testing.T) {
	mock := testutil.NewMockTracker()
	defer mock.Close()

	mock.SetResponse("/flaky", testutil.NewServerErrorResponse())

	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mock.URL()+"/flaky", nil)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}

	_, err = client.Do("wiki-kb", req)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Do() error = %v, want ErrContextCancelled", err)
	}
}
