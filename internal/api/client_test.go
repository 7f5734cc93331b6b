package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matthieugras/weconnect/internal/backoff"
)

// mockRoundTripper intercepts HTTP requests and returns mock responses
type mockRoundTripper struct {
	handler func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.handler(req)
}

// mockAuthenticator hands out numbered tokens; ForceRefresh moves to the next one
type mockAuthenticator struct {
	mu         sync.Mutex
	generation int
	refreshes  int
	refreshErr error
	authErr    error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, req *http.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authErr != nil {
		return m.authErr
	}
	req.Header.Set("Authorization", "Bearer token-"+string(rune('0'+m.generation)))
	return nil
}

func (m *mockAuthenticator) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	m.generation++
	return nil
}

// createTestClient creates a client with mock HTTP transport
func createTestClient(authenticator *mockAuthenticator, handler func(req *http.Request) (*http.Response, error)) *Client {
	httpClient := &http.Client{
		Transport: &mockRoundTripper{handler: handler},
		Timeout:   10 * time.Second,
	}
	bo := backoff.New(backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	})
	return NewClient(httpClient, authenticator, bo, "https://backend.test", 3)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestListVehicles(t *testing.T) {
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "https://backend.test/vehicle/v2/vehicles" {
			t.Errorf("unexpected URL %s", req.URL)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer token-0" {
			t.Errorf("Authorization = %q", got)
		}
		if got := req.Header.Get("tokentype"); got != "IDK_TECHNICAL" {
			t.Errorf("tokentype = %q", got)
		}
		if got := req.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		return jsonResponse(200, `{"data":[{"vin":"WVWZZZ1","role":"PRIMARY_USER","nickname":"ID.3","capabilities":[{"id":"charging"}]},{"vin":"WVWZZZ2","nickname":"e-Golf"}]}`), nil
	})

	vehicles, err := client.ListVehicles(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(vehicles) != 2 {
		t.Fatalf("Expected 2 vehicles, got %d", len(vehicles))
	}
	if vehicles[0].VIN != "WVWZZZ1" || vehicles[0].Nickname != "ID.3" || vehicles[0].Role != "PRIMARY_USER" {
		t.Errorf("Unexpected first vehicle: %+v", vehicles[0])
	}
	if len(vehicles[0].Capabilities) != 1 || vehicles[0].Capabilities[0].ID != "charging" {
		t.Errorf("Unexpected capabilities: %+v", vehicles[0].Capabilities)
	}
}

func TestGetChargingStatus(t *testing.T) {
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/vehicle/v1/vehicles/WVWZZZ1/selectivestatus" || req.URL.Query().Get("jobs") != "charging" {
			t.Errorf("unexpected URL %s", req.URL)
		}
		return jsonResponse(200, `{"charging":{
			"batteryStatus":{"value":{"carCapturedTimestamp":"2024-05-01T10:00:00Z","currentSOC_pct":64,"cruisingRangeElectric_km":231}},
			"chargingStatus":{"value":{"chargingState":"charging","chargeMode":"manual","chargePower_kW":7.2,"remainingChargingTimeToComplete_min":95}},
			"plugStatus":{"value":{"plugConnectionState":"connected","plugLockState":"locked"}}}}`), nil
	})

	charge, err := client.GetChargingStatus(context.Background(), "WVWZZZ1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if charge.CurrentSOC != 64 || charge.CruisingRangeKm != 231 {
		t.Errorf("Unexpected battery values: %+v", charge)
	}
	if charge.ChargePowerKW != 7.2 || charge.RemainingMinutes != 95 {
		t.Errorf("Unexpected charging values: %+v", charge)
	}
	if !charge.IsPlugConnected() || !charge.IsCharging() {
		t.Errorf("Expected plugged in and charging: %+v", charge)
	}
	if !charge.CapturedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("CapturedAt = %v", charge.CapturedAt)
	}
}

func TestFetch_UnauthorizedRefreshesOnce(t *testing.T) {
	authenticator := &mockAuthenticator{}
	var seen []string
	client := createTestClient(authenticator, func(req *http.Request) (*http.Response, error) {
		seen = append(seen, req.Header.Get("Authorization"))
		if req.Header.Get("Authorization") == "Bearer token-0" {
			return jsonResponse(401, `{"error":"expired"}`), nil
		}
		return jsonResponse(200, `{"data":[]}`), nil
	})

	if _, err := client.ListVehicles(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if authenticator.refreshes != 1 {
		t.Errorf("Expected 1 refresh, got %d", authenticator.refreshes)
	}
	if len(seen) != 2 || seen[1] != "Bearer token-1" {
		t.Errorf("Unexpected request sequence: %v", seen)
	}
}

func TestFetch_UnauthorizedAfterRefreshIsFatal(t *testing.T) {
	authenticator := &mockAuthenticator{}
	requests := 0
	client := createTestClient(authenticator, func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(401, ``), nil
	})

	_, err := client.ListVehicles(context.Background())
	var reqErr *BackendRequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Expected BackendRequestError, got %v", err)
	}
	if !reqErr.Fatal || reqErr.StatusCode != 401 {
		t.Errorf("Expected fatal 401, got %+v", reqErr)
	}
	if requests != 2 || authenticator.refreshes != 1 {
		t.Errorf("Expected 2 requests and 1 refresh, got %d and %d", requests, authenticator.refreshes)
	}
}

func TestFetch_RefreshFailureIsFatal(t *testing.T) {
	loginErr := errors.New("login failed")
	authenticator := &mockAuthenticator{refreshErr: loginErr}
	client := createTestClient(authenticator, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, ``), nil
	})

	_, err := client.ListVehicles(context.Background())
	var reqErr *BackendRequestError
	if !errors.As(err, &reqErr) || !reqErr.Fatal {
		t.Fatalf("Expected fatal BackendRequestError, got %v", err)
	}
	if !errors.Is(err, loginErr) {
		t.Errorf("Expected error to wrap the refresh failure, got %v", err)
	}
}

func TestFetch_AuthenticationFailureIsFatal(t *testing.T) {
	authenticator := &mockAuthenticator{authErr: errors.New("bad credentials")}
	client := createTestClient(authenticator, func(req *http.Request) (*http.Response, error) {
		t.Error("request must not be sent without a token")
		return nil, errors.New("unreachable")
	})

	_, err := client.ListVehicles(context.Background())
	var reqErr *BackendRequestError
	if !errors.As(err, &reqErr) || !reqErr.Fatal {
		t.Fatalf("Expected fatal BackendRequestError, got %v", err)
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	requests := 0
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		requests++
		if requests < 3 {
			return jsonResponse(503, `busy`), nil
		}
		return jsonResponse(200, `{"data":[{"vin":"WVWZZZ1"}]}`), nil
	})

	vehicles, err := client.ListVehicles(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if requests != 3 || len(vehicles) != 1 {
		t.Errorf("Expected success on third attempt, got %d requests", requests)
	}
}

func TestFetch_GivesUpAfterMaxRetries(t *testing.T) {
	requests := 0
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(429, `slow down`), nil
	})

	_, err := client.ListVehicles(context.Background())
	var reqErr *BackendRequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 429 {
		t.Fatalf("Expected 429 BackendRequestError, got %v", err)
	}
	if requests != 3 {
		t.Errorf("Expected 3 attempts, got %d", requests)
	}
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	requests := 0
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		requests++
		return jsonResponse(404, `{"error":"unknown vin"}`), nil
	})

	_, err := client.GetChargingStatus(context.Background(), "UNKNOWN")
	var reqErr *BackendRequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 404 || reqErr.Retryable {
		t.Fatalf("Expected non-retryable 404, got %v", err)
	}
	if !strings.Contains(reqErr.Message, "unknown vin") {
		t.Errorf("Expected body in message, got %q", reqErr.Message)
	}
	if requests != 1 {
		t.Errorf("Expected 1 attempt, got %d", requests)
	}
}

func TestFetch_MalformedJSON(t *testing.T) {
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"data":`), nil
	})

	if _, err := Fetch[vehiclesResponse](context.Background(), client, "/vehicle/v2/vehicles"); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestFetch_RateLimitHonoursRetryAfter(t *testing.T) {
	calls := 0
	client := createTestClient(&mockAuthenticator{}, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			resp := jsonResponse(429, `slow down`)
			resp.Header.Set("Retry-After", "1")
			return resp, nil
		}
		return jsonResponse(200, `{"data":[]}`), nil
	})

	start := time.Now()
	if _, err := client.ListVehicles(context.Background()); err != nil {
		t.Fatalf("ListVehicles failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("Expected the retry to wait for Retry-After, took %v", elapsed)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}
