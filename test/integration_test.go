package test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func userPayload(email, docNumber string, withWorker bool) []byte {
	payload := map[string]interface{}{
		"email":    email,
		"password": "Password123",
		"name":     "Ana",
		"surname":  "Rojas",
		"roleId":   "role-worker",
		"document": map[string]string{
			"type":           "national-id",
			"number":         docNumber,
			"issuingCountry": "CL",
		},
	}
	if withWorker {
		payload["worker"] = map[string]string{
			"position":   "concierge",
			"department": "operations",
		}
	}
	data, _ := json.Marshal(payload)
	return data
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

// TestHealthEndpoint verifies health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL() + "/healthz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusOK)
}

// TestReadinessEndpoint verifies readiness check endpoint
func TestReadinessEndpoint(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL() + "/readyz")
	if err != nil {
		t.Fatalf("Readiness check failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusOK)
}

// TestProvisionUserFlow walks the full happy path up to the publish, then
// checks the durable state a worker outcome would act on.
func TestProvisionUserFlow(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp := postJSON(t, server.URL()+"/api/users", userPayload("ana@x.com", "12345678", true))
	AssertStatusCode(t, resp, http.StatusCreated)
	body := decode(t, resp)

	trackingID, _ := body["trackingId"].(string)
	if trackingID == "" {
		t.Fatal("expected trackingId in response")
	}
	if body["workerState"] != "pending" {
		t.Fatalf("expected pending worker state, got %v", body["workerState"])
	}
	if server.Publisher.Count() != 1 {
		t.Fatalf("expected one published message, got %d", server.Publisher.Count())
	}
	if server.Publisher.Messages[0].TrackingID != trackingID {
		t.Fatal("published message must carry the tracking id")
	}

	statusResp, err := http.Get(server.URL() + "/api/provisioning/" + trackingID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	AssertStatusCode(t, statusResp, http.StatusOK)
	status := decode(t, statusResp)
	if status["state"] != "pending" {
		t.Fatalf("expected pending request, got %v", status["state"])
	}
}

// TestConcurrentDuplicateEmail verifies exactly one of two racing creations
// with the same email succeeds.
func TestConcurrentDuplicateEmail(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	type outcome struct {
		status int
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			doc := fmt.Sprintf("1111111%d", i)
			resp, err := http.Post(server.URL()+"/api/users", "application/json",
				bytes.NewReader(userPayload("dup@x.com", doc, true)))
			if err != nil {
				results <- outcome{status: -1}
				return
			}
			resp.Body.Close()
			results <- outcome{status: resp.StatusCode}
		}(i)
	}

	var created, rejected int
	for i := 0; i < 2; i++ {
		switch r := <-results; r.status {
		case http.StatusCreated:
			created++
		case http.StatusBadRequest:
			rejected++
		default:
			t.Fatalf("unexpected status %d", r.status)
		}
	}
	if created != 1 || rejected != 1 {
		t.Fatalf("expected one winner, got %d created and %d rejected", created, rejected)
	}
	if server.Store.CountUsers() != 1 {
		t.Fatalf("expected one user row, got %d", server.Store.CountUsers())
	}
}

// TestPublishFailureCompensation verifies the degraded-success contract:
// 201 with the committed user, request marked failed with the error.
func TestPublishFailureCompensation(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()
	server.Publisher.FailWith = errors.New("broker unreachable")

	resp := postJSON(t, server.URL()+"/api/users", userPayload("ana@x.com", "12345678", true))
	AssertStatusCode(t, resp, http.StatusCreated)
	body := decode(t, resp)

	if body["workerState"] != "failed" {
		t.Fatalf("expected failed worker state, got %v", body["workerState"])
	}
	trackingID := body["trackingId"].(string)

	statusResp, err := http.Get(server.URL() + "/api/provisioning/" + trackingID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	AssertStatusCode(t, statusResp, http.StatusOK)
	status := decode(t, statusResp)
	if status["state"] != "failed" {
		t.Fatalf("expected failed request, got %v", status["state"])
	}
	if status["errorMessage"] == nil || status["errorMessage"] == "" {
		t.Fatal("expected errorMessage on failed request")
	}

	// Operator resolves the failure to manual review.
	resolveResp := postJSON(t, server.URL()+"/api/provisioning/"+trackingID+"/resolve",
		[]byte(`{"resolution":"manual_review_required"}`))
	AssertStatusCode(t, resolveResp, http.StatusOK)
	resolved := decode(t, resolveResp)
	if resolved["state"] != "manual_review_required" {
		t.Fatalf("expected manual_review_required, got %v", resolved["state"])
	}

	// Terminal: resolving again conflicts.
	again := postJSON(t, server.URL()+"/api/provisioning/"+trackingID+"/resolve",
		[]byte(`{"resolution":"compensation_completed"}`))
	defer again.Body.Close()
	AssertStatusCode(t, again, http.StatusConflict)
}

// TestStandaloneUserHasNoSaga verifies the non-worker path stays local.
func TestStandaloneUserHasNoSaga(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp := postJSON(t, server.URL()+"/api/users/standalone", userPayload("solo@x.com", "12345678", false))
	AssertStatusCode(t, resp, http.StatusCreated)
	body := decode(t, resp)

	if body["workerState"] != "none" {
		t.Fatalf("expected worker state none, got %v", body["workerState"])
	}
	if server.Publisher.Count() != 0 {
		t.Fatal("standalone creation must not publish")
	}
	if server.Store.CountRequests() != 0 {
		t.Fatal("standalone creation must not persist a provisioning request")
	}
}

// TestLoginFlow verifies login, bad credentials and the lockout threshold.
func TestLoginFlow(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp := postJSON(t, server.URL()+"/api/users/standalone", userPayload("login@x.com", "12345678", false))
	AssertStatusCode(t, resp, http.StatusCreated)
	resp.Body.Close()

	login := func(password string) *http.Response {
		data, _ := json.Marshal(map[string]string{"email": "login@x.com", "password": password})
		return postJSON(t, server.URL()+"/api/login", data)
	}

	ok := login("Password123")
	AssertStatusCode(t, ok, http.StatusOK)
	body := decode(t, ok)
	if body["token"] == "" {
		t.Fatal("expected token")
	}
	if body["must_change_password"] != true {
		t.Fatal("expected must_change_password true for a provisioned user")
	}

	for i := 0; i < 3; i++ {
		bad := login("wrong")
		AssertStatusCode(t, bad, http.StatusUnauthorized)
		bad.Body.Close()
	}
	locked := login("Password123")
	defer locked.Body.Close()
	AssertStatusCode(t, locked, http.StatusLocked)
}

// TestUnknownTrackingID verifies status lookups for missing requests 404.
func TestUnknownTrackingID(t *testing.T) {
	server := NewTestServer(t)
	defer server.Close()

	resp, err := http.Get(server.URL() + "/api/provisioning/does-not-exist")
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusNotFound)
}
