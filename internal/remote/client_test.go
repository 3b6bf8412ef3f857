package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/models"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(Config{BaseURL: server.URL, Token: "test-token"})
	return client, server
}

func TestUpsertRollSendsRecord(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	roll := &models.Roll{ID: "roll-1", UserID: "u1", FilmType: "classic", Capacity: 10, ShotsUsed: 10}
	if err := client.UpsertRoll(context.Background(), roll); err != nil {
		t.Fatalf("UpsertRoll failed: %v", err)
	}

	if gotPath != "/v1/rolls/roll-1" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %s", gotAuth)
	}
	if gotBody["capacity"] != float64(10) {
		t.Errorf("body = %v", gotBody)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{http.StatusPaymentRequired, apperrors.ErrInsufficientCredits},
		{http.StatusNotFound, apperrors.ErrNotFound},
		{http.StatusConflict, apperrors.ErrRemoteValidation},
		{http.StatusUnprocessableEntity, apperrors.ErrRemoteValidation},
		{http.StatusInternalServerError, apperrors.ErrNetworkUnavailable},
		{http.StatusBadGateway, apperrors.ErrNetworkUnavailable},
	}

	for _, tc := range cases {
		client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})

		err := client.DeleteRoll(context.Background(), "roll-1")
		if !apperrors.Is(err, tc.code) {
			t.Errorf("status %d: got %v, want code %s", tc.status, err, tc.code)
		}
		server.Close()
	}
}

func TestTransportFailureIsNetworkUnavailable(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {})
	server.Close() // connection refused from here on

	err := client.DeleteRoll(context.Background(), "roll-1")
	if !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Errorf("got %v, want NETWORK_UNAVAILABLE", err)
	}
}

func TestUploadPhotoReturnsURL(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/p1.jpg"})
	})
	defer server.Close()

	url, err := client.UploadPhoto(context.Background(), "p1", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("UploadPhoto failed: %v", err)
	}
	if url != "https://cdn.example.com/p1.jpg" {
		t.Errorf("url = %s", url)
	}
}

func TestCreatePrintOrderSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(map[string]int{"credits": 5})
	})
	defer server.Close()

	balance, err := client.CreatePrintOrder(context.Background(), "u1", "op-42", []string{"p1", "p2"}, 3)
	if err != nil {
		t.Fatalf("CreatePrintOrder failed: %v", err)
	}
	if gotKey != "op-42" {
		t.Errorf("idempotency key = %s, want op-42", gotKey)
	}
	if balance != 5 {
		t.Errorf("balance = %d, want 5", balance)
	}
}

func TestFetchProfile(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/profiles/u1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"username": "ansel", "credits": 30})
	})
	defer server.Close()

	username, credits, err := client.FetchProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FetchProfile failed: %v", err)
	}
	if username != "ansel" || credits != 30 {
		t.Errorf("profile = %s/%d", username, credits)
	}
}
