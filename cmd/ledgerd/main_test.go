package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golang-jwt/jwt/v5"

	"github.com/danvoulez/ledger/pkg/auth"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/identity"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/integration"
	"github.com/danvoulez/ledger/pkg/observability"
)

func TestIntentHandlerRejectsNonPost(t *testing.T) {
	sys := integration.NewSystem(eventstore.NewInMemoryStore(), integration.Options{})
	req := httptest.NewRequest("GET", "/intent", nil)
	rec := httptest.NewRecorder()
	intentHandler(sys, nil, nil)(rec, req)
	require.Equal(t, 405, rec.Code)
}

func TestIntentHandlerRejectsMalformedBody(t *testing.T) {
	sys := integration.NewSystem(eventstore.NewInMemoryStore(), integration.Options{})
	req := httptest.NewRequest("POST", "/intent", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	intentHandler(sys, nil, nil)(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestIntentHandlerDispatchesCreateEntity(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	sys := integration.NewSystem(store, integration.Options{})
	require.NoError(t, sys.Start(context.Background()))

	realmID := ids.New()
	body := map[string]any{
		"intent": "CreateEntity",
		"actor":  map[string]any{"kind": "system", "system_id": "test"},
		"realm":  string(realmID),
		"payload": map[string]any{
			"entity_type": "Person",
			"name":        "Ada",
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/intent", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	intentHandler(sys, nil, nil)(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp intentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Outcome["entity_id"])
}

func TestIntentHandlerUnregisteredIntentIsBadRequest(t *testing.T) {
	sys := integration.NewSystem(eventstore.NewInMemoryStore(), integration.Options{})
	body := map[string]any{
		"intent": "DoesNotExist",
		"actor":  map[string]any{"kind": "system", "system_id": "test"},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/intent", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	intentHandler(sys, nil, nil)(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestIntentHandlerRequiresBearerTokenWhenValidatorConfigured(t *testing.T) {
	sys := integration.NewSystem(eventstore.NewInMemoryStore(), integration.Options{})
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	validator := auth.NewJWTValidator(ks)

	body := map[string]any{"intent": "CreateEntity", "payload": map[string]any{}}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/intent", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	intentHandler(sys, validator, nil)(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestIntentHandlerAcceptsValidBearerToken(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	sys := integration.NewSystem(store, integration.Options{})
	require.NoError(t, sys.Start(context.Background()))

	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	validator := auth.NewJWTValidator(ks)

	claims := &auth.HelmClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: string(ids.New())},
		TenantID:         string(ids.New()),
	}
	tok, err := ks.Sign(context.Background(), claims)
	require.NoError(t, err)

	body := map[string]any{
		"intent":  "CreateEntity",
		"payload": map[string]any{"entity_type": "Person", "name": "Ada"},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest("POST", "/intent", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	intentHandler(sys, validator, nil)(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestHealthHandlerReportsSequence(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	healthHandler(store)(rec, req)
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestSLOHandlerReportsDefaultOperationStatus(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	_, finish := obs.TrackOperation(context.Background(), "intent.dispatch")
	finish(nil)

	req := httptest.NewRequest("GET", "/observability/slo", nil)
	rec := httptest.NewRecorder()
	sloHandler(obs)(rec, req)
	require.Equal(t, 200, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "intent.dispatch", status["operation"])
}

func TestSLOHandlerUnknownOperationIsNotFound(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/observability/slo?operation=nonexistent.op", nil)
	rec := httptest.NewRecorder()
	sloHandler(obs)(rec, req)
	require.Equal(t, 404, rec.Code)
}
