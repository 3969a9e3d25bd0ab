package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telecare/internal/app/appt"
	"telecare/internal/app/session"
	"telecare/internal/configs"
	"telecare/internal/pkg/auth/jwt"
	"telecare/internal/pkg/errs"
	"telecare/internal/pkg/resp"
)

func TestMain(m *testing.M) {
	log.Logger = zerolog.Nop()
	m.Run()
}

const (
	testSecret        = "test-secret"
	testAppointmentID = "7b7d2f5e-9a44-4ef0-8f4e-0c2b8352a101"
	testTherapistID   = "therapist-1"
	testPatientID     = "patient-1"
	testFallbackURL   = "https://meet.example.com/session-101"
)

// fakeAppointments serves appointment records from memory.
type fakeAppointments struct {
	appointments map[string]appt.Appointment
}

func (f *fakeAppointments) GetAppointment(_ context.Context, id string) (appt.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return appt.Appointment{}, appt.ErrNotFound
	}
	return a, nil
}

func testDeps(t *testing.T) *AppDeps {
	t.Helper()

	registry := session.NewRegistry(testSecret)
	t.Cleanup(registry.Shutdown)

	return &AppDeps{
		Registry: registry,
		Config: &configs.AppConfig{
			Environment:        "development",
			JWTSecret:          testSecret,
			STUNServers:        []string{"stun:stun.example.com:3478"},
			NegotiationTimeout: 45 * time.Second,
		},
		Appointments: &fakeAppointments{
			appointments: map[string]appt.Appointment{
				testAppointmentID: {
					ID:          testAppointmentID,
					TherapistID: testTherapistID,
					PatientID:   testPatientID,
					FallbackURL: testFallbackURL,
				},
			},
		},
	}
}

func identityToken(t *testing.T, userID, displayName string) string {
	t.Helper()

	token, err := jwt.GenerateToken(&jwt.Payload{ID: userID, DisplayName: displayName}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generating identity token: %v", err)
	}
	return token
}

func postToken(t *testing.T, router http.Handler, bearer, body string) (*httptest.ResponseRecorder, resp.JSONResponse) {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/api/session/token", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, r)

	var envelope resp.JSONResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not a JSON envelope: %v (body: %s)", err, rr.Body.String())
	}
	return rr, envelope
}

func TestSessionTokenIssuedForAppointmentParty(t *testing.T) {
	deps := testDeps(t)
	router := Router(deps)

	bearer := identityToken(t, testPatientID, "Pat Example")
	rr, envelope := postToken(t, router, bearer, `{"appointmentId":"`+testAppointmentID+`"}`)

	if rr.Code != http.StatusOK || envelope.Code != 0 {
		t.Fatalf("got HTTP %d / code %d, want 200 / 0 (body: %s)", rr.Code, envelope.Code, rr.Body.String())
	}

	data, ok := envelope.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T, want an object", envelope.Data)
	}

	if data["roomId"] != testAppointmentID {
		t.Errorf("roomId = %v, want the appointment id", data["roomId"])
	}
	if data["fallbackUrl"] != testFallbackURL {
		t.Errorf("fallbackUrl = %v, want %q", data["fallbackUrl"], testFallbackURL)
	}
	if _, ok := data["stunServers"]; !ok {
		t.Error("response must carry the STUN server list")
	}

	// The grant carries the server-configured negotiation bound so every
	// client in the room fails a stalled link after the same window.
	if got, _ := data["negotiationTimeoutSeconds"].(float64); int(got) != 45 {
		t.Errorf("negotiationTimeoutSeconds = %v, want 45", data["negotiationTimeoutSeconds"])
	}

	tokenString, _ := data["token"].(string)
	payload, err := jwt.ParseToken(tokenString, testSecret)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if payload.RoomID != testAppointmentID {
		t.Errorf("token room = %q, want the appointment id", payload.RoomID)
	}
	if payload.Role != "patient" {
		t.Errorf("token role = %q, want patient (derived, never client-supplied)", payload.Role)
	}
}

func TestSessionTokenRequiresIdentity(t *testing.T) {
	router := Router(testDeps(t))

	rr, envelope := postToken(t, router, "", `{"appointmentId":"`+testAppointmentID+`"}`)

	if rr.Code != http.StatusUnauthorized || envelope.Code != errs.ErrUnauthorized {
		t.Fatalf("got HTTP %d / code %d, want 401 / %d", rr.Code, envelope.Code, errs.ErrUnauthorized)
	}
}

func TestSessionTokenRejectsNonParty(t *testing.T) {
	router := Router(testDeps(t))

	bearer := identityToken(t, "stranger-1", "Stranger")
	rr, envelope := postToken(t, router, bearer, `{"appointmentId":"`+testAppointmentID+`"}`)

	if rr.Code != http.StatusForbidden || envelope.Code != errs.ErrRoomForbidden {
		t.Fatalf("got HTTP %d / code %d, want 403 / %d", rr.Code, envelope.Code, errs.ErrRoomForbidden)
	}
}

func TestSessionTokenUnknownAppointment(t *testing.T) {
	router := Router(testDeps(t))

	bearer := identityToken(t, testPatientID, "Pat Example")
	rr, envelope := postToken(t, router, bearer, `{"appointmentId":"00000000-0000-4000-8000-000000000000"}`)

	if rr.Code != http.StatusNotFound || envelope.Code != errs.ErrAppointmentNotFound {
		t.Fatalf("got HTTP %d / code %d, want 404 / %d", rr.Code, envelope.Code, errs.ErrAppointmentNotFound)
	}
}

func TestSessionTokenRejectsMalformedAppointmentID(t *testing.T) {
	router := Router(testDeps(t))

	bearer := identityToken(t, testPatientID, "Pat Example")
	_, envelope := postToken(t, router, bearer, `{"appointmentId":"not-a-uuid"}`)

	if envelope.Code != errs.ErrInvalidParams {
		t.Fatalf("code = %d, want %d", envelope.Code, errs.ErrInvalidParams)
	}
}

func TestSessionFallbackReturnsLink(t *testing.T) {
	router := Router(testDeps(t))

	r := httptest.NewRequest(http.MethodGet, "/api/session/"+testAppointmentID+"/fallback", nil)
	r.Header.Set("Authorization", "Bearer "+identityToken(t, testTherapistID, "Dr. Example"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, r)

	var envelope resp.JSONResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not a JSON envelope: %v", err)
	}
	if envelope.Code != 0 {
		t.Fatalf("code = %d, want 0 (body: %s)", envelope.Code, rr.Body.String())
	}

	data, _ := envelope.Data.(map[string]any)
	if data["fallbackUrl"] != testFallbackURL {
		t.Errorf("fallbackUrl = %v, want %q", data["fallbackUrl"], testFallbackURL)
	}
}
