package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
)

type meResponse struct {
	User struct {
		ID    string `json:"id"`
		Phone string `json:"phone"`
	} `json:"user"`
}

func TestLoginThenMe(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())
	cookie := a.login(t)

	if !cookie.HttpOnly {
		t.Error("credential cookie must be HttpOnly")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("development cookie SameSite = %v, want Lax", cookie.SameSite)
	}

	w := a.do(t, http.MethodGet, "/api/auth/me", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody[meResponse](t, w)
	if body.User.ID != testPhone || body.User.Phone != testPhone {
		t.Errorf("me = %+v, want id and phone %s", body.User, testPhone)
	}

	user, err := a.repo.GetUser(context.Background(), testPhone)
	if err != nil || user == nil {
		t.Fatalf("login should record the user: %v %v", user, err)
	}
}

func TestLoginRejectsMissingPhone(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())

	for name, body := range map[string]interface{}{
		"empty object": map[string]string{},
		"blank phone":  map[string]string{"phone": "   "},
		"not a phone":  map[string]string{"phone": "hello"},
	} {
		t.Run(name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/auth/phone", body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeBody[map[string]string](t, w); got["error"] != "Phone number required" {
				t.Errorf("error = %q", got["error"])
			}
		})
	}

	if w := a.do(t, http.MethodPost, "/api/auth/phone", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing body status = %d, want 400", w.Code)
	}
}

func TestMeRequiresCredential(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())

	if w := a.do(t, http.MethodGet, "/api/auth/me", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no cookie status = %d, want 401", w.Code)
	}

	forged := &http.Cookie{Name: identity.CookieName, Value: "not-a-token"}
	if w := a.do(t, http.MethodGet, "/api/auth/me", nil, forged); w.Code != http.StatusUnauthorized {
		t.Errorf("forged cookie status = %d, want 401", w.Code)
	}

	other, err := identity.NewGate([]byte("other-secret"), 0)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := other.Issue(identity.Claim{Phone: testPhone})
	if err != nil {
		t.Fatal(err)
	}
	foreign := &http.Cookie{Name: identity.CookieName, Value: token}
	if w := a.do(t, http.MethodGet, "/api/auth/me", nil, foreign); w.Code != http.StatusUnauthorized {
		t.Errorf("foreign-key cookie status = %d, want 401", w.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	a := newTestAPI(t, orchestrator.NewScripted())

	w := a.do(t, http.MethodPost, "/api/auth/logout", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	var cleared *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == identity.CookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Errorf("logout should expire the cookie, got %+v", cleared)
	}
}
