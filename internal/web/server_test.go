package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conorfennell/cardsync/internal/api"
	"github.com/conorfennell/cardsync/internal/domain"
	"github.com/conorfennell/cardsync/internal/reconcile"
	"github.com/conorfennell/cardsync/internal/roster"
	"github.com/conorfennell/cardsync/internal/study"
)

// cardAPI is a minimal in-memory stand-in for the remote card API.
type cardAPI struct {
	mu         sync.Mutex
	cards      []map[string]any
	batchCalls int
	failBatch  bool
	writeCalls int
	classes    map[string][]api.Student
}

func (a *cardAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/cards":
		json.NewEncoder(w).Encode(a.cards)
	case r.Method == http.MethodPost && r.URL.Path == "/cards/batch-archive":
		a.batchCalls++
		if a.failBatch {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "batch failed"}`))
			return
		}
		var req struct {
			Updates []struct {
				ID       int64 `json:"id"`
				IsActive int   `json:"is_active"`
			} `json:"updates"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, u := range req.Updates {
			for _, c := range a.cards {
				if c["id"] == float64(u.ID) {
					c["is_active"] = u.IsActive
				}
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "count": len(req.Updates)})
	case r.Method == http.MethodPost && r.URL.Path == "/cards/bulk":
		a.writeCalls++
		var req struct {
			Cards []map[string]any `json:"cards"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, c := range req.Cards {
			c["id"] = float64(len(a.cards) + 1)
			c["is_active"] = 1
			a.cards = append(a.cards, c)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "count": len(req.Cards)})
	case r.Method == http.MethodPost && r.URL.Path == "/cards":
		a.writeCalls++
		var c map[string]any
		json.NewDecoder(r.Body).Decode(&c)
		c["id"] = float64(len(a.cards) + 1)
		c["is_active"] = 1
		a.cards = append(a.cards, c)
		json.NewEncoder(w).Encode(c)
	case r.Method == http.MethodGet && r.URL.Path == "/classes":
		out := []api.Class{}
		for name, students := range a.classes {
			out = append(out, api.Class{Name: name, StudentCount: len(students)})
		}
		json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPost && r.URL.Path == "/classes/assign":
		var req struct {
			ClassName  string          `json:"class_name"`
			StudentIDs []api.StudentID `json:"student_ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, id := range req.StudentIDs {
			a.classes[req.ClassName] = append(a.classes[req.ClassName], api.Student{ID: id, Name: "student " + jsonNumber(id)})
		}
		w.Write([]byte(`{"success": true}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/classes/"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/classes/"), "/students")
		json.NewEncoder(w).Encode(a.classes[name])
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/classes/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/classes/"), "/")
		var kept []api.Student
		for _, st := range a.classes[parts[0]] {
			if jsonNumber(st.ID) != parts[2] {
				kept = append(kept, st)
			}
		}
		a.classes[parts[0]] = kept
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/toggle-archive"):
		var req struct {
			IsActive int `json:"is_active"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, c := range a.cards {
			if r.URL.Path == "/cards/"+jsonNumber(c["id"])+"/toggle-archive" {
				c["is_active"] = req.IsActive
				json.NewEncoder(w).Encode(c)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *cardAPI) batches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batchCalls
}

func (a *cardAPI) writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeCalls
}

func (a *cardAPI) setFailBatch(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failBatch = fail
}

func jsonNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func newTestServer(t *testing.T) (*Server, *cardAPI) {
	t.Helper()
	remote := &cardAPI{
		cards: []map[string]any{
			{"id": float64(1), "pregunta": "dog", "respuesta": "perro", "is_active": 1},
			{"id": float64(2), "pregunta": "cat", "respuesta": "gato", "is_active": 1},
		},
		classes: map[string][]api.Student{"1A": {{ID: 5, Name: "Ana"}}},
	}
	apiSrv := httptest.NewServer(remote)
	t.Cleanup(apiSrv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := api.New(apiSrv.URL, 5*time.Second, api.WithLogger(logger))
	rec, err := reconcile.New(client, reconcile.WithLogger(logger))
	if err != nil {
		t.Fatalf("reconcile.New() returned an unexpected error: %v", err)
	}
	controller := reconcile.NewController(rec, logger)
	deck := study.NewDeck(client, controller, rand.New(rand.NewPCG(1, 2)), logger)
	return NewServer(controller, deck, roster.New(client, logger), logger), remote
}

func do(t *testing.T, s *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func toggle(t *testing.T, s *Server, id string, active bool) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"active": {map[bool]string{true: "true", false: "false"}[active]}}
	return do(t, s, http.MethodPost, "/list/toggle/"+id, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func TestListSessionFlow(t *testing.T) {
	s, remote := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/list/enter", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on enter, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = toggle(t, s, "1", false)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on toggle, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, s, http.MethodPost, "/list/toggle/2", strings.NewReader(`{"active": true}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on JSON toggle, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodPost, "/list/exit", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on exit, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp flushResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.OK || len(resp.Sent) != 2 || len(resp.Retained) != 0 || resp.View != "study" {
		t.Errorf("Unexpected exit response %+v", resp)
	}
	if n := remote.batches(); n != 1 {
		t.Errorf("Expected one batch call, got %d", n)
	}

	rr = do(t, s, http.MethodGet, "/cards", nil, "")
	var cards []domain.Card
	if err := json.Unmarshal(rr.Body.Bytes(), &cards); err != nil {
		t.Fatalf("parse cards: %v", err)
	}
	if len(cards) != 2 || cards[0].Active || !cards[1].Active {
		t.Errorf("Expected card 1 archived and card 2 active, got %+v", cards)
	}
}

func TestExitKeepsPendingOnFailure(t *testing.T) {
	s, remote := newTestServer(t)
	remote.setFailBatch(true)

	do(t, s, http.MethodPost, "/list/enter", nil, "")
	toggle(t, s, "2", false)

	rr := do(t, s, http.MethodPost, "/list/exit?to=classes", nil, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp flushResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Errorf("Expected a failed flush, got %+v", resp)
	}
	if len(resp.Retained) != 1 || resp.Retained[0] != (pendingEntry{ID: 2, Active: false}) {
		t.Errorf("Expected card 2 retained, got %+v", resp.Retained)
	}
	if resp.View != "classes" {
		t.Errorf("Expected to land on classes, got %q", resp.View)
	}

	rr = do(t, s, http.MethodGet, "/pending", nil, "")
	if !strings.Contains(rr.Body.String(), `"state":"dirty"`) {
		t.Errorf("Expected dirty state, got %s", rr.Body.String())
	}
}

func TestToggleErrors(t *testing.T) {
	s, _ := newTestServer(t)

	testCases := []struct {
		name   string
		setup  func()
		id     string
		status int
	}{
		{name: "outside session", setup: func() {}, id: "1", status: http.StatusConflict},
		{name: "bad id", setup: func() { do(t, s, http.MethodPost, "/list/enter", nil, "") }, id: "abc", status: http.StatusBadRequest},
		{name: "unknown card", setup: func() {}, id: "99", status: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup()
			rr := toggle(t, s, tc.id, false)
			if rr.Code != tc.status {
				t.Errorf("Expected status %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}

	rr := do(t, s, http.MethodGet, "/list/toggle/1", nil, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rr.Code)
	}
}

func TestStudyArchive(t *testing.T) {
	s, remote := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/study/archive/1", strings.NewReader(`{"active": false}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if remote.batches() != 0 {
		t.Error("Expected the study archive to bypass the batch endpoint")
	}

	// Only card 2 is left in rotation.
	for i := 0; i < 3; i++ {
		rr = do(t, s, http.MethodGet, "/study/next", nil, "")
		var card domain.Card
		if err := json.Unmarshal(rr.Body.Bytes(), &card); err != nil {
			t.Fatalf("parse card: %v", err)
		}
		if card.ID != 2 {
			t.Errorf("Expected card 2, got %d", card.ID)
		}
	}
}

func TestStudyNextOnFreshServer(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/study/next", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var card domain.Card
	if err := json.Unmarshal(rr.Body.Bytes(), &card); err != nil {
		t.Fatalf("parse card: %v", err)
	}
	if !card.Active || (card.ID != 1 && card.ID != 2) {
		t.Errorf("Expected an active card from the card API, got %+v", card)
	}
}

func TestCardValidation(t *testing.T) {
	s, remote := newTestServer(t)

	testCases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "add with blank answer", method: http.MethodPost, target: "/study/cards", body: `{"question": "bird", "answer": "  "}`},
		{name: "edit with blank question", method: http.MethodPut, target: "/study/cards/1", body: `{"question": "", "answer": "perro"}`},
		{name: "import with no complete row", method: http.MethodPost, target: "/study/cards/bulk", body: `{"cards": [{"question": "bird"}]}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, s, tc.method, tc.target, strings.NewReader(tc.body), "application/json")
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
	if n := remote.writes(); n != 0 {
		t.Errorf("Expected invalid cards to never reach the card API, got %d writes", n)
	}

	rr := do(t, s, http.MethodPost, "/study/cards", strings.NewReader(`{"question": "bird", "answer": "pájaro"}`), "application/json")
	if rr.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestImportCards(t *testing.T) {
	s, remote := newTestServer(t)

	body := `{"cards": [{"question": "DOG", "answer": "perro"}, {"question": "bird", "answer": "pájaro"}], "class_id": "1A"}`
	rr := do(t, s, http.MethodPost, "/study/cards/bulk", strings.NewReader(body), "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var res study.ImportResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if res != (study.ImportResult{Created: 1, Skipped: 1}) {
		t.Errorf("Expected the duplicate to be skipped, got %+v", res)
	}
	if remote.writes() != 1 {
		t.Errorf("Expected one bulk request, got %d", remote.writes())
	}

	rr = do(t, s, http.MethodGet, "/cards", nil, "")
	var cards []domain.Card
	if err := json.Unmarshal(rr.Body.Bytes(), &cards); err != nil {
		t.Fatalf("parse cards: %v", err)
	}
	if len(cards) != 3 {
		t.Errorf("Expected the imported card after the refresh, got %+v", cards)
	}
}

func TestClassRoster(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/classes", nil, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"name":"1A"`) {
		t.Fatalf("Expected class 1A, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodPost, "/classes/assign", strings.NewReader(`{"class": "1A", "student_ids": [7]}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var students []api.Student
	if err := json.Unmarshal(rr.Body.Bytes(), &students); err != nil {
		t.Fatalf("parse students: %v", err)
	}
	if len(students) != 2 {
		t.Errorf("Expected two students after assigning, got %+v", students)
	}

	rr = do(t, s, http.MethodPost, "/classes/assign", strings.NewReader(`{"class": "1A", "student_ids": []}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without students, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodDelete, "/classes/1A/students/5", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	students = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &students); err != nil {
		t.Fatalf("parse students: %v", err)
	}
	if len(students) != 1 || students[0].ID != 7 {
		t.Errorf("Expected only student 7 left, got %+v", students)
	}

	rr = do(t, s, http.MethodGet, "/students/search?q=a", nil, "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("Expected an empty result for a short query, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodPut, "/profile", strings.NewReader(`{"email": "nope", "name": "Ana"}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad email, got %d", rr.Code)
	}
}
