package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/conorfennell/cardsync/internal/api"
	"github.com/conorfennell/cardsync/internal/domain"
	"github.com/conorfennell/cardsync/internal/reconcile"
	"github.com/conorfennell/cardsync/internal/roster"
	"github.com/conorfennell/cardsync/internal/study"
)

// Server holds the dependencies for the HTTP bridge.
type Server struct {
	controller *reconcile.Controller
	deck       *study.Deck
	roster     *roster.Roster
	router     *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates and configures a new server.
func NewServer(controller *reconcile.Controller, deck *study.Deck, rs *roster.Roster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		controller: controller,
		deck:       deck,
		roster:     rs,
		router:     http.NewServeMux(),
		logger:     logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth())
	s.router.HandleFunc("/cards", s.handleGetCards())
	s.router.HandleFunc("/pending", s.handleGetPending())

	// List view session
	s.router.HandleFunc("/list/enter", s.handleEnterList())
	s.router.HandleFunc("/list/toggle/", s.handleToggle())
	s.router.HandleFunc("/list/exit", s.handleExitList())

	// Study view
	s.router.HandleFunc("/study/next", s.handleNext())
	s.router.HandleFunc("/study/archive/", s.handleArchive())
	s.router.HandleFunc("/study/cards", s.handleAddCard())
	s.router.HandleFunc("/study/cards/", s.handleEditCard())
	s.router.HandleFunc("/study/cards/bulk", s.handleImport())

	// Classes and profile views
	s.router.HandleFunc("/classes", s.handleClasses())
	s.router.HandleFunc("/classes/assign", s.handleAssign())
	s.router.HandleFunc("/classes/", s.handleClassStudents())
	s.router.HandleFunc("/students/search", s.handleSearchStudents())
	s.router.HandleFunc("/translate", s.handleTranslate())
	s.router.HandleFunc("/profile", s.handleProfile())
}

type pendingEntry struct {
	ID     domain.CardID `json:"id"`
	Active bool          `json:"active"`
}

type flushResponse struct {
	OK           bool           `json:"ok"`
	Sent         []pendingEntry `json:"sent"`
	Applied      int            `json:"applied"`
	Retained     []pendingEntry `json:"retained"`
	Error        string         `json:"error,omitempty"`
	RefreshError string         `json:"refresh_error,omitempty"`
	View         string         `json:"view"`
}

func entries(updates []domain.CardUpdate) []pendingEntry {
	out := make([]pendingEntry, 0, len(updates))
	for _, u := range updates {
		out = append(out, pendingEntry{ID: u.ID, Active: u.Active})
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error from the card API or the reconciler to a status.
func statusFor(err error) int {
	var se *api.StatusError
	switch {
	case errors.Is(err, domain.ErrInvalidCard), errors.Is(err, roster.ErrInvalidClass), errors.Is(err, roster.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, reconcile.ErrUnknownCard), errors.Is(err, study.ErrNoActiveCards):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNoSession), errors.Is(err, study.ErrDuplicate):
		return http.StatusConflict
	case api.IsTransport(err):
		return http.StatusBadGateway
	case errors.As(err, &se) && se.Status == http.StatusUnauthorized:
		return http.StatusUnauthorized
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseID(path, prefix string) (domain.CardID, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(path, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid card ID")
	}
	return domain.CardID(id), nil
}

// parseActive reads the "active" value from a JSON body or a form.
func parseActive(r *http.Request) (bool, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Active *bool `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
			return false, errors.New("body must carry a boolean 'active'")
		}
		return *body.Active, nil
	}
	return strconv.ParseBool(r.PostFormValue("active"))
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleGetCards returns the cards with pending overrides applied.
func (s *Server) handleGetCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		cards, err := s.controller.Cards(r.Context())
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, cards)
	}
}

func (s *Server) handleGetPending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rec := s.controller.Reconciler()
		s.writeJSON(w, http.StatusOK, map[string]any{
			"state":   rec.State().String(),
			"pending": entries(domain.Updates(rec.Pending())),
		})
	}
}

// handleEnterList starts a list session and returns the cards to edit.
func (s *Server) handleEnterList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		session, err := s.controller.OnEnterListSession(r.Context())
		if err != nil {
			s.logger.Warn("Error entering list session", "error", err)
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"session": session.ID,
			"cards":   s.controller.Reconciler().DisplayCards(),
		})
	}
}

// handleToggle records a local active/archived choice.
func (s *Server) handleToggle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id, err := parseID(r.URL.Path, "/list/toggle/")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		active, err := parseActive(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid active value")
			return
		}
		if err := s.controller.OnLocalToggle(id, active); err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, pendingEntry{ID: id, Active: active})
	}
}

// handleExitList leaves the list view. It answers only once the flush and
// its refresh have settled.
func (s *Server) handleExitList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		next := reconcile.StudyView
		switch r.URL.Query().Get("to") {
		case "", "study":
		case "classes":
			next = reconcile.ClassesView
		case "profile":
			next = reconcile.ProfileView
		default:
			s.writeError(w, http.StatusBadRequest, "Unknown destination view")
			return
		}

		res, err := s.controller.OnExitListSession(r.Context(), next)
		resp := flushResponse{
			OK:       err == nil,
			Sent:     entries(res.Sent),
			Applied:  res.Applied,
			Retained: entries(domain.Updates(res.Retained)),
			View:     s.controller.View().String(),
		}
		if res.RefreshErr != nil {
			resp.RefreshError = res.RefreshErr.Error()
		}
		if err != nil {
			resp.Error = err.Error()
			s.writeJSON(w, http.StatusBadGateway, resp)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

// handleNext returns a random active card.
func (s *Server) handleNext() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		card, err := s.deck.Next(r.Context())
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, card)
	}
}

// handleArchive sets a card's active flag immediately.
func (s *Server) handleArchive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id, err := parseID(r.URL.Path, "/study/archive/")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		active, err := parseActive(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid active value")
			return
		}
		card, err := s.deck.Archive(r.Context(), id, active)
		if err != nil {
			s.logger.Warn("Error archiving card", "card_id", id, "error", err)
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, card)
	}
}

type cardRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (s *Server) handleAddCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var req cardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		card, err := s.deck.Add(r.Context(), req.Question, req.Answer)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, card)
	}
}

func (s *Server) handleEditCard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id, err := parseID(r.URL.Path, "/study/cards/")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req cardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		card, err := s.deck.Edit(r.Context(), id, req.Question, req.Answer)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, card)
	}
}

type importRequest struct {
	Cards   []cardRequest `json:"cards"`
	ClassID string        `json:"class_id"`
}

// handleImport creates many cards at once.
func (s *Server) handleImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		rows := make([]domain.Card, 0, len(req.Cards))
		for _, c := range req.Cards {
			rows = append(rows, domain.Card{Question: c.Question, Answer: c.Answer})
		}
		res, err := s.deck.Import(r.Context(), rows, req.ClassID)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) handleClasses() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		classes, err := s.roster.Classes(r.Context())
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, classes)
	}
}

type assignRequest struct {
	Class      string          `json:"class"`
	StudentIDs []api.StudentID `json:"student_ids"`
}

func (s *Server) handleAssign() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		if err := s.roster.Assign(r.Context(), req.Class, req.StudentIDs); err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		students, err := s.roster.Students(r.Context(), strings.TrimSpace(req.Class))
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, students)
	}
}

// handleClassStudents serves /classes/{name}/students and
// /classes/{name}/students/{id}. The name is path-escaped.
func (s *Server) handleClassStudents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/classes/"), "/")
		if len(parts) < 2 || len(parts) > 3 || parts[1] != "students" {
			s.writeError(w, http.StatusNotFound, "Not found")
			return
		}
		class, err := url.PathUnescape(parts[0])
		if err != nil || class == "" {
			s.writeError(w, http.StatusBadRequest, "Invalid class name")
			return
		}

		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			students, err := s.roster.Students(r.Context(), class)
			if err != nil {
				s.writeError(w, statusFor(err), err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, students)
		case len(parts) == 3 && r.Method == http.MethodDelete:
			id, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil || id <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid student ID")
				return
			}
			left, err := s.roster.Remove(r.Context(), class, api.StudentID(id))
			if err != nil {
				s.logger.Warn("Error removing student", "class", class, "student_id", id, "error", err)
				s.writeError(w, statusFor(err), err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, left)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func (s *Server) handleSearchStudents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var exclude []api.StudentID
		for _, v := range r.URL.Query()["exclude"] {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid student ID")
				return
			}
			exclude = append(exclude, api.StudentID(id))
		}
		found, err := s.roster.Search(r.Context(), r.URL.Query().Get("q"), exclude...)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		if found == nil {
			found = []api.Student{}
		}
		s.writeJSON(w, http.StatusOK, found)
	}
}

type translateRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTranslate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		text, err := s.roster.Translate(r.Context(), req.Text)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, translateRequest{Text: text})
	}
}

func (s *Server) handleProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var req api.Profile
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		saved, err := s.roster.UpdateProfile(r.Context(), req)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, saved)
	}
}
