package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/conorfennell/cardsync/internal/domain"
)

// StudentID is the account id of a student.
type StudentID int64

// Class is a named group of students owned by a teacher.
type Class struct {
	Name         string `json:"name"`
	StudentCount int    `json:"student_count"`
}

// Student is a student account as listed in a class or a search.
type Student struct {
	ID    StudentID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
}

// Profile is the editable part of an account.
type Profile struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Institution string `json:"institucion,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Translation is one translated text with the language it was detected in.
type Translation struct {
	Text           string `json:"translatedText"`
	DetectedSource string `json:"detectedSourceLanguage,omitempty"`
}

// TeacherClasses lists the classes of the authenticated teacher.
func (c *Client) TeacherClasses(ctx context.Context) ([]Class, error) {
	var classes []Class
	if err := c.do(ctx, "list classes", http.MethodGet, "/classes", nil, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// SearchStudents finds students whose name or email matches query.
func (c *Client) SearchStudents(ctx context.Context, query string) ([]Student, error) {
	var students []Student
	path := "/students/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, "search students", http.MethodGet, path, nil, &students); err != nil {
		return nil, err
	}
	return students, nil
}

type assignRequest struct {
	ClassName  string      `json:"class_name"`
	StudentIDs []StudentID `json:"student_ids"`
}

// AssignStudents adds students to a class, creating the class if needed.
func (c *Client) AssignStudents(ctx context.Context, class string, ids []StudentID) error {
	return c.do(ctx, "assign students", http.MethodPost, "/classes/assign", assignRequest{class, ids}, nil)
}

// ClassStudents lists the students of a class.
func (c *Client) ClassStudents(ctx context.Context, class string) ([]Student, error) {
	var students []Student
	path := "/classes/" + url.PathEscape(class) + "/students"
	if err := c.do(ctx, "list class students", http.MethodGet, path, nil, &students); err != nil {
		return nil, err
	}
	return students, nil
}

// RemoveStudent takes a student out of a class.
func (c *Client) RemoveStudent(ctx context.Context, class string, id StudentID) error {
	path := fmt.Sprintf("/classes/%s/students/%d", url.PathEscape(class), id)
	return c.do(ctx, "remove student", http.MethodDelete, path, nil, nil)
}

type translateRequest struct {
	Texts  []string `json:"texts"`
	Target string   `json:"target"`
}

type translateResponse struct {
	Translations []Translation `json:"translations"`
}

// TranslateTexts translates texts into the target language.
func (c *Client) TranslateTexts(ctx context.Context, texts []string, target string) ([]Translation, error) {
	var res translateResponse
	if err := c.do(ctx, "translate", http.MethodPost, "/translate", translateRequest{texts, target}, &res); err != nil {
		return nil, err
	}
	return res.Translations, nil
}

type profileResponse struct {
	User Profile `json:"user"`
}

// UpdateProfile saves the profile and returns it as stored.
func (c *Client) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	var res profileResponse
	if err := c.do(ctx, "update profile", http.MethodPut, "/auth/profile", p, &res); err != nil {
		return Profile{}, err
	}
	return res.User, nil
}

type bulkRequest struct {
	Cards   []cardBody `json:"cards"`
	ClassID string     `json:"class_id,omitempty"`
}

// BulkCreateCards creates cards in one request, optionally assigned to a
// class, and returns how many were created.
func (c *Client) BulkCreateCards(ctx context.Context, cards []domain.Card, classID string) (int, error) {
	if len(cards) == 0 {
		return 0, nil
	}
	req := bulkRequest{Cards: make([]cardBody, 0, len(cards)), ClassID: classID}
	for _, card := range cards {
		req.Cards = append(req.Cards, cardBody{card.Question, card.Answer})
	}
	var res BatchResult
	if err := c.do(ctx, "bulk create cards", http.MethodPost, "/cards/bulk", req, &res); err != nil {
		return 0, err
	}
	if res.Count == 0 {
		res.Count = len(cards)
	}
	return res.Count, nil
}
