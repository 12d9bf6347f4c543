// Package roster manages a teacher's classes, the students assigned to them,
// and the account profile.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/cardsync/internal/api"
)

// MinQueryLen is the shortest student search that reaches the card API.
const MinQueryLen = 2

var (
	// ErrInvalidClass is returned when assigning without a class name or
	// without students.
	ErrInvalidClass = errors.New("class needs a name and at least one student")
	// ErrInvalidProfile is wrapped by profile validation failures.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Remote is the part of the card API the roster uses.
type Remote interface {
	TeacherClasses(ctx context.Context) ([]api.Class, error)
	SearchStudents(ctx context.Context, query string) ([]api.Student, error)
	AssignStudents(ctx context.Context, class string, ids []api.StudentID) error
	ClassStudents(ctx context.Context, class string) ([]api.Student, error)
	RemoveStudent(ctx context.Context, class string, id api.StudentID) error
	TranslateTexts(ctx context.Context, texts []string, target string) ([]api.Translation, error)
	UpdateProfile(ctx context.Context, p api.Profile) (api.Profile, error)
}

// Roster serves the classes and profile views.
type Roster struct {
	remote   Remote
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates a roster.
func New(remote Remote, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		remote:   remote,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Classes lists the teacher's classes.
func (r *Roster) Classes(ctx context.Context) ([]api.Class, error) {
	classes, err := r.remote.TeacherClasses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return classes, nil
}

// Search finds students matching query, leaving out the ids in exclude. A
// query shorter than MinQueryLen returns nothing without a request.
func (r *Roster) Search(ctx context.Context, query string, exclude ...api.StudentID) ([]api.Student, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinQueryLen {
		return nil, nil
	}
	found, err := r.remote.SearchStudents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search students: %w", err)
	}
	return slices.DeleteFunc(found, func(s api.Student) bool {
		return slices.Contains(exclude, s.ID)
	}), nil
}

// Assign adds students to a class. Assigning to a new name creates the class.
func (r *Roster) Assign(ctx context.Context, class string, ids []api.StudentID) error {
	class = strings.TrimSpace(class)
	if class == "" || len(ids) == 0 {
		return ErrInvalidClass
	}
	if err := r.remote.AssignStudents(ctx, class, ids); err != nil {
		return fmt.Errorf("assign students to %q: %w", class, err)
	}
	r.logger.Info("Students assigned", "class", class, "count", len(ids))
	return nil
}

// Students lists the students of a class.
func (r *Roster) Students(ctx context.Context, class string) ([]api.Student, error) {
	students, err := r.remote.ClassStudents(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("list students of %q: %w", class, err)
	}
	return students, nil
}

// Remove takes a student out of a class and returns who is left.
func (r *Roster) Remove(ctx context.Context, class string, id api.StudentID) ([]api.Student, error) {
	if err := r.remote.RemoveStudent(ctx, class, id); err != nil {
		return nil, fmt.Errorf("remove student %d from %q: %w", id, class, err)
	}
	r.logger.Info("Student removed", "class", class, "student_id", id)
	return r.Students(ctx, class)
}

// Translate flips text between Spanish and English: it is translated to
// English, unless it already is English, in which case it goes to Spanish.
// Blank text is returned as is.
func (r *Roster) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	out, err := r.translate(ctx, text, "en")
	if err != nil {
		return "", err
	}
	if out.DetectedSource == "en" {
		if out, err = r.translate(ctx, text, "es"); err != nil {
			return "", err
		}
	}
	return out.Text, nil
}

func (r *Roster) translate(ctx context.Context, text, target string) (api.Translation, error) {
	out, err := r.remote.TranslateTexts(ctx, []string{text}, target)
	if err != nil {
		return api.Translation{}, fmt.Errorf("translate to %s: %w", target, err)
	}
	if len(out) != 1 {
		return api.Translation{}, fmt.Errorf("translate to %s: expected 1 translation, got %d", target, len(out))
	}
	return out[0], nil
}

type profileInput struct {
	Email string `validate:"required,email"`
	Name  string `validate:"required"`
}

// UpdateProfile trims and validates the profile before saving it.
func (r *Roster) UpdateProfile(ctx context.Context, p api.Profile) (api.Profile, error) {
	p.Email = strings.TrimSpace(p.Email)
	p.Name = strings.TrimSpace(p.Name)
	p.Institution = strings.TrimSpace(p.Institution)
	if err := r.validate.Struct(profileInput{Email: p.Email, Name: p.Name}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			var fields []string
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return api.Profile{}, fmt.Errorf("%w: bad %s", ErrInvalidProfile, strings.Join(fields, ", "))
		}
		return api.Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	saved, err := r.remote.UpdateProfile(ctx, p)
	if err != nil {
		return api.Profile{}, fmt.Errorf("update profile: %w", err)
	}
	r.logger.Info("Profile updated", "email", saved.Email)
	return saved, nil
}
