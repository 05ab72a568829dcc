// Package profile submits the onboarding questionnaire and tells a
// first-time user apart from a returning one.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/brain/internal/api"
)

// ErrMissingField is returned by Submit when a required answer is blank.
var ErrMissingField = errors.New("required field is empty")

// Backend is implemented by api.Client.
type Backend interface {
	Dashboard(ctx context.Context) (api.Dashboard, error)
	Onboard(ctx context.Context, req api.OnboardRequest) error
}

// Form holds the onboarding answers. FullName, PreferredName and
// Occupation are required.
type Form struct {
	FullName      string
	PreferredName string
	Occupation    string
	Interests     string
	AIPersonality string
	Expectations  string
}

type field struct {
	label    string
	value    string
	required bool
}

func (f Form) fields() []field {
	return []field{
		{"Full Name", f.FullName, true},
		{"Preferred Name", f.PreferredName, true},
		{"Occupation", f.Occupation, true},
		{"Interests", f.Interests, false},
		{"AI Personality Preferences", f.AIPersonality, false},
		{"Expectations from AI", f.Expectations, false},
	}
}

// Validate reports the first required field left blank.
func (f Form) Validate() error {
	for _, fl := range f.fields() {
		if fl.required && strings.TrimSpace(fl.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, fl.label)
		}
	}
	return nil
}

// Lines renders the answers as "Label: value". Blank answers are left out.
func (f Form) Lines() []string {
	var out []string
	for _, fl := range f.fields() {
		v := strings.TrimSpace(fl.value)
		if v == "" {
			continue
		}
		out = append(out, fl.label+": "+v)
	}
	return out
}

type Onboarding struct {
	backend Backend
	logger  *slog.Logger
}

func NewOnboarding(backend Backend) *Onboarding {
	return &Onboarding{backend: backend, logger: slog.Default()}
}

// SetLogger replaces the logger. A nil logger is ignored.
func (o *Onboarding) SetLogger(l *slog.Logger) {
	if l != nil {
		o.logger = l
	}
}

// Submit sends the questionnaire for userID. An empty timezone uses the
// local zone of the machine.
func (o *Onboarding) Submit(ctx context.Context, userID, timezone string, f Form) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id", ErrMissingField)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if timezone == "" {
		timezone = LocalTimezone()
	}

	req := api.OnboardRequest{UserID: userID, Timezone: timezone, Data: f.Lines()}
	if err := o.backend.Onboard(ctx, req); err != nil {
		return fmt.Errorf("submitting onboarding: %w", err)
	}
	o.logger.Info("onboarding submitted", "user", userID, "answers", len(req.Data))
	return nil
}

// IsFirstTimeUser reports whether the dashboard has neither sessions nor
// recent memories. A failed lookup is logged and counts as returning.
func (o *Onboarding) IsFirstTimeUser(ctx context.Context) bool {
	d, err := o.backend.Dashboard(ctx)
	if err != nil {
		o.logger.Warn("checking first-time user failed", "error", err)
		return false
	}
	return len(d.Sessions.All) == 0 && len(d.Memories.Recent) == 0
}

// LocalTimezone is the IANA name of the local zone, UTC when unknown.
func LocalTimezone() string {
	name := time.Local.String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}
