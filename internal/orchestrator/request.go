package orchestrator

import (
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
)

// MeetingRequest identifies a meeting and how to appear in it. The locator
// is either URL or MeetingID with an optional Passcode.
type MeetingRequest struct {
	URL         string `json:"url,omitempty"`
	MeetingID   string `json:"meeting_id,omitempty"`
	Passcode    string `json:"passcode,omitempty"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

// Validate checks that the request names exactly one locator and a display
// name that can be typed rune by rune.
func (r MeetingRequest) Validate() error {
	link := strings.TrimSpace(r.URL)
	id := strings.TrimSpace(r.MeetingID)
	switch {
	case strings.TrimSpace(r.DisplayName) == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "display name is required")
	case !utf8.ValidString(r.DisplayName):
		return apperrors.New(apperrors.CodeInvalidArgument, "display name is not valid UTF-8")
	case link == "" && id == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "meeting url or id is required")
	case link != "" && id != "":
		return apperrors.New(apperrors.CodeInvalidArgument, "give either a meeting url or an id, not both")
	}
	return nil
}

// Link returns the URL the client is launched with.
func (r MeetingRequest) Link() string {
	if r.URL != "" {
		return strings.TrimSpace(r.URL)
	}
	q := url.Values{}
	q.Set("confno", strings.ReplaceAll(strings.TrimSpace(r.MeetingID), " ", ""))
	if r.Passcode != "" {
		q.Set("pwd", r.Passcode)
	}
	return "zoommtg://zoom.us/join?" + q.Encode()
}

const (
	artifactTimeLayout = "20060102-150405"
	maxSlugLen         = 40
	defaultSlug        = "meeting"
)

// NewArtifactID names a recording after the meeting description and start
// time, with a random suffix so concurrent runs never collide.
func NewArtifactID(description string, at time.Time) string {
	s := slug(description)
	if s == "" {
		s = defaultSlug
	}
	return s + "_" + at.Format(artifactTimeLayout) + "_" + uuid.NewString()[:8]
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
	}
	return strings.Trim(out, "-")
}
