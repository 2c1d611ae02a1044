package api

import (
	"strings"
	"time"
)

// Session is an interview-preparation session owned by the current user
type Session struct {
	ID              string    `json:"_id"`
	Role            string    `json:"role"`
	ExperienceYears int       `json:"experience"`
	TopicsToFocus   string    `json:"topicsToFocus"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Question is a generated question/answer pair belonging to one session
type Question struct {
	ID        string `json:"_id"`
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	IsPinned  bool   `json:"isPinned"`
}

// UserProfile is the authenticated user's profile
type UserProfile struct {
	FullName  string `json:"fullName"`
	AvatarURL string `json:"profilPhoto,omitempty"`
	Email     string `json:"email,omitempty"`
}

// SessionInput is the body of a create-session call
type SessionInput struct {
	Role            string `json:"role"`
	ExperienceYears int    `json:"experience"`
	TopicsToFocus   string `json:"topicsToFocus"`
}

// GenerateInput is the body of a generate-questions call
type GenerateInput struct {
	Role            string `json:"role"`
	ExperienceYears int    `json:"experience"`
	TopicsToFocus   string `json:"topicsToFocus"`
	SessionID       string `json:"sessionId"`
}

// GenerateInputFor builds the generate-questions body from a session
func GenerateInputFor(s Session) GenerateInput {
	return GenerateInput{
		Role:            s.Role,
		ExperienceYears: s.ExperienceYears,
		TopicsToFocus:   s.TopicsToFocus,
		SessionID:       s.ID,
	}
}

// ProfileUpdate carries the optional fields of a profile update. Photo, when
// set, is streamed as the profilPhoto part of the multipart body.
type ProfileUpdate struct {
	FullName  string
	Photo     []byte
	PhotoName string
}

// Empty reports whether the update carries nothing to change
func (u ProfileUpdate) Empty() bool {
	return strings.TrimSpace(u.FullName) == "" && len(u.Photo) == 0
}

// Wire envelopes. The backend wraps every payload in a named field and may
// attach a human-readable message.
type sessionsBody struct {
	Session []Session `json:"session"`
}

type sessionBody struct {
	Session Session `json:"session"`
}

type questionsBody struct {
	Questions []Question `json:"questions"`
}

type questionBody struct {
	Question Question `json:"question"`
}

type userBody struct {
	User UserProfile `json:"user"`
}

type messageBody struct {
	Message string `json:"message"`
}
