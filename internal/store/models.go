package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type EngineerProfile struct {
	UserID    string
	Name      string
	Specialty string
	Bio       string
	UpdatedAt time.Time
}

type ClientProfile struct {
	UserID    string
	Name      string
	Company   string
	Bio       string
	UpdatedAt time.Time
}

type Project struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	ImageURLs   []string
	Sparks      int
	CreatedAt   time.Time
}

type ProjectComment struct {
	ID         string
	ProjectID  string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

// ClientProject is a job posting created by a client.
type ClientProject struct {
	ID            string
	ClientID      string
	Title         string
	Description   string
	RequiredSlots int
	CreatedAt     time.Time
}

// Application is an engineer's request to work a client's posting. One row
// per (posting, engineer); keyed that way so re-applying is a conflict, not
// a duplicate.
type Application struct {
	ClientProjectID string
	EngineerID      string
	Message         string
	Status          string
	ChatID          string
	RequestedAt     time.Time
}

type CollaborationRequest struct {
	ID           string
	FromClientID string
	ToEngineerID string
	ProjectID    string
	Status       string
	CreatedAt    time.Time
}

// Chat is the single canonical thread shape between a client and an engineer
// over one posting. The legacy variants (collabChats, projectChats, paired
// engineer IDs) all collapse into this.
type Chat struct {
	ID           string
	ProjectID    string
	ClientID     string
	EngineerID   string
	LastMessage  string
	Participants []string
	CreatedAt    time.Time
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	FileURL   string
	FileName  string
	CreatedAt time.Time
}

const (
	ApplicationPending  = "pending"
	ApplicationApproved = "approved"
	ApplicationRejected = "rejected"
)

const (
	InvitePending  = "pending"
	InviteAccepted = "accepted"
	InviteRejected = "rejected"
)
