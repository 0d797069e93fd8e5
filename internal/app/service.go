package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"sparkhub/api/internal/auth"
	"sparkhub/api/internal/authpw"
	"sparkhub/api/internal/blob"
	"sparkhub/api/internal/config"
	"sparkhub/api/internal/email"
	"sparkhub/api/internal/feed"
	"sparkhub/api/internal/rbac"
	"sparkhub/api/internal/search"
	"sparkhub/api/internal/store"
	"sparkhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type EngineerProfileInput struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
	Bio       string `json:"bio"`
}

type ClientProfileInput struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Bio     string `json:"bio"`
}

type CreateProjectInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ImageURLs   []string `json:"imageUrls"`
}

type CreateJobInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	RequiredSlots int    `json:"requiredSlots"`
}

type SendMessageInput struct {
	Content  string `json:"content"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	UpsertUserRole(context.Context, string, string) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	UpsertEngineerProfile(context.Context, store.EngineerProfile) error
	GetEngineerProfile(context.Context, string) (store.EngineerProfile, error)
	ListEngineerProfiles(context.Context) ([]store.EngineerProfile, error)
	UpsertClientProfile(context.Context, store.ClientProfile) error
	GetClientProfile(context.Context, string) (store.ClientProfile, error)
	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, int) ([]store.Project, error)
	IncrementSparks(context.Context, string) (int, error)
	InsertProjectComment(context.Context, store.ProjectComment) error
	ListProjectComments(context.Context, string) ([]store.ProjectComment, error)
	InsertClientProject(context.Context, store.ClientProject) error
	GetClientProject(context.Context, string) (store.ClientProject, error)
	ListClientProjects(context.Context, string) ([]store.ClientProject, error)
	InsertApplication(context.Context, store.Application) error
	GetApplication(context.Context, string, string) (store.Application, error)
	ListApplications(context.Context, string) ([]store.Application, error)
	ApproveApplication(context.Context, string, string, string) (bool, error)
	RejectApplication(context.Context, string, string) (bool, error)
	InsertCollaborationRequest(context.Context, store.CollaborationRequest) error
	GetCollaborationRequest(context.Context, string) (store.CollaborationRequest, error)
	ListCollaborationRequestsForEngineer(context.Context, string) ([]store.CollaborationRequest, error)
	UpdateCollaborationRequestStatus(context.Context, string, string) (bool, error)
	UpsertChat(context.Context, store.Chat) (string, error)
	GetChat(context.Context, string) (store.Chat, error)
	ListChatsForUser(context.Context, string) ([]store.Chat, error)
	AddChatParticipant(context.Context, string, string) error
	IsChatParticipant(context.Context, string, string) (bool, error)
	UpdateLastMessage(context.Context, string, string) error
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
	DeleteMessage(context.Context, string, string, string) (bool, error)
	GetMessage(context.Context, string, string) (store.Message, error)
	RecordConnectivityCheck(ctx context.Context) error
}

// refreshStore holds refresh sessions. Redis when configured, otherwise the
// primary store's refresh_sessions table.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	refresh refreshStore
	search  *search.Service
	feed    feed.Feed
	uploads *blob.Uploader
	authpw  *authpw.Service
	mailer  *email.Service
}

// New wires the service. sessions, searchSvc, uploads and mailer may be nil;
// liveFeed falls back to a no-op feed when nil.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, searchSvc *search.Service, liveFeed feed.Feed, uploads *blob.Uploader, authSvc *authpw.Service, mailer *email.Service) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	if liveFeed == nil {
		liveFeed = feed.NopFeed{}
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		refresh: sessions,
		search:  searchSvc,
		feed:    liveFeed,
		uploads: uploads,
		authpw:  authSvc,
		mailer:  mailer,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) sendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	verifyURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/verify-email?token=" + token
	if err := s.mailer.SendVerificationEmail(to, userName, verifyURL); err != nil {
		log.Printf("email: send verification to %s: %v", to, err)
	}
}

func (s *Service) sendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	resetURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/reset-password?token=" + token
	if err := s.mailer.SendPasswordResetEmail(to, "there", resetURL); err != nil {
		log.Printf("email: send password reset to %s: %v", to, err)
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CreateSession issues an access/refresh token pair for a signed-in user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis sessions only carry identity, the role lives in Postgres.
	if user.Role == "" || user.DisplayName == "" {
		if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
			user = full
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SaveUserRole records which side of the marketplace an account belongs to.
// Used by the internal sync endpoint, so the user row may not exist yet.
func (s *Service) SaveUserRole(ctx context.Context, userID, role string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if !rbac.Valid(role) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userType must be engineer or client", nil)
	}
	return s.store.UpsertUserRole(ctx, userID, role)
}

// ConnectivityCheck writes a probe row so deployments can verify the
// database path end to end.
func (s *Service) ConnectivityCheck(ctx context.Context) error {
	return s.store.RecordConnectivityCheck(ctx)
}

// Profiles

func (s *Service) SaveEngineerProfile(ctx context.Context, session Session, input EngineerProfileInput) (map[string]any, error) {
	if rbac.Normalize(session.Role) != rbac.RoleEngineer {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only engineers can edit an engineer profile", nil)
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	profile := store.EngineerProfile{
		UserID:    session.UserID,
		Name:      strings.TrimSpace(input.Name),
		Specialty: strings.TrimSpace(input.Specialty),
		Bio:       strings.TrimSpace(input.Bio),
	}
	if err := s.store.UpsertEngineerProfile(ctx, profile); err != nil {
		return nil, err
	}
	return engineerProfilePayload(profile), nil
}

func (s *Service) GetEngineerProfile(ctx context.Context, userID string) (map[string]any, error) {
	profile, err := s.store.GetEngineerProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return engineerProfilePayload(profile), nil
}

func (s *Service) ListEngineers(ctx context.Context) ([]map[string]any, error) {
	profiles, err := s.store.ListEngineerProfiles(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(profiles))
	for _, profile := range profiles {
		items = append(items, engineerProfilePayload(profile))
	}
	return items, nil
}

func (s *Service) SaveClientProfile(ctx context.Context, session Session, input ClientProfileInput) (map[string]any, error) {
	if rbac.Normalize(session.Role) != rbac.RoleClient {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients can edit a client profile", nil)
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	profile := store.ClientProfile{
		UserID:  session.UserID,
		Name:    strings.TrimSpace(input.Name),
		Company: strings.TrimSpace(input.Company),
		Bio:     strings.TrimSpace(input.Bio),
	}
	if err := s.store.UpsertClientProfile(ctx, profile); err != nil {
		return nil, err
	}
	return clientProfilePayload(profile), nil
}

func (s *Service) GetClientProfile(ctx context.Context, userID string) (map[string]any, error) {
	profile, err := s.store.GetClientProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return clientProfilePayload(profile), nil
}

// Portfolio projects

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionUploadProject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only engineers can upload projects", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	project := store.Project{
		ID:          util.NewID("prj"),
		OwnerID:     session.UserID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		ImageURLs:   input.ImageURLs,
	}
	if project.ImageURLs == nil {
		project.ImageURLs = []string{}
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{
			ID:          project.ID,
			Title:       project.Title,
			Description: project.Description,
			OwnerID:     project.OwnerID,
		})
	}
	return s.projectPayload(ctx, project, map[string]string{}), nil
}

const (
	defaultProjectLimit = 50
	maxProjectLimit     = 200
)

func (s *Service) ListProjects(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultProjectLimit
	}
	if limit > maxProjectLimit {
		limit = maxProjectLimit
	}
	projects, err := s.store.ListProjects(ctx, limit)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, s.projectPayload(ctx, project, names))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.projectPayload(ctx, project, map[string]string{}), nil
}

// SparkProject bumps a project's spark counter. The count is computed in the
// database so concurrent sparks never lose increments.
func (s *Service) SparkProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionSpark) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	sparks, err := s.store.IncrementSparks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		if project, err := s.store.GetProject(ctx, projectID); err == nil {
			s.search.IndexProject(search.ProjectRecord{
				ID:          project.ID,
				Title:       project.Title,
				Description: project.Description,
				OwnerID:     project.OwnerID,
				Sparks:      project.Sparks,
			})
		}
	}
	return map[string]any{"projectId": projectID, "sparks": sparks}, nil
}

func (s *Service) CommentProject(ctx context.Context, session Session, projectID, body string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionComment) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "comment body is required", nil)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	comment := store.ProjectComment{
		ID:         util.NewID("cmt"),
		ProjectID:  projectID,
		AuthorID:   session.UserID,
		AuthorName: s.resolveName(ctx, map[string]string{}, session.UserID, "Unknown"),
		Body:       body,
	}
	if err := s.store.InsertProjectComment(ctx, comment); err != nil {
		return nil, err
	}
	return commentPayload(comment), nil
}

func (s *Service) ListProjectComments(ctx context.Context, projectID string) ([]map[string]any, error) {
	comments, err := s.store.ListProjectComments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

// Job board

func (s *Service) CreateJobPosting(ctx context.Context, session Session, input CreateJobInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionPostJob) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients can post jobs", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	slots := input.RequiredSlots
	if slots <= 0 {
		slots = 1
	}
	posting := store.ClientProject{
		ID:            util.NewID("job"),
		ClientID:      session.UserID,
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		RequiredSlots: slots,
	}
	if err := s.store.InsertClientProject(ctx, posting); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexJob(search.JobRecord{
			ID:          posting.ID,
			Title:       posting.Title,
			Description: posting.Description,
			OwnerID:     posting.ClientID,
			Slots:       posting.RequiredSlots,
		})
	}
	return jobPayload(posting), nil
}

// ListJobPostings returns all postings, or one client's postings when
// clientID is set.
func (s *Service) ListJobPostings(ctx context.Context, clientID string) ([]map[string]any, error) {
	postings, err := s.store.ListClientProjects(ctx, clientID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(postings))
	for _, posting := range postings {
		items = append(items, jobPayload(posting))
	}
	return items, nil
}

func (s *Service) GetJobPosting(ctx context.Context, postingID string) (map[string]any, error) {
	posting, err := s.store.GetClientProject(ctx, postingID)
	if err != nil {
		return nil, err
	}
	return jobPayload(posting), nil
}

func (s *Service) Apply(ctx context.Context, session Session, postingID, message string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionApply) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only engineers can apply", nil)
	}
	posting, err := s.store.GetClientProject(ctx, postingID)
	if err != nil {
		return nil, err
	}
	if posting.ClientID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "You cannot apply to your own posting", nil)
	}
	application := store.Application{
		ClientProjectID: postingID,
		EngineerID:      session.UserID,
		Message:         strings.TrimSpace(message),
		Status:          store.ApplicationPending,
	}
	if err := s.store.InsertApplication(ctx, application); err != nil {
		if errors.Is(err, store.ErrDuplicateApplication) {
			return nil, domainError(http.StatusConflict, "ALREADY_APPLIED", "You already applied to this posting", nil)
		}
		return nil, err
	}
	return map[string]any{"clientProjectId": postingID, "status": store.ApplicationPending}, nil
}

func (s *Service) ListApplicants(ctx context.Context, session Session, postingID string) ([]map[string]any, error) {
	posting, err := s.store.GetClientProject(ctx, postingID)
	if err != nil {
		return nil, err
	}
	if posting.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner can review applicants", nil)
	}
	applications, err := s.store.ListApplications(ctx, postingID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	items := make([]map[string]any, 0, len(applications))
	for _, application := range applications {
		item := applicationPayload(application)
		item["engineerName"] = s.resolveName(ctx, names, application.EngineerID, "Engineer")
		items = append(items, item)
	}
	return items, nil
}

// ApproveApplicant approves an engineer and opens the chat between both
// parties. Approving twice is idempotent and returns the existing chat.
func (s *Service) ApproveApplicant(ctx context.Context, session Session, postingID, engineerID string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	posting, err := s.store.GetClientProject(ctx, postingID)
	if err != nil {
		return nil, err
	}
	if posting.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner can approve applicants", nil)
	}
	application, err := s.store.GetApplication(ctx, postingID, engineerID)
	if err != nil {
		return nil, err
	}
	// A rejected application stays rejected; no chat may be opened for it.
	if application.Status == store.ApplicationRejected {
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Application was already rejected", nil)
	}
	if application.Status == store.ApplicationApproved && application.ChatID != "" {
		return map[string]any{"clientProjectId": postingID, "engineerId": engineerID, "status": store.ApplicationApproved, "chatId": application.ChatID}, nil
	}

	chatID, err := s.store.UpsertChat(ctx, store.Chat{
		ID:         util.NewID("chat"),
		ProjectID:  postingID,
		ClientID:   posting.ClientID,
		EngineerID: engineerID,
	})
	if err != nil {
		return nil, err
	}

	approved, err := s.store.ApproveApplication(ctx, postingID, engineerID, chatID)
	if err != nil {
		return nil, err
	}
	if !approved {
		// Decided concurrently. Surface the stored outcome.
		application, err = s.store.GetApplication(ctx, postingID, engineerID)
		if err != nil {
			return nil, err
		}
		if application.Status != store.ApplicationApproved {
			return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Application was already rejected", nil)
		}
		if application.ChatID != "" {
			chatID = application.ChatID
		}
	}
	return map[string]any{"clientProjectId": postingID, "engineerId": engineerID, "status": store.ApplicationApproved, "chatId": chatID}, nil
}

func (s *Service) RejectApplicant(ctx context.Context, session Session, postingID, engineerID string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionApprove) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	posting, err := s.store.GetClientProject(ctx, postingID)
	if err != nil {
		return nil, err
	}
	if posting.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner can reject applicants", nil)
	}
	rejected, err := s.store.RejectApplication(ctx, postingID, engineerID)
	if err != nil {
		return nil, err
	}
	if !rejected {
		if _, err := s.store.GetApplication(ctx, postingID, engineerID); err != nil {
			return nil, err
		}
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Application was already decided", nil)
	}
	return map[string]any{"clientProjectId": postingID, "engineerId": engineerID, "status": store.ApplicationRejected}, nil
}

// Collaboration invites

func (s *Service) InviteEngineer(ctx context.Context, session Session, engineerID, projectID string) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionInvite) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients can send invites", nil)
	}
	if strings.TrimSpace(engineerID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "engineerId is required", nil)
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, engineerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Engineer not found", nil)
		}
		return nil, err
	}
	posting, err := s.store.GetClientProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Job posting not found", nil)
		}
		return nil, err
	}
	if posting.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the posting owner can invite engineers", nil)
	}
	invite := store.CollaborationRequest{
		ID:           util.NewID("inv"),
		FromClientID: session.UserID,
		ToEngineerID: engineerID,
		ProjectID:    projectID,
		Status:       store.InvitePending,
	}
	if err := s.store.InsertCollaborationRequest(ctx, invite); err != nil {
		return nil, err
	}
	return invitePayload(invite, s.resolveName(ctx, map[string]string{}, invite.FromClientID, "Client")), nil
}

func (s *Service) ListInvites(ctx context.Context, session Session) ([]map[string]any, error) {
	invites, err := s.store.ListCollaborationRequestsForEngineer(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	items := make([]map[string]any, 0, len(invites))
	for _, invite := range invites {
		items = append(items, invitePayload(invite, s.resolveName(ctx, names, invite.FromClientID, "Client")))
	}
	return items, nil
}

// RespondInvite accepts or rejects a pending invite. Accepting opens the
// chat between the client and the invited engineer.
func (s *Service) RespondInvite(ctx context.Context, session Session, inviteID string, accept bool) (map[string]any, error) {
	invite, err := s.store.GetCollaborationRequest(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if invite.ToEngineerID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the invited engineer can respond", nil)
	}

	status := store.InviteRejected
	if accept {
		status = store.InviteAccepted
	}
	updated, err := s.store.UpdateCollaborationRequestStatus(ctx, inviteID, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Invite was already decided", nil)
	}

	payload := map[string]any{"inviteId": inviteID, "status": status}
	if accept {
		chatID, err := s.store.UpsertChat(ctx, store.Chat{
			ID:         util.NewID("chat"),
			ProjectID:  invite.ProjectID,
			ClientID:   invite.FromClientID,
			EngineerID: session.UserID,
		})
		if err != nil {
			return nil, err
		}
		payload["chatId"] = chatID
	}
	return payload, nil
}

// Chats

func (s *Service) ListChats(ctx context.Context, session Session) ([]map[string]any, error) {
	chats, err := s.store.ListChatsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		items = append(items, s.chatPayload(ctx, chat, session.UserID, names))
	}
	return items, nil
}

func (s *Service) GetChat(ctx context.Context, session Session, chatID string) (map[string]any, error) {
	chat, err := s.requireChatAccess(ctx, session, chatID)
	if err != nil {
		return nil, err
	}
	return s.chatPayload(ctx, chat, session.UserID, map[string]string{}), nil
}

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

func (s *Service) ListChatMessages(ctx context.Context, session Session, chatID string, limit int) ([]map[string]any, error) {
	if _, err := s.requireChatAccess(ctx, session, chatID); err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, chatID, limit)
}

func (s *Service) loadMessages(ctx context.Context, chatID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	messages, err := s.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, s.messagePayload(ctx, message, names))
	}
	return items, nil
}

// SendMessage appends a message to a chat. A blank message with no
// attachment is rejected before anything is written. When only a file is
// attached the stored content is the "(File)" placeholder.
func (s *Service) SendMessage(ctx context.Context, session Session, chatID string, input SendMessageInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionChat) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.requireChatAccess(ctx, session, chatID); err != nil {
		return nil, err
	}

	content := strings.TrimSpace(input.Content)
	fileURL := strings.TrimSpace(input.FileURL)
	if content == "" && fileURL == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is empty", nil)
	}
	if content == "" {
		content = "(File)"
	}

	message, err := s.store.InsertMessage(ctx, store.Message{
		ID:       util.NewID("msg"),
		ChatID:   chatID,
		SenderID: session.UserID,
		Content:  content,
		FileURL:  fileURL,
		FileName: strings.TrimSpace(input.FileName),
	})
	if err != nil {
		return nil, err
	}

	// Denormalized chat metadata. Failures here never fail the send.
	_ = s.store.AddChatParticipant(ctx, chatID, session.UserID)
	_ = s.store.UpdateLastMessage(ctx, chatID, content)
	_ = s.feed.MessagesChanged(ctx, chatID)

	return s.messagePayload(ctx, message, map[string]string{}), nil
}

// DeleteMessage removes a message. Only the sender can delete their own
// messages.
func (s *Service) DeleteMessage(ctx context.Context, session Session, chatID, messageID string) error {
	if _, err := s.requireChatAccess(ctx, session, chatID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteMessage(ctx, chatID, messageID, session.UserID)
	if err != nil {
		return err
	}
	if !deleted {
		if _, err := s.store.GetMessage(ctx, chatID, messageID); err != nil {
			return err
		}
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the sender can delete a message", nil)
	}
	_ = s.feed.MessagesChanged(ctx, chatID)
	return nil
}

// SubscribeMessages opens a live subscription for a chat the caller
// participates in. The caller owns the returned subscription.
func (s *Service) SubscribeMessages(ctx context.Context, session Session, chatID string) (*feed.Subscription, error) {
	if _, err := s.requireChatAccess(ctx, session, chatID); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, chatID)
}

// LoadMessagesForStream re-reads the full window for stream redelivery.
func (s *Service) LoadMessagesForStream(ctx context.Context, chatID string, limit int) ([]map[string]any, error) {
	return s.loadMessages(ctx, chatID, limit)
}

func (s *Service) requireChatAccess(ctx context.Context, session Session, chatID string) (store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return store.Chat{}, err
	}
	member, err := s.store.IsChatParticipant(ctx, chatID, session.UserID)
	if err != nil {
		return store.Chat{}, err
	}
	if !member && chat.ClientID != session.UserID && chat.EngineerID != session.UserID {
		return store.Chat{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a chat participant", nil)
	}
	return chat, nil
}

// Uploads

func (s *Service) UploadProjectImage(ctx context.Context, filename string, reader io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.uploads == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "File uploads are not configured", nil)
	}
	url, err := s.uploads.UploadProjectImage(ctx, filename, reader, size, contentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url}, nil
}

func (s *Service) UploadChatAttachment(ctx context.Context, session Session, chatID, filename string, reader io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.uploads == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "File uploads are not configured", nil)
	}
	if _, err := s.requireChatAccess(ctx, session, chatID); err != nil {
		return nil, err
	}
	url, name, err := s.uploads.UploadChatFile(ctx, chatID, filename, reader, size, contentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "fileName": name}, nil
}

// Search

func (s *Service) Search(ctx context.Context, text, filterType, ownerID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if filterType != "" && filterType != string(search.ResultProject) && filterType != string(search.ResultJob) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be project or job", nil)
	}
	return s.search.Search(search.Query{
		Text:          text,
		FilterType:    search.ResultType(filterType),
		FilterOwnerID: ownerID,
		Limit:         limit,
		Offset:        offset,
	}), nil
}

// Payload builders

func engineerProfilePayload(profile store.EngineerProfile) map[string]any {
	return map[string]any{
		"userId":    profile.UserID,
		"name":      profile.Name,
		"specialty": profile.Specialty,
		"bio":       profile.Bio,
	}
}

func clientProfilePayload(profile store.ClientProfile) map[string]any {
	return map[string]any{
		"userId":  profile.UserID,
		"name":    profile.Name,
		"company": profile.Company,
		"bio":     profile.Bio,
	}
}

func (s *Service) projectPayload(ctx context.Context, project store.Project, names map[string]string) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"ownerId":     project.OwnerID,
		"ownerName":   s.resolveName(ctx, names, project.OwnerID, "Engineer"),
		"title":       project.Title,
		"description": project.Description,
		"imageUrls":   project.ImageURLs,
		"sparks":      project.Sparks,
		"createdAt":   project.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func commentPayload(comment store.ProjectComment) map[string]any {
	authorName := comment.AuthorName
	if authorName == "" {
		authorName = "Unknown"
	}
	return map[string]any{
		"id":         comment.ID,
		"projectId":  comment.ProjectID,
		"authorId":   comment.AuthorID,
		"authorName": authorName,
		"body":       comment.Body,
		"createdAt":  comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func jobPayload(posting store.ClientProject) map[string]any {
	return map[string]any{
		"id":            posting.ID,
		"clientId":      posting.ClientID,
		"title":         posting.Title,
		"description":   posting.Description,
		"requiredSlots": posting.RequiredSlots,
		"createdAt":     posting.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func applicationPayload(application store.Application) map[string]any {
	payload := map[string]any{
		"clientProjectId": application.ClientProjectID,
		"engineerId":      application.EngineerID,
		"message":         application.Message,
		"status":          application.Status,
		"requestedAt":     application.RequestedAt.UTC().Format(time.RFC3339),
	}
	if application.ChatID != "" {
		payload["chatId"] = application.ChatID
	}
	return payload
}

func invitePayload(invite store.CollaborationRequest, clientName string) map[string]any {
	return map[string]any{
		"id":           invite.ID,
		"fromClientId": invite.FromClientID,
		"clientName":   clientName,
		"toEngineerId": invite.ToEngineerID,
		"projectId":    invite.ProjectID,
		"status":       invite.Status,
		"createdAt":    invite.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) chatPayload(ctx context.Context, chat store.Chat, viewerID string, names map[string]string) map[string]any {
	counterpartID := chat.EngineerID
	counterpartFallback := "Engineer"
	if viewerID == chat.EngineerID {
		counterpartID = chat.ClientID
		counterpartFallback = "Client"
	}
	return map[string]any{
		"id":              chat.ID,
		"projectId":       chat.ProjectID,
		"clientId":        chat.ClientID,
		"engineerId":      chat.EngineerID,
		"participants":    chat.Participants,
		"counterpartId":   counterpartID,
		"counterpartName": s.resolveName(ctx, names, counterpartID, counterpartFallback),
		"lastMessage":     chat.LastMessage,
		"createdAt":       chat.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) messagePayload(ctx context.Context, message store.Message, names map[string]string) map[string]any {
	payload := map[string]any{
		"id":         message.ID,
		"chatId":     message.ChatID,
		"senderId":   message.SenderID,
		"senderName": s.resolveName(ctx, names, message.SenderID, "Unknown"),
		"content":    message.Content,
		"createdAt":  message.CreatedAt.UTC().Format(time.RFC3339),
	}
	if message.FileURL != "" {
		payload["fileUrl"] = message.FileURL
		payload["fileName"] = message.FileName
	}
	return payload
}

// resolveName maps a user ID to a display name, preferring the marketplace
// profile name over the account display name. The cache keeps repeated
// lookups within one request cheap.
func (s *Service) resolveName(ctx context.Context, cache map[string]string, userID, fallback string) string {
	if userID == "" {
		return fallback
	}
	if name, ok := cache[userID]; ok {
		if name == "" {
			return fallback
		}
		return name
	}

	name := ""
	if profile, err := s.store.GetEngineerProfile(ctx, userID); err == nil && strings.TrimSpace(profile.Name) != "" {
		name = strings.TrimSpace(profile.Name)
	} else if profile, err := s.store.GetClientProfile(ctx, userID); err == nil && strings.TrimSpace(profile.Name) != "" {
		name = strings.TrimSpace(profile.Name)
	} else if user, err := s.store.GetUserByID(ctx, userID); err == nil && strings.TrimSpace(user.DisplayName) != "" {
		name = strings.TrimSpace(user.DisplayName)
	}
	cache[userID] = name
	if name == "" {
		return fallback
	}
	return name
}
