package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"sparkhub/api/internal/config"
	"sparkhub/api/internal/feed"
	"sparkhub/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn             func(context.Context, string) (store.User, error)
	getUserByEmailFn          func(context.Context, string) (store.User, error)
	createUserFn              func(context.Context, store.User) error
	upsertUserRoleFn          func(context.Context, string, string) error
	getEngineerProfileFn      func(context.Context, string) (store.EngineerProfile, error)
	getClientProfileFn        func(context.Context, string) (store.ClientProfile, error)
	upsertEngineerProfileFn   func(context.Context, store.EngineerProfile) error
	insertProjectFn           func(context.Context, store.Project) error
	listProjectsFn            func(context.Context, int) ([]store.Project, error)
	getProjectFn              func(context.Context, string) (store.Project, error)
	incrementSparksFn         func(context.Context, string) (int, error)
	insertProjectCommentFn    func(context.Context, store.ProjectComment) error
	insertClientProjectFn     func(context.Context, store.ClientProject) error
	getClientProjectFn        func(context.Context, string) (store.ClientProject, error)
	insertApplicationFn       func(context.Context, store.Application) error
	getApplicationFn          func(context.Context, string, string) (store.Application, error)
	approveApplicationFn      func(context.Context, string, string, string) (bool, error)
	rejectApplicationFn       func(context.Context, string, string) (bool, error)
	insertCollabRequestFn     func(context.Context, store.CollaborationRequest) error
	getCollaborationRequestFn func(context.Context, string) (store.CollaborationRequest, error)
	updateCollabStatusFn      func(context.Context, string, string) (bool, error)
	upsertChatFn              func(context.Context, store.Chat) (string, error)
	getChatFn                 func(context.Context, string) (store.Chat, error)
	isChatParticipantFn       func(context.Context, string, string) (bool, error)
	addChatParticipantFn      func(context.Context, string, string) error
	updateLastMessageFn       func(context.Context, string, string) error
	insertMessageFn           func(context.Context, store.Message) (store.Message, error)
	listMessagesFn            func(context.Context, string, int) ([]store.Message, error)
	deleteMessageFn           func(context.Context, string, string, string) (bool, error)
	getMessageFn              func(context.Context, string, string) (store.Message, error)
	recordConnectivityFn      func(context.Context) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}
func (f *fakeStore) UpsertUserRole(ctx context.Context, userID, role string) error {
	if f.upsertUserRoleFn != nil {
		return f.upsertUserRoleFn(ctx, userID, role)
	}
	return nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error           { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error   { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error)   { return false, nil }
func (f *fakeStore) UpsertEngineerProfile(ctx context.Context, profile store.EngineerProfile) error {
	if f.upsertEngineerProfileFn != nil {
		return f.upsertEngineerProfileFn(ctx, profile)
	}
	return nil
}
func (f *fakeStore) GetEngineerProfile(ctx context.Context, userID string) (store.EngineerProfile, error) {
	if f.getEngineerProfileFn != nil {
		return f.getEngineerProfileFn(ctx, userID)
	}
	return store.EngineerProfile{}, sql.ErrNoRows
}
func (f *fakeStore) ListEngineerProfiles(context.Context) ([]store.EngineerProfile, error) {
	return nil, nil
}
func (f *fakeStore) UpsertClientProfile(context.Context, store.ClientProfile) error { return nil }
func (f *fakeStore) GetClientProfile(ctx context.Context, userID string) (store.ClientProfile, error) {
	if f.getClientProfileFn != nil {
		return f.getClientProfileFn(ctx, userID)
	}
	return store.ClientProfile{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjects(ctx context.Context, limit int) ([]store.Project, error) {
	if f.listProjectsFn != nil {
		return f.listProjectsFn(ctx, limit)
	}
	return nil, nil
}
func (f *fakeStore) IncrementSparks(ctx context.Context, projectID string) (int, error) {
	if f.incrementSparksFn != nil {
		return f.incrementSparksFn(ctx, projectID)
	}
	return 0, sql.ErrNoRows
}
func (f *fakeStore) InsertProjectComment(ctx context.Context, comment store.ProjectComment) error {
	if f.insertProjectCommentFn != nil {
		return f.insertProjectCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) ListProjectComments(context.Context, string) ([]store.ProjectComment, error) {
	return nil, nil
}
func (f *fakeStore) InsertClientProject(ctx context.Context, posting store.ClientProject) error {
	if f.insertClientProjectFn != nil {
		return f.insertClientProjectFn(ctx, posting)
	}
	return nil
}
func (f *fakeStore) GetClientProject(ctx context.Context, postingID string) (store.ClientProject, error) {
	if f.getClientProjectFn != nil {
		return f.getClientProjectFn(ctx, postingID)
	}
	return store.ClientProject{}, sql.ErrNoRows
}
func (f *fakeStore) ListClientProjects(context.Context, string) ([]store.ClientProject, error) {
	return nil, nil
}
func (f *fakeStore) InsertApplication(ctx context.Context, application store.Application) error {
	if f.insertApplicationFn != nil {
		return f.insertApplicationFn(ctx, application)
	}
	return nil
}
func (f *fakeStore) GetApplication(ctx context.Context, postingID, engineerID string) (store.Application, error) {
	if f.getApplicationFn != nil {
		return f.getApplicationFn(ctx, postingID, engineerID)
	}
	return store.Application{}, sql.ErrNoRows
}
func (f *fakeStore) ListApplications(context.Context, string) ([]store.Application, error) {
	return nil, nil
}
func (f *fakeStore) ApproveApplication(ctx context.Context, postingID, engineerID, chatID string) (bool, error) {
	if f.approveApplicationFn != nil {
		return f.approveApplicationFn(ctx, postingID, engineerID, chatID)
	}
	return true, nil
}
func (f *fakeStore) RejectApplication(ctx context.Context, postingID, engineerID string) (bool, error) {
	if f.rejectApplicationFn != nil {
		return f.rejectApplicationFn(ctx, postingID, engineerID)
	}
	return true, nil
}
func (f *fakeStore) InsertCollaborationRequest(ctx context.Context, invite store.CollaborationRequest) error {
	if f.insertCollabRequestFn != nil {
		return f.insertCollabRequestFn(ctx, invite)
	}
	return nil
}
func (f *fakeStore) GetCollaborationRequest(ctx context.Context, inviteID string) (store.CollaborationRequest, error) {
	if f.getCollaborationRequestFn != nil {
		return f.getCollaborationRequestFn(ctx, inviteID)
	}
	return store.CollaborationRequest{}, sql.ErrNoRows
}
func (f *fakeStore) ListCollaborationRequestsForEngineer(context.Context, string) ([]store.CollaborationRequest, error) {
	return nil, nil
}
func (f *fakeStore) UpdateCollaborationRequestStatus(ctx context.Context, inviteID, status string) (bool, error) {
	if f.updateCollabStatusFn != nil {
		return f.updateCollabStatusFn(ctx, inviteID, status)
	}
	return true, nil
}
func (f *fakeStore) UpsertChat(ctx context.Context, chat store.Chat) (string, error) {
	if f.upsertChatFn != nil {
		return f.upsertChatFn(ctx, chat)
	}
	return chat.ID, nil
}
func (f *fakeStore) GetChat(ctx context.Context, chatID string) (store.Chat, error) {
	if f.getChatFn != nil {
		return f.getChatFn(ctx, chatID)
	}
	return store.Chat{}, sql.ErrNoRows
}
func (f *fakeStore) ListChatsForUser(context.Context, string) ([]store.Chat, error) { return nil, nil }
func (f *fakeStore) AddChatParticipant(ctx context.Context, chatID, userID string) error {
	if f.addChatParticipantFn != nil {
		return f.addChatParticipantFn(ctx, chatID, userID)
	}
	return nil
}
func (f *fakeStore) IsChatParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	if f.isChatParticipantFn != nil {
		return f.isChatParticipantFn(ctx, chatID, userID)
	}
	return false, nil
}
func (f *fakeStore) UpdateLastMessage(ctx context.Context, chatID, preview string) error {
	if f.updateLastMessageFn != nil {
		return f.updateLastMessageFn(ctx, chatID, preview)
	}
	return nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, message store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	message.CreatedAt = time.Now()
	return message, nil
}
func (f *fakeStore) ListMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, chatID, limit)
	}
	return nil, nil
}
func (f *fakeStore) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) (bool, error) {
	if f.deleteMessageFn != nil {
		return f.deleteMessageFn(ctx, chatID, messageID, senderID)
	}
	return false, nil
}
func (f *fakeStore) GetMessage(ctx context.Context, chatID, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, chatID, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) RecordConnectivityCheck(ctx context.Context) error {
	if f.recordConnectivityFn != nil {
		return f.recordConnectivityFn(ctx)
	}
	return nil
}

// authpw.UserStore methods so the same fake backs the password flow in
// handler tests.
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) UpdateUserVerificationToken(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) VerifyUserEmail(context.Context, string) error         { return nil }
func (f *fakeStore) UpdateUserPassword(context.Context, string, string) error { return nil }
func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

type recordingFeed struct {
	signals []string
}

func (f *recordingFeed) MessagesChanged(_ context.Context, chatID string) error {
	f.signals = append(f.signals, chatID)
	return nil
}

func (f *recordingFeed) Subscribe(ctx context.Context, chatID string) (*feed.Subscription, error) {
	return feed.NopFeed{}.Subscribe(ctx, chatID)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		SyncToken:  "sync-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:     testConfig(),
		store:   fs,
		refresh: fs,
		feed:    feed.NopFeed{},
	}
}

func engineerSession(userID string) Session {
	return Session{UserID: userID, UserName: "Rin", Role: "engineer"}
}

func clientSession(userID string) Session {
	return Session{UserID: userID, UserName: "Mori", Role: "client"}
}

func participantChat(chatID, clientID, engineerID string) *fakeStore {
	return &fakeStore{
		getChatFn: func(_ context.Context, id string) (store.Chat, error) {
			if id != chatID {
				return store.Chat{}, sql.ErrNoRows
			}
			return store.Chat{ID: chatID, ClientID: clientID, EngineerID: engineerID}, nil
		},
		isChatParticipantFn: func(_ context.Context, _, userID string) (bool, error) {
			return userID == clientID || userID == engineerID, nil
		},
	}
}

func TestSendMessageRejectsEmptyWithoutWriting(t *testing.T) {
	fs := participantChat("chat-1", "cli-1", "eng-1")
	inserts := 0
	fs.insertMessageFn = func(_ context.Context, message store.Message) (store.Message, error) {
		inserts++
		return message, nil
	}
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), engineerSession("eng-1"), "chat-1", SendMessageInput{Content: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code: %s", domainErr.Code)
	}
	if inserts != 0 {
		t.Fatalf("expected no message insert, got %d", inserts)
	}
}

func TestSendMessageFileOnlyStoresPlaceholder(t *testing.T) {
	fs := participantChat("chat-1", "cli-1", "eng-1")
	var inserted store.Message
	fs.insertMessageFn = func(_ context.Context, message store.Message) (store.Message, error) {
		inserted = message
		message.CreatedAt = time.Now()
		return message, nil
	}
	var lastPreview string
	fs.updateLastMessageFn = func(_ context.Context, _, preview string) error {
		lastPreview = preview
		return nil
	}
	liveFeed := &recordingFeed{}
	svc := newTestService(fs)
	svc.feed = liveFeed

	payload, err := svc.SendMessage(context.Background(), engineerSession("eng-1"), "chat-1", SendMessageInput{
		FileURL:  "http://cdn.local/chat-files/chat-1/17-doc.pdf",
		FileName: "doc.pdf",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if inserted.Content != "(File)" {
		t.Fatalf("expected placeholder content, got %q", inserted.Content)
	}
	if lastPreview != "(File)" {
		t.Fatalf("expected last message preview update, got %q", lastPreview)
	}
	if len(liveFeed.signals) != 1 || liveFeed.signals[0] != "chat-1" {
		t.Fatalf("expected one feed signal for chat-1, got %v", liveFeed.signals)
	}
	if payload["fileUrl"] != "http://cdn.local/chat-files/chat-1/17-doc.pdf" {
		t.Fatalf("expected file url in payload, got %v", payload["fileUrl"])
	}
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	fs := participantChat("chat-1", "cli-1", "eng-1")
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), engineerSession("eng-2"), "chat-1", SendMessageInput{Content: "hi"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Fatalf("expected 403, got %d", domainErr.Status)
	}
}

func TestDeleteMessageOnlySender(t *testing.T) {
	fs := participantChat("chat-1", "cli-1", "eng-1")
	fs.deleteMessageFn = func(_ context.Context, _, _, senderID string) (bool, error) {
		return senderID == "eng-1", nil
	}
	fs.getMessageFn = func(_ context.Context, _, messageID string) (store.Message, error) {
		return store.Message{ID: messageID, SenderID: "eng-1"}, nil
	}
	svc := newTestService(fs)

	err := svc.DeleteMessage(context.Background(), clientSession("cli-1"), "chat-1", "msg-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("unexpected error code: %s", domainErr.Code)
	}

	if err := svc.DeleteMessage(context.Background(), engineerSession("eng-1"), "chat-1", "msg-1"); err != nil {
		t.Fatalf("sender delete error = %v", err)
	}
}

func TestDeleteMessageMissingIsNotFound(t *testing.T) {
	fs := participantChat("chat-1", "cli-1", "eng-1")
	svc := newTestService(fs)

	err := svc.DeleteMessage(context.Background(), engineerSession("eng-1"), "chat-1", "msg-missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestApproveApplicantOpensOneChat(t *testing.T) {
	application := store.Application{ClientProjectID: "job-1", EngineerID: "eng-1", Status: store.ApplicationPending}
	upserts := 0
	fs := &fakeStore{
		getClientProjectFn: func(_ context.Context, _ string) (store.ClientProject, error) {
			return store.ClientProject{ID: "job-1", ClientID: "cli-1"}, nil
		},
		getApplicationFn: func(_ context.Context, _, _ string) (store.Application, error) {
			return application, nil
		},
		upsertChatFn: func(_ context.Context, chat store.Chat) (string, error) {
			upserts++
			// Unique (project, client, engineer) row, same ID either way.
			return "chat-77", nil
		},
		approveApplicationFn: func(_ context.Context, _, _, chatID string) (bool, error) {
			if application.Status != store.ApplicationPending {
				return false, nil
			}
			application.Status = store.ApplicationApproved
			application.ChatID = chatID
			return true, nil
		},
	}
	svc := newTestService(fs)
	session := clientSession("cli-1")

	first, err := svc.ApproveApplicant(context.Background(), session, "job-1", "eng-1")
	if err != nil {
		t.Fatalf("first approve error = %v", err)
	}
	second, err := svc.ApproveApplicant(context.Background(), session, "job-1", "eng-1")
	if err != nil {
		t.Fatalf("second approve error = %v", err)
	}
	if first["chatId"] != "chat-77" || second["chatId"] != "chat-77" {
		t.Fatalf("expected stable chat id, got %v then %v", first["chatId"], second["chatId"])
	}
	if upserts != 1 {
		t.Fatalf("expected a single chat upsert across both calls, got %d", upserts)
	}
}

func TestApproveRejectedApplicantOpensNoChat(t *testing.T) {
	upserts := 0
	fs := &fakeStore{
		getClientProjectFn: func(_ context.Context, _ string) (store.ClientProject, error) {
			return store.ClientProject{ID: "job-1", ClientID: "cli-1"}, nil
		},
		getApplicationFn: func(_ context.Context, _, _ string) (store.Application, error) {
			return store.Application{ClientProjectID: "job-1", EngineerID: "eng-1", Status: store.ApplicationRejected}, nil
		},
		upsertChatFn: func(_ context.Context, _ store.Chat) (string, error) {
			upserts++
			return "chat-stray", nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ApproveApplicant(context.Background(), clientSession("cli-1"), "job-1", "eng-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 409 || domainErr.Code != "ALREADY_DECIDED" {
		t.Fatalf("expected 409 ALREADY_DECIDED, got %d %s", domainErr.Status, domainErr.Code)
	}
	if upserts != 0 {
		t.Fatalf("rejected application must not open a chat, got %d upsert(s)", upserts)
	}
}

func TestApproveApplicantRequiresPostingOwner(t *testing.T) {
	fs := &fakeStore{
		getClientProjectFn: func(_ context.Context, _ string) (store.ClientProject, error) {
			return store.ClientProject{ID: "job-1", ClientID: "cli-1"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ApproveApplicant(context.Background(), clientSession("cli-2"), "job-1", "eng-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Fatalf("expected 403, got %d", domainErr.Status)
	}
}

func TestApplyDuplicateConflicts(t *testing.T) {
	fs := &fakeStore{
		getClientProjectFn: func(_ context.Context, _ string) (store.ClientProject, error) {
			return store.ClientProject{ID: "job-1", ClientID: "cli-1"}, nil
		},
		insertApplicationFn: func(_ context.Context, _ store.Application) error {
			return store.ErrDuplicateApplication
		},
	}
	svc := newTestService(fs)

	_, err := svc.Apply(context.Background(), engineerSession("eng-1"), "job-1", "happy to help")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "ALREADY_APPLIED" {
		t.Fatalf("unexpected error code: %s", domainErr.Code)
	}
}

func TestCreateJobPostingRequiresClientRole(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateJobPosting(context.Background(), engineerSession("eng-1"), CreateJobInput{Title: "Build a thing"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Fatalf("expected 403, got %d", domainErr.Status)
	}
}

func TestInviteEngineerValidatesTargets(t *testing.T) {
	inserts := 0
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			if userID == "eng-1" {
				return store.User{ID: "eng-1", Role: "engineer"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		getClientProjectFn: func(_ context.Context, postingID string) (store.ClientProject, error) {
			if postingID == "job-1" {
				return store.ClientProject{ID: "job-1", ClientID: "cli-1"}, nil
			}
			return store.ClientProject{}, sql.ErrNoRows
		},
		insertCollabRequestFn: func(_ context.Context, _ store.CollaborationRequest) error {
			inserts++
			return nil
		},
	}
	svc := newTestService(fs)
	session := clientSession("cli-1")

	cases := []struct {
		name       string
		engineerID string
		projectID  string
		status     int
	}{
		{"unknown engineer", "eng-missing", "job-1", 404},
		{"blank posting", "eng-1", "  ", 422},
		{"unknown posting", "eng-1", "job-missing", 404},
	}
	for _, tc := range cases {
		_, err := svc.InviteEngineer(context.Background(), session, tc.engineerID, tc.projectID)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			t.Fatalf("%s: expected DomainError, got %v", tc.name, err)
		}
		if domainErr.Status != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, domainErr.Status, tc.status)
		}
	}
	if inserts != 0 {
		t.Fatalf("invalid invites must not be written, got %d insert(s)", inserts)
	}

	if _, err := svc.InviteEngineer(context.Background(), session, "eng-1", "job-1"); err != nil {
		t.Fatalf("valid invite error = %v", err)
	}
	if inserts != 1 {
		t.Fatalf("expected one insert for the valid invite, got %d", inserts)
	}
}

func TestRespondInviteWrongEngineerForbidden(t *testing.T) {
	fs := &fakeStore{
		getCollaborationRequestFn: func(_ context.Context, _ string) (store.CollaborationRequest, error) {
			return store.CollaborationRequest{ID: "inv-1", FromClientID: "cli-1", ToEngineerID: "eng-1", Status: store.InvitePending}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.RespondInvite(context.Background(), engineerSession("eng-2"), "inv-1", true)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Fatalf("expected 403, got %d", domainErr.Status)
	}
}

func TestRespondInviteAcceptOpensChat(t *testing.T) {
	fs := &fakeStore{
		getCollaborationRequestFn: func(_ context.Context, _ string) (store.CollaborationRequest, error) {
			return store.CollaborationRequest{ID: "inv-1", FromClientID: "cli-1", ToEngineerID: "eng-1", ProjectID: "prj-1", Status: store.InvitePending}, nil
		},
		upsertChatFn: func(_ context.Context, chat store.Chat) (string, error) {
			if chat.ClientID != "cli-1" || chat.EngineerID != "eng-1" || chat.ProjectID != "prj-1" {
				t.Fatalf("unexpected chat shape: %+v", chat)
			}
			return "chat-9", nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.RespondInvite(context.Background(), engineerSession("eng-1"), "inv-1", true)
	if err != nil {
		t.Fatalf("RespondInvite() error = %v", err)
	}
	if payload["status"] != store.InviteAccepted {
		t.Fatalf("expected accepted status, got %v", payload["status"])
	}
	if payload["chatId"] != "chat-9" {
		t.Fatalf("expected chat id, got %v", payload["chatId"])
	}
}

func TestRespondInviteAlreadyDecidedConflicts(t *testing.T) {
	fs := &fakeStore{
		getCollaborationRequestFn: func(_ context.Context, _ string) (store.CollaborationRequest, error) {
			return store.CollaborationRequest{ID: "inv-1", FromClientID: "cli-1", ToEngineerID: "eng-1", Status: store.InviteAccepted}, nil
		},
		updateCollabStatusFn: func(_ context.Context, _, _ string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.RespondInvite(context.Background(), engineerSession("eng-1"), "inv-1", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "ALREADY_DECIDED" {
		t.Fatalf("unexpected error code: %s", domainErr.Code)
	}
}

func TestSaveUserRoleValidation(t *testing.T) {
	var savedRole string
	fs := &fakeStore{
		upsertUserRoleFn: func(_ context.Context, _, role string) error {
			savedRole = role
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.SaveUserRole(context.Background(), "usr-1", "client"); err != nil {
		t.Fatalf("SaveUserRole() error = %v", err)
	}
	if savedRole != "client" {
		t.Fatalf("expected client role saved, got %q", savedRole)
	}

	err := svc.SaveUserRole(context.Background(), "usr-1", "admin")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code: %s", domainErr.Code)
	}
}

func TestResolveNamePrefersProfileOverFallback(t *testing.T) {
	fs := &fakeStore{
		getEngineerProfileFn: func(_ context.Context, userID string) (store.EngineerProfile, error) {
			if userID == "eng-1" {
				return store.EngineerProfile{UserID: userID, Name: "Rin Ito"}, nil
			}
			return store.EngineerProfile{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)
	cache := map[string]string{}

	if got := svc.resolveName(context.Background(), cache, "eng-1", "Engineer"); got != "Rin Ito" {
		t.Fatalf("expected profile name, got %q", got)
	}
	if got := svc.resolveName(context.Background(), cache, "ghost", "Unknown"); got != "Unknown" {
		t.Fatalf("expected fallback, got %q", got)
	}
	// Second lookup is served from the cache.
	if got := svc.resolveName(context.Background(), cache, "eng-1", "Engineer"); got != "Rin Ito" {
		t.Fatalf("expected cached name, got %q", got)
	}
}

func TestCreateProjectPreservesImageOrder(t *testing.T) {
	urls := []string{"https://img/3.png", "https://img/1.png", "https://img/2.png"}
	var inserted store.Project
	fs := &fakeStore{
		insertProjectFn: func(_ context.Context, project store.Project) error {
			inserted = project
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateProject(context.Background(), engineerSession("eng-1"), CreateProjectInput{
		Title:     "Portfolio",
		ImageURLs: urls,
	})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if len(inserted.ImageURLs) != 3 {
		t.Fatalf("expected 3 image urls, got %d", len(inserted.ImageURLs))
	}
	for i, url := range urls {
		if inserted.ImageURLs[i] != url {
			t.Fatalf("image url %d = %q, want %q", i, inserted.ImageURLs[i], url)
		}
	}
	if payload["imageUrls"] == nil {
		t.Fatal("payload missing imageUrls")
	}
}

func TestCreateProjectWithoutImagesStoresEmptySlice(t *testing.T) {
	var inserted store.Project
	fs := &fakeStore{
		insertProjectFn: func(_ context.Context, project store.Project) error {
			inserted = project
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateProject(context.Background(), engineerSession("eng-1"), CreateProjectInput{Title: "Bare"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if inserted.ImageURLs == nil {
		t.Fatal("nil image urls should be stored as an empty slice")
	}
	if len(inserted.ImageURLs) != 0 {
		t.Fatalf("expected no image urls, got %d", len(inserted.ImageURLs))
	}
}

func TestListProjectsClampsLimit(t *testing.T) {
	var limits []int
	fs := &fakeStore{
		listProjectsFn: func(_ context.Context, limit int) ([]store.Project, error) {
			limits = append(limits, limit)
			return nil, nil
		},
	}
	svc := newTestService(fs)

	for _, limit := range []int{0, -5, 1000} {
		if _, err := svc.ListProjects(context.Background(), limit); err != nil {
			t.Fatalf("ListProjects(%d) error = %v", limit, err)
		}
	}
	want := []int{defaultProjectLimit, defaultProjectLimit, maxProjectLimit}
	for i, limit := range want {
		if limits[i] != limit {
			t.Fatalf("query limit %d = %d, want %d", i, limits[i], limit)
		}
	}
}

func TestSparkProjectReturnsServerCount(t *testing.T) {
	fs := &fakeStore{
		incrementSparksFn: func(_ context.Context, _ string) (int, error) {
			return 12, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.SparkProject(context.Background(), engineerSession("eng-1"), "prj-1")
	if err != nil {
		t.Fatalf("SparkProject() error = %v", err)
	}
	if payload["sparks"] != 12 {
		t.Fatalf("expected 12 sparks, got %v", payload["sparks"])
	}
}
