package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// UpsertUserRole backs the internal user-type sync endpoint: the row is
// created if the signup write never landed.
func (s *PostgresStore) UpsertUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, '', CONCAT($1::text, '@pending.sparkhub.dev'), '', $2)
		ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
	`, userID, role)
	if err != nil {
		return fmt.Errorf("upsert user role: %w", err)
	}
	return nil
}

// Password resets

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// Profiles

func (s *PostgresStore) UpsertEngineerProfile(ctx context.Context, profile EngineerProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engineer_profiles (user_id, name, specialty, bio)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET name=EXCLUDED.name, specialty=EXCLUDED.specialty, bio=EXCLUDED.bio, updated_at=NOW()
	`, profile.UserID, profile.Name, profile.Specialty, profile.Bio)
	if err != nil {
		return fmt.Errorf("upsert engineer profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEngineerProfile(ctx context.Context, userID string) (EngineerProfile, error) {
	var profile EngineerProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, specialty, COALESCE(bio, ''), updated_at
		FROM engineer_profiles
		WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.Name, &profile.Specialty, &profile.Bio, &profile.UpdatedAt)
	if err != nil {
		return EngineerProfile{}, err
	}
	return profile, nil
}

func (s *PostgresStore) ListEngineerProfiles(ctx context.Context) ([]EngineerProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, name, specialty, COALESCE(bio, ''), updated_at
		FROM engineer_profiles
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list engineer profiles: %w", err)
	}
	defer rows.Close()

	var items []EngineerProfile
	for rows.Next() {
		var profile EngineerProfile
		if err := rows.Scan(&profile.UserID, &profile.Name, &profile.Specialty, &profile.Bio, &profile.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan engineer profile: %w", err)
		}
		items = append(items, profile)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertClientProfile(ctx context.Context, profile ClientProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_profiles (user_id, name, company, bio)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET name=EXCLUDED.name, company=EXCLUDED.company, bio=EXCLUDED.bio, updated_at=NOW()
	`, profile.UserID, profile.Name, profile.Company, profile.Bio)
	if err != nil {
		return fmt.Errorf("upsert client profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClientProfile(ctx context.Context, userID string) (ClientProfile, error) {
	var profile ClientProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, company, COALESCE(bio, ''), updated_at
		FROM client_profiles
		WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.Name, &profile.Company, &profile.Bio, &profile.UpdatedAt)
	if err != nil {
		return ClientProfile{}, err
	}
	return profile, nil
}

// Projects

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	encodedImages, err := json.Marshal(project.ImageURLs)
	if err != nil {
		return fmt.Errorf("encode image urls: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, title, description, image_urls, sparks)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, project.ID, project.OwnerID, project.Title, project.Description, string(encodedImages), project.Sparks)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var imagesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, image_urls, sparks, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&project.ID, &project.OwnerID, &project.Title, &project.Description, &imagesRaw, &project.Sparks, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	_ = json.Unmarshal(imagesRaw, &project.ImageURLs)
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, description, image_urls, sparks, created_at
		FROM projects
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var items []Project
	for rows.Next() {
		var project Project
		var imagesRaw []byte
		if err := rows.Scan(&project.ID, &project.OwnerID, &project.Title, &project.Description, &imagesRaw, &project.Sparks, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		_ = json.Unmarshal(imagesRaw, &project.ImageURLs)
		items = append(items, project)
	}
	return items, rows.Err()
}

// IncrementSparks bumps the spark count server-side and returns the new
// value. The counter never moves backwards; there is no decrement path.
func (s *PostgresStore) IncrementSparks(ctx context.Context, projectID string) (int, error) {
	var sparks int
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects SET sparks = sparks + 1 WHERE id=$1 RETURNING sparks
	`, projectID).Scan(&sparks)
	if err != nil {
		return 0, err
	}
	return sparks, nil
}

func (s *PostgresStore) InsertProjectComment(ctx context.Context, comment ProjectComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_comments (id, project_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.ProjectID, comment.AuthorID, comment.AuthorName, comment.Body)
	if err != nil {
		return fmt.Errorf("insert project comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectComments(ctx context.Context, projectID string) ([]ProjectComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, author_id, author_name, body, created_at
		FROM project_comments
		WHERE project_id=$1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project comments: %w", err)
	}
	defer rows.Close()

	var items []ProjectComment
	for rows.Next() {
		var comment ProjectComment
		if err := rows.Scan(&comment.ID, &comment.ProjectID, &comment.AuthorID, &comment.AuthorName, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project comment: %w", err)
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}

// Job postings

func (s *PostgresStore) InsertClientProject(ctx context.Context, posting ClientProject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_projects (id, client_id, title, description, required_slots)
		VALUES ($1, $2, $3, $4, $5)
	`, posting.ID, posting.ClientID, posting.Title, posting.Description, posting.RequiredSlots)
	if err != nil {
		return fmt.Errorf("insert client project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClientProject(ctx context.Context, postingID string) (ClientProject, error) {
	var posting ClientProject
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, title, description, required_slots, created_at
		FROM client_projects
		WHERE id=$1
	`, postingID).Scan(&posting.ID, &posting.ClientID, &posting.Title, &posting.Description, &posting.RequiredSlots, &posting.CreatedAt)
	if err != nil {
		return ClientProject{}, err
	}
	return posting, nil
}

func (s *PostgresStore) ListClientProjects(ctx context.Context, clientID string) ([]ClientProject, error) {
	query := `
		SELECT id, client_id, title, description, required_slots, created_at
		FROM client_projects
		ORDER BY created_at DESC
	`
	args := []any{}
	if clientID != "" {
		query = `
			SELECT id, client_id, title, description, required_slots, created_at
			FROM client_projects
			WHERE client_id=$1
			ORDER BY created_at DESC
		`
		args = append(args, clientID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list client projects: %w", err)
	}
	defer rows.Close()

	var items []ClientProject
	for rows.Next() {
		var posting ClientProject
		if err := rows.Scan(&posting.ID, &posting.ClientID, &posting.Title, &posting.Description, &posting.RequiredSlots, &posting.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client project: %w", err)
		}
		items = append(items, posting)
	}
	return items, rows.Err()
}

// Applications

func (s *PostgresStore) InsertApplication(ctx context.Context, application Application) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO project_applications (client_project_id, engineer_id, message, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_project_id, engineer_id) DO NOTHING
	`, application.ClientProjectID, application.EngineerID, application.Message, application.Status)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert application rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateApplication
	}
	return nil
}

var ErrDuplicateApplication = errors.New("application already exists")

func (s *PostgresStore) GetApplication(ctx context.Context, postingID, engineerID string) (Application, error) {
	var application Application
	err := s.db.QueryRowContext(ctx, `
		SELECT client_project_id, engineer_id, COALESCE(message, ''), status, COALESCE(chat_id, ''), requested_at
		FROM project_applications
		WHERE client_project_id=$1 AND engineer_id=$2
	`, postingID, engineerID).Scan(
		&application.ClientProjectID,
		&application.EngineerID,
		&application.Message,
		&application.Status,
		&application.ChatID,
		&application.RequestedAt,
	)
	if err != nil {
		return Application{}, err
	}
	return application, nil
}

func (s *PostgresStore) ListApplications(ctx context.Context, postingID string) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_project_id, engineer_id, COALESCE(message, ''), status, COALESCE(chat_id, ''), requested_at
		FROM project_applications
		WHERE client_project_id=$1
		ORDER BY requested_at ASC
	`, postingID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var items []Application
	for rows.Next() {
		var application Application
		if err := rows.Scan(
			&application.ClientProjectID,
			&application.EngineerID,
			&application.Message,
			&application.Status,
			&application.ChatID,
			&application.RequestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		items = append(items, application)
	}
	return items, rows.Err()
}

// ApproveApplication flips a pending application to approved and records the
// chat. The status guard makes the transition happen at most once; a second
// approval reports false and changes nothing.
func (s *PostgresStore) ApproveApplication(ctx context.Context, postingID, engineerID, chatID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_applications
		SET status='approved', chat_id=$3
		WHERE client_project_id=$1 AND engineer_id=$2 AND status='pending'
	`, postingID, engineerID, chatID)
	if err != nil {
		return false, fmt.Errorf("approve application: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve application rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RejectApplication(ctx context.Context, postingID, engineerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_applications
		SET status='rejected'
		WHERE client_project_id=$1 AND engineer_id=$2 AND status='pending'
	`, postingID, engineerID)
	if err != nil {
		return false, fmt.Errorf("reject application: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject application rows: %w", err)
	}
	return affected > 0, nil
}

// Collaboration invites

func (s *PostgresStore) InsertCollaborationRequest(ctx context.Context, invite CollaborationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_requests (id, from_client_id, to_engineer_id, project_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, invite.ID, invite.FromClientID, invite.ToEngineerID, invite.ProjectID, invite.Status)
	if err != nil {
		return fmt.Errorf("insert collaboration request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaborationRequest(ctx context.Context, inviteID string) (CollaborationRequest, error) {
	var invite CollaborationRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_client_id, to_engineer_id, project_id, status, created_at
		FROM collaboration_requests
		WHERE id=$1
	`, inviteID).Scan(&invite.ID, &invite.FromClientID, &invite.ToEngineerID, &invite.ProjectID, &invite.Status, &invite.CreatedAt)
	if err != nil {
		return CollaborationRequest{}, err
	}
	return invite, nil
}

func (s *PostgresStore) ListCollaborationRequestsForEngineer(ctx context.Context, engineerID string) ([]CollaborationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_client_id, to_engineer_id, project_id, status, created_at
		FROM collaboration_requests
		WHERE to_engineer_id=$1
		ORDER BY created_at DESC
	`, engineerID)
	if err != nil {
		return nil, fmt.Errorf("list collaboration requests: %w", err)
	}
	defer rows.Close()

	var items []CollaborationRequest
	for rows.Next() {
		var invite CollaborationRequest
		if err := rows.Scan(&invite.ID, &invite.FromClientID, &invite.ToEngineerID, &invite.ProjectID, &invite.Status, &invite.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collaboration request: %w", err)
		}
		items = append(items, invite)
	}
	return items, rows.Err()
}

// UpdateCollaborationRequestStatus applies a pending -> accepted/rejected
// transition; a request that already left pending reports false.
func (s *PostgresStore) UpdateCollaborationRequestStatus(ctx context.Context, inviteID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_requests
		SET status=$2
		WHERE id=$1 AND status='pending'
	`, inviteID, status)
	if err != nil {
		return false, fmt.Errorf("update collaboration request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update collaboration request rows: %w", err)
	}
	return affected > 0, nil
}

// Chats

// UpsertChat creates the chat for (project, client, engineer) or returns the
// existing one. The unique index is what guarantees one chat per triple no
// matter how many times an approval or invite acceptance fires.
func (s *PostgresStore) UpsertChat(ctx context.Context, chat Chat) (string, error) {
	var chatID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, project_id, client_id, engineer_id, last_message)
		VALUES ($1, $2, $3, $4, '')
		ON CONFLICT (project_id, client_id, engineer_id) DO UPDATE SET project_id=EXCLUDED.project_id
		RETURNING id
	`, chat.ID, chat.ProjectID, chat.ClientID, chat.EngineerID).Scan(&chatID)
	if err != nil {
		return "", fmt.Errorf("upsert chat: %w", err)
	}
	for _, participant := range []string{chat.ClientID, chat.EngineerID} {
		if err := s.AddChatParticipant(ctx, chatID, participant); err != nil {
			return "", err
		}
	}
	return chatID, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, client_id, engineer_id, COALESCE(last_message, ''), created_at
		FROM chats
		WHERE id=$1
	`, chatID).Scan(&chat.ID, &chat.ProjectID, &chat.ClientID, &chat.EngineerID, &chat.LastMessage, &chat.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	participants, err := s.listChatParticipants(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	chat.Participants = participants
	return chat, nil
}

func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.client_id, c.engineer_id, COALESCE(c.last_message, ''), c.created_at
		FROM chats c
		JOIN chat_participants cp ON cp.chat_id = c.id
		WHERE cp.user_id=$1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var items []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.ProjectID, &chat.ClientID, &chat.EngineerID, &chat.LastMessage, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, chat)
	}
	return items, rows.Err()
}

// AddChatParticipant is an idempotent union into the participant set.
func (s *PostgresStore) AddChatParticipant(ctx context.Context, chatID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_participants (chat_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("add chat participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsChatParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id=$1 AND user_id=$2)
	`, chatID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chat participant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) listChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id=$1 ORDER BY user_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan chat participant: %w", err)
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}

// UpdateLastMessage is a best-effort denormalized preview for list views;
// last writer wins under concurrent sends.
func (s *PostgresStore) UpdateLastMessage(ctx context.Context, chatID, preview string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET last_message=$2 WHERE id=$1`, chatID, preview)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	return nil
}

// Messages

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, file_url, file_name)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING created_at
	`, message.ID, message.ChatID, message.SenderID, message.Content, message.FileURL, message.FileName).Scan(&message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

// ListMessages returns a chat's log in (created_at, id) ascending order.
// limit <= 0 means unbounded.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, sender_id, content, COALESCE(file_url, ''), COALESCE(file_name, ''), created_at
		FROM messages
		WHERE chat_id=$1
		ORDER BY created_at ASC, id ASC
	`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.ChatID, &message.SenderID, &message.Content, &message.FileURL, &message.FileName, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, message)
	}
	return items, rows.Err()
}

// DeleteMessage removes a message only when senderID authored it. Returns
// false when the row exists but belongs to someone else, or does not exist.
func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id=$1 AND chat_id=$2 AND sender_id=$3
	`, messageID, chatID, senderID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, chatID, messageID string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, content, COALESCE(file_url, ''), COALESCE(file_name, ''), created_at
		FROM messages
		WHERE id=$1 AND chat_id=$2
	`, messageID, chatID).Scan(&message.ID, &message.ChatID, &message.SenderID, &message.Content, &message.FileURL, &message.FileName, &message.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// RecordConnectivityCheck backs the internal test-load endpoint: one row,
// overwritten on each call.
func (s *PostgresStore) RecordConnectivityCheck(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connectivity_checks (id, checked_at)
		VALUES ('connection', NOW())
		ON CONFLICT (id) DO UPDATE SET checked_at=NOW()
	`)
	if err != nil {
		return fmt.Errorf("record connectivity check: %w", err)
	}
	return nil
}
