package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/merchward/bastion/internal/models"
)

// MockAccountRepository implements AccountRepository for testing
type MockAccountRepository struct {
	CreateFunc             func(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByIDFunc            func(ctx context.Context, id string) (*models.Account, error)
	GetByEmailFunc         func(ctx context.Context, email string) (*models.Account, error)
	GetPasswordHistoryFunc func(ctx context.Context, accountID string) ([]string, error)
	UpdatePasswordFunc     func(ctx context.Context, accountID, newHash string) error
	SetEmailVerifiedFunc   func(ctx context.Context, accountID string) error
	UpdateStatusFunc       func(ctx context.Context, accountID, status string) error
}

func (m *MockAccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, account)
	}
	account.ID = "acct_test"
	account.CreatedAt = time.Now()
	return account, nil
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockAccountRepository) GetPasswordHistory(ctx context.Context, accountID string) ([]string, error) {
	if m.GetPasswordHistoryFunc != nil {
		return m.GetPasswordHistoryFunc(ctx, accountID)
	}
	return nil, nil
}

func (m *MockAccountRepository) UpdatePassword(ctx context.Context, accountID, newHash string) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, accountID, newHash)
	}
	return nil
}

func (m *MockAccountRepository) SetEmailVerified(ctx context.Context, accountID string) error {
	if m.SetEmailVerifiedFunc != nil {
		return m.SetEmailVerifiedFunc(ctx, accountID)
	}
	return nil
}

func (m *MockAccountRepository) UpdateStatus(ctx context.Context, accountID, status string) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, accountID, status)
	}
	return nil
}

// MockFactorRepository implements FactorRepository and
// WebAuthnCredentialRepository for testing
type MockFactorRepository struct {
	CreateTOTPEnrollmentFunc    func(ctx context.Context, enrollment *models.TOTPEnrollment) error
	GetTOTPEnrollmentFunc       func(ctx context.Context, accountID string) (*models.TOTPEnrollment, error)
	ConfirmTOTPEnrollmentFunc   func(ctx context.Context, enrollmentID string) error
	TouchTOTPEnrollmentFunc     func(ctx context.Context, enrollmentID string) error
	DeleteTOTPEnrollmentFunc    func(ctx context.Context, accountID string) error
	CreateWebAuthnFunc          func(ctx context.Context, cred *models.WebAuthnCredential) error
	ListWebAuthnFunc            func(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error)
	UpdateWebAuthnCounterFunc   func(ctx context.Context, id string, signCount uint32) error
	DeleteWebAuthnFunc          func(ctx context.Context, accountID, id string) error
	ReplaceBackupCodesFunc      func(ctx context.Context, accountID string, codeHashes []string) error
	ListUnusedBackupCodesFunc   func(ctx context.Context, accountID string) ([]models.BackupCodeEntry, error)
	ClaimBackupCodeFunc         func(ctx context.Context, id string) (bool, error)
	CountUnusedBackupCodesFunc  func(ctx context.Context, accountID string) (int, error)
}

func (m *MockFactorRepository) CreateTOTPEnrollment(ctx context.Context, enrollment *models.TOTPEnrollment) error {
	if m.CreateTOTPEnrollmentFunc != nil {
		return m.CreateTOTPEnrollmentFunc(ctx, enrollment)
	}
	enrollment.ID = "totp_test"
	return nil
}

func (m *MockFactorRepository) GetTOTPEnrollment(ctx context.Context, accountID string) (*models.TOTPEnrollment, error) {
	if m.GetTOTPEnrollmentFunc != nil {
		return m.GetTOTPEnrollmentFunc(ctx, accountID)
	}
	return nil, models.ErrNotFound
}

func (m *MockFactorRepository) ConfirmTOTPEnrollment(ctx context.Context, enrollmentID string) error {
	if m.ConfirmTOTPEnrollmentFunc != nil {
		return m.ConfirmTOTPEnrollmentFunc(ctx, enrollmentID)
	}
	return nil
}

func (m *MockFactorRepository) TouchTOTPEnrollment(ctx context.Context, enrollmentID string) error {
	if m.TouchTOTPEnrollmentFunc != nil {
		return m.TouchTOTPEnrollmentFunc(ctx, enrollmentID)
	}
	return nil
}

func (m *MockFactorRepository) DeleteTOTPEnrollment(ctx context.Context, accountID string) error {
	if m.DeleteTOTPEnrollmentFunc != nil {
		return m.DeleteTOTPEnrollmentFunc(ctx, accountID)
	}
	return nil
}

func (m *MockFactorRepository) CreateWebAuthnCredential(ctx context.Context, cred *models.WebAuthnCredential) error {
	if m.CreateWebAuthnFunc != nil {
		return m.CreateWebAuthnFunc(ctx, cred)
	}
	cred.ID = "wa_test"
	return nil
}

func (m *MockFactorRepository) ListWebAuthnCredentials(ctx context.Context, accountID string) ([]models.WebAuthnCredential, error) {
	if m.ListWebAuthnFunc != nil {
		return m.ListWebAuthnFunc(ctx, accountID)
	}
	return []models.WebAuthnCredential{}, nil
}

func (m *MockFactorRepository) UpdateWebAuthnCounter(ctx context.Context, id string, signCount uint32) error {
	if m.UpdateWebAuthnCounterFunc != nil {
		return m.UpdateWebAuthnCounterFunc(ctx, id, signCount)
	}
	return nil
}

func (m *MockFactorRepository) DeleteWebAuthnCredential(ctx context.Context, accountID, id string) error {
	if m.DeleteWebAuthnFunc != nil {
		return m.DeleteWebAuthnFunc(ctx, accountID, id)
	}
	return nil
}

func (m *MockFactorRepository) ReplaceBackupCodes(ctx context.Context, accountID string, codeHashes []string) error {
	if m.ReplaceBackupCodesFunc != nil {
		return m.ReplaceBackupCodesFunc(ctx, accountID, codeHashes)
	}
	return nil
}

func (m *MockFactorRepository) ListUnusedBackupCodes(ctx context.Context, accountID string) ([]models.BackupCodeEntry, error) {
	if m.ListUnusedBackupCodesFunc != nil {
		return m.ListUnusedBackupCodesFunc(ctx, accountID)
	}
	return []models.BackupCodeEntry{}, nil
}

func (m *MockFactorRepository) ClaimBackupCode(ctx context.Context, id string) (bool, error) {
	if m.ClaimBackupCodeFunc != nil {
		return m.ClaimBackupCodeFunc(ctx, id)
	}
	return true, nil
}

func (m *MockFactorRepository) CountUnusedBackupCodes(ctx context.Context, accountID string) (int, error) {
	if m.CountUnusedBackupCodesFunc != nil {
		return m.CountUnusedBackupCodesFunc(ctx, accountID)
	}
	return 0, nil
}

// MockSessionRepository implements SessionRepository for testing. With no
// overrides it behaves as a working in-memory session table.
type MockSessionRepository struct {
	CreateFunc          func(ctx context.Context, session *models.Session) (*models.Session, error)
	GetByIDFunc         func(ctx context.Context, id string) (*models.Session, error)
	ListByAccountFunc   func(ctx context.Context, accountID string) ([]models.Session, error)
	DeleteFunc          func(ctx context.Context, accountID, id string) error
	DeleteByAccountFunc func(ctx context.Context, accountID string) (int64, error)
	TouchFunc           func(ctx context.Context, id string) error

	mu       sync.Mutex
	seq      int
	sessions []models.Session
}

func (m *MockSessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := *session
	s.ID = fmt.Sprintf("sess_%d", m.seq)
	s.CreatedAt = time.Now()
	s.LastActiveAt = s.CreatedAt
	m.sessions = append(m.sessions, s)
	out := s
	return &out, nil
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			out := s
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionRepository) ListByAccount(ctx context.Context, accountID string) ([]models.Session, error) {
	if m.ListByAccountFunc != nil {
		return m.ListByAccountFunc(ctx, accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0)
	for _, s := range m.sessions {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockSessionRepository) Delete(ctx context.Context, accountID, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, accountID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if !(s.ID == id && s.AccountID == accountID) {
			kept = append(kept, s)
		}
	}
	m.sessions = kept
	return nil
}

func (m *MockSessionRepository) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	if m.DeleteByAccountFunc != nil {
		return m.DeleteByAccountFunc(ctx, accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if s.AccountID == accountID {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.sessions = kept
	return n, nil
}

func (m *MockSessionRepository) Touch(ctx context.Context, id string) error {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].LastActiveAt = time.Now()
			return nil
		}
	}
	return models.ErrNotFound
}

// RecordingEventSink captures emitted security events for assertions.
type RecordingEventSink struct {
	mu     sync.Mutex
	Events []models.SecurityEvent
}

func (r *RecordingEventSink) Record(ctx context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, *event)
	return nil
}

func (r *RecordingEventSink) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for i := len(r.Events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.Events[i].AccountID != nil && *r.Events[i].AccountID == accountID {
			out = append(out, r.Events[i])
		}
	}
	return out, nil
}

// ByType returns recorded events of the given type.
func (r *RecordingEventSink) ByType(eventType string) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.Events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// RecordingNotifier captures dispatched codes instead of sending mail.
type RecordingNotifier struct {
	mu   sync.Mutex
	Sent []SentCode
	Fail error
}

type SentCode struct {
	Recipient string
	Purpose   string
	Code      string
}

func (r *RecordingNotifier) SendCode(ctx context.Context, recipient, purpose, code string) error {
	if r.Fail != nil {
		return r.Fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, SentCode{Recipient: recipient, Purpose: purpose, Code: code})
	return nil
}

// LastCode returns the most recently dispatched code, or "".
func (r *RecordingNotifier) LastCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sent) == 0 {
		return ""
	}
	return r.Sent[len(r.Sent)-1].Code
}

// NewTestAccount creates an active, verified account
func NewTestAccount(id, email string) *models.Account {
	now := time.Now()
	return &models.Account{
		ID:            id,
		Email:         email,
		DisplayName:   "Test Account",
		EmailVerified: true,
		Role:          "customer",
		Status:        models.AccountStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewTestAccountWithPassword creates an account with the given password hash
func NewTestAccountWithPassword(id, email, passwordHash string) *models.Account {
	account := NewTestAccount(id, email)
	account.PasswordHash = passwordHash
	return account
}
