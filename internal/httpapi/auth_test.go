package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"fuelpos/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !isPasswordHash(users[0].Password) {
		t.Fatalf("expected bcrypt hash, got %q", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected password upgrade to be persisted")
	}
}

func TestLoginIsCaseInsensitiveOnUsername(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"siti": {Username: "siti", Password: mustHashPassword(t, "staff-pass-1"), Role: domain.RoleStaff, Active: true},
	}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "  SITI ", Password: "staff-pass-1"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleStaff {
		t.Fatalf("expected staff role, got %q", resp.Role)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "siti" || actor.Role != domain.RoleStaff {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"budi": {Username: "budi", Password: mustHashPassword(t, "staff-pass-1"), Role: domain.RoleStaff, Active: false},
	}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "budi", Password: "staff-pass-1"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"admin": {Username: "admin", Password: mustHashPassword(t, "admin123"), Role: domain.RoleAdmin, Active: true},
	}}
	issuer := NewAuthManager("secret-a", time.Hour, store)
	verifier := NewAuthManager("secret-b", time.Hour, store)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateStaffStoresHashAndAllowsLogin(t *testing.T) {
	store := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, store)

	user, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{
		Username: "Wati",
		Password: "pump-island-7",
	})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if user.Username != "wati" || user.Role != domain.RoleStaff {
		t.Fatalf("unexpected staff user %+v", user)
	}

	stored := store.users["wati"]
	if !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected stored password to be a bcrypt hash, got %q", stored.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "wati", Password: "pump-island-7"}); err != nil {
		t.Fatalf("login with new staff account failed: %v", err)
	}

	staff := manager.ListStaff(context.Background())
	if len(staff) != 1 || staff[0].Username != "wati" {
		t.Fatalf("expected wati in staff list, got %+v", staff)
	}
}

func TestCreateStaffValidatesInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	cases := []domain.StaffCreateRequest{
		{Username: "abc", Password: "long-enough-pw"},
		{Username: "with space", Password: "long-enough-pw"},
		{Username: "validname", Password: "short"},
	}
	for _, req := range cases {
		if _, err := manager.CreateStaff(context.Background(), req); err == nil {
			t.Fatalf("expected %+v to be rejected", req)
		}
	}

	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "validname", Password: "long-enough-pw"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "VALIDNAME", Password: "long-enough-pw"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
}

func mustHashPassword(t *testing.T, password string) string {
	t.Helper()
	hashed, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hash password failed: %v", err)
	}
	return hashed
}
