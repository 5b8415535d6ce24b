// Package accounts is the credential store: registration, password
// verification and tier management on top of the persistence layer.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/audrey/textai-server/internal/store"
)

var (
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrWeakPassword       = errors.New("password does not meet the minimum policy")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotFound           = errors.New("account not found")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrAccountDisabled    = errors.New("account is disabled")
)

// Tier is a quota class determining the hourly request ceiling.
type Tier string

const (
	TierGuest Tier = "guest"
	TierUser  Tier = "user"
	TierPro   Tier = "pro"
)

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierGuest, TierUser, TierPro:
		return true
	}
	return false
}

// Account is the persisted user record. The password hash never leaves
// this package through API responses; handlers expose a redacted view.
type Account struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Tier         Tier      `json:"tier"`
	CreatedAt    time.Time `json:"created_at"`
	IsAdmin      bool      `json:"is_admin"`
	Disabled     bool      `json:"disabled"`
}

const storeID = "accounts"

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes; longer passwords are rejected
	// outright so nothing silently truncates.
	maxPasswordLen = 72
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)

// Service implements the credential store against a single "accounts"
// store holding a username -> Account map.
type Service struct {
	store store.Store
	cost  int

	// dummyHash burns a comparable amount of CPU when the username is
	// unknown, so lookup failures and hash mismatches are
	// indistinguishable in timing.
	dummyHash []byte
}

// NewService creates the credential store. cost is the bcrypt cost
// factor applied to new password hashes.
func NewService(s store.Store, cost int) (*Service, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("textai-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare credential store: %w", err)
	}
	return &Service{store: s, cost: cost, dummyHash: dummy}, nil
}

func decode(snapshot []byte) (map[string]Account, error) {
	accounts := make(map[string]Account)
	if len(snapshot) == 0 {
		return accounts, nil
	}
	if err := json.Unmarshal(snapshot, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts store: %w", err)
	}
	return accounts, nil
}

// Register creates a new account. The plaintext password is hashed
// before the store transform runs and discarded immediately after.
func (s *Service) Register(ctx context.Context, username, password string) (*Account, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := Account{
		Username:     username,
		PasswordHash: string(hash),
		Tier:         TierUser,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.store.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		accounts, err := decode(current)
		if err != nil {
			return nil, err
		}
		if _, taken := accounts[username]; taken {
			return nil, ErrDuplicateUsername
		}
		accounts[username] = account
		return json.Marshal(accounts)
	})
	if err != nil {
		return nil, err
	}

	return &account, nil
}

// Authenticate verifies a username/password pair. Unknown usernames
// and wrong passwords fail with the same error.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	snapshot, err := s.store.Read(ctx, storeID)
	if err != nil {
		return nil, err
	}
	accounts, err := decode(snapshot)
	if err != nil {
		return nil, err
	}

	account, ok := accounts[username]
	if !ok {
		// Burn the same work as a real comparison.
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if account.Disabled {
		return nil, ErrInvalidCredentials
	}

	return &account, nil
}

// Get returns the account for username.
func (s *Service) Get(ctx context.Context, username string) (*Account, error) {
	snapshot, err := s.store.Read(ctx, storeID)
	if err != nil {
		return nil, err
	}
	accounts, err := decode(snapshot)
	if err != nil {
		return nil, err
	}
	account, ok := accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	return &account, nil
}

// List returns all accounts ordered by username.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	snapshot, err := s.store.Read(ctx, storeID)
	if err != nil {
		return nil, err
	}
	accounts, err := decode(snapshot)
	if err != nil {
		return nil, err
	}

	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// SetTier changes an account's quota class. Admin-only mutation path.
func (s *Service) SetTier(ctx context.Context, username string, tier Tier) error {
	return s.update(ctx, username, func(a *Account) { a.Tier = tier })
}

// Disable soft-disables an account. The record stays in place so
// history keyed by the username remains resolvable.
func (s *Service) Disable(ctx context.Context, username string) error {
	return s.update(ctx, username, func(a *Account) { a.Disabled = true })
}

// SetAdmin grants or removes the admin flag.
func (s *Service) SetAdmin(ctx context.Context, username string, admin bool) error {
	return s.update(ctx, username, func(a *Account) { a.IsAdmin = admin })
}

// ChangePassword verifies the old password and replaces the hash.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLen || len(newPassword) > maxPasswordLen {
		return ErrWeakPassword
	}
	if _, err := s.Authenticate(ctx, username, oldPassword); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.update(ctx, username, func(a *Account) { a.PasswordHash = string(hash) })
}

func (s *Service) update(ctx context.Context, username string, mutate func(*Account)) error {
	_, err := s.store.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		accounts, err := decode(current)
		if err != nil {
			return nil, err
		}
		account, ok := accounts[username]
		if !ok {
			return nil, ErrNotFound
		}
		mutate(&account)
		accounts[username] = account
		return json.Marshal(accounts)
	})
	return err
}

// EnsureAdmin creates the bootstrap admin account if it does not exist
// yet, or repairs its admin flag if it does. Called once at startup.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := s.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		if _, err := s.Register(ctx, username, password); err != nil {
			return fmt.Errorf("failed to create admin account: %w", err)
		}
		if err := s.SetTier(ctx, username, TierPro); err != nil {
			return err
		}
		return s.SetAdmin(ctx, username, true)
	}
	if err != nil {
		return err
	}
	return s.SetAdmin(ctx, username, true)
}
