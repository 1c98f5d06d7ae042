// Package auth verifies console operators. Authentication is delegated to an
// Authenticator; FileStore is the implementation backed by an operator
// maintained YAML file of bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCredentials is returned when the username or password is wrong.
// Unknown users and wrong passwords are indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// DefaultRole is assigned to users whose entry has no role.
const DefaultRole = "operator"

// Identity is an authenticated console user.
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Authenticator verifies a username and password.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Identity, error)
}

// UserEntry is one user in the credentials file.
type UserEntry struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role,omitempty"`
}

type usersFile struct {
	Users []UserEntry `yaml:"users"`
}

// FileStore authenticates against a YAML credentials file:
//
//	users:
//	  - username: alice
//	    password_hash: $2a$10$...
//	    role: admin
type FileStore struct {
	path   string
	logger *log.Logger

	mu    sync.RWMutex
	users map[string]UserEntry
}

// dummyHash is compared against for unknown users so that the response time
// does not reveal which usernames exist.
var dummyHash = mustHash("mooconsole-unknown-user")

func mustHash(password string) []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return hash
}

// LoadFileStore reads the credentials file at path.
func LoadFileStore(path string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[auth] ", log.LstdFlags|log.Lmsgprefix)
	}

	fs := &FileStore{path: path, logger: logger}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the credentials file. On error the previous users stay
// active.
func (fs *FileStore) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}

	users, err := parseUsers(data)
	if err != nil {
		return fmt.Errorf("parse users file %s: %w", fs.path, err)
	}

	fs.mu.Lock()
	fs.users = users
	fs.mu.Unlock()

	fs.logger.Printf("loaded %d users from %s", len(users), fs.path)
	return nil
}

func parseUsers(data []byte) (map[string]UserEntry, error) {
	var file usersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	users := make(map[string]UserEntry, len(file.Users))
	for i, u := range file.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: username cannot be empty", i)
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("user %q listed twice", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password_hash: %w", u.Username, err)
		}
		if u.Role == "" {
			u.Role = DefaultRole
		}
		users[u.Username] = u
	}
	return users, nil
}

// Authenticate implements Authenticator.
func (fs *FileStore) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	fs.mu.RLock()
	user, ok := fs.users[username]
	fs.mu.RUnlock()

	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	return Identity{Username: user.Username, Role: user.Role}, nil
}

// Len returns the number of configured users.
func (fs *FileStore) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.users)
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
