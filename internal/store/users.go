package store

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loppo-llc/runner/internal/permission"
)

const usersFile = "users.json"

type userRecord struct {
	permission.User
	Token string `json:"token"`
}

// Users resolves API tokens to users. The file is re-read when its
// modification time changes so tokens can be rotated without a restart.
type Users struct {
	mu      sync.Mutex
	path    string
	modTime int64
	records []userRecord
}

func NewUsers(dataDir string) *Users {
	return &Users{path: filepath.Join(dataDir, usersFile)}
}

// Authenticate returns the user owning token.
func (u *Users) Authenticate(token string) (permission.User, bool) {
	if token == "" {
		return permission.User{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.refresh(); err != nil {
		return permission.User{}, false
	}
	for _, r := range u.records {
		if r.Token != "" && subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) == 1 {
			return r.User, true
		}
	}
	return permission.User{}, false
}

func (u *Users) refresh() error {
	info, err := os.Stat(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			u.records = nil
			return nil
		}
		return err
	}
	if info.ModTime().UnixNano() == u.modTime && u.records != nil {
		return nil
	}
	data, err := os.ReadFile(u.path)
	if err != nil {
		return err
	}
	var records []userRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse users: %w", err)
	}
	u.records = records
	u.modTime = info.ModTime().UnixNano()
	return nil
}
