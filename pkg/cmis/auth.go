package cmis

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when a saved bearer token has expired.
var ErrTokenExpired = errors.New("bearer token expired")

// Credentials authenticate requests. A non-empty Token selects bearer
// authentication; otherwise User/Password are sent as HTTP basic auth.
type Credentials struct {
	User     string
	Password string
	Token    string
}

func (c Credentials) apply(req *http.Request) {
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.User != "":
		req.SetBasicAuth(c.User, c.Password)
	}
}

// TokenExpiry returns the "exp" claim of a JWT bearer token. ok is false
// for opaque tokens or tokens without an expiry. The signature is not
// verified; only the server can do that.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

// CheckToken fails with ErrTokenExpired if token is a JWT that expires
// within margin.
func CheckToken(token string, margin time.Duration) error {
	exp, ok := TokenExpiry(token)
	if !ok {
		return nil
	}
	if time.Now().Add(margin).After(exp) {
		return ErrTokenExpired
	}
	return nil
}

// TokenFile holds a saved bearer token.
type TokenFile struct {
	Token   string    `json:"token"`
	Server  string    `json:"server"`
	SavedAt time.Time `json:"saved_at"`
}

// IsExpired reports whether the saved token expires within margin.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	return errors.Is(CheckToken(t.Token, margin), ErrTokenExpired)
}

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "cmisfs", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cmisfs", "token.json")
}

// SaveToken writes tf to path with owner-only permissions.
func SaveToken(path string, tf *TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token file from path.
func LoadToken(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

// DeleteToken removes the token file at path.
func DeleteToken(path string) error {
	return os.Remove(path)
}
