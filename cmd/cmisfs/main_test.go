package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/cmisfs/internal/config"
	"github.com/fruitsalade/cmisfs/internal/fakerepo"
	"github.com/fruitsalade/cmisfs/pkg/cache"
	"github.com/fruitsalade/cmisfs/pkg/cmis"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.URL = "http://repo/browser"
	cfg.TokenFile = filepath.Join(t.TempDir(), "token.json")
	return cfg
}

func TestCredentials_Token(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token = signedToken(t, time.Now().Add(time.Hour))
	creds, err := credentials(cfg, nil)
	if err != nil || creds.Token != cfg.Token {
		t.Errorf("creds = %+v, %v", creds, err)
	}

	cfg.Token = signedToken(t, time.Now().Add(-time.Hour))
	if _, err := credentials(cfg, nil); !errors.Is(err, cmis.ErrTokenExpired) {
		t.Errorf("expired token err = %v", err)
	}
}

func TestCredentials_PromptsForPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.User = "alice"
	prompted := false
	creds, err := credentials(cfg, func() ([]byte, error) {
		prompted = true
		return []byte("s3cret"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !prompted || creds.User != "alice" || creds.Password != "s3cret" {
		t.Errorf("creds = %+v, prompted = %v", creds, prompted)
	}

	cfg.Password = "given"
	creds, _ = credentials(cfg, func() ([]byte, error) {
		t.Error("must not prompt when a password is configured")
		return nil, nil
	})
	if creds.Password != "given" {
		t.Errorf("password = %q", creds.Password)
	}
}

func TestCredentials_SavedToken(t *testing.T) {
	cfg := testConfig(t)
	token := signedToken(t, time.Now().Add(time.Hour))
	if err := cmis.SaveToken(cfg.TokenFile, &cmis.TokenFile{Token: token, Server: cfg.URL, SavedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	creds, err := credentials(cfg, nil)
	if err != nil || creds.Token != token {
		t.Errorf("creds = %+v, %v", creds, err)
	}

	cfg.URL = "http://other/browser"
	creds, err = credentials(cfg, nil)
	if err != nil || creds.Token != "" {
		t.Errorf("token for another server must not be used: %+v, %v", creds, err)
	}
}

func TestList(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/docs/sub")
	repo.MustDocument("/docs/readme.txt", []byte("hello"))
	cacheCfg := cache.Config{TTL: time.Minute}
	d := vfs.New(repo, cache.NewObjectCache(cacheCfg), cache.NewFolderCache(cacheCfg), vfs.DefaultConfig())
	defer d.Close()

	var out bytes.Buffer
	if err := list(context.Background(), &out, d, "/docs"); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"readme.txt", "document", "5", "sub/", "folder"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if err := list(context.Background(), &out, d, "/missing"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("missing folder err = %v", err)
	}
}

func TestPrintInfo(t *testing.T) {
	var out bytes.Buffer
	printInfo(&out, &cmis.RepositoryInfo{ID: "repo", Name: "Main", ProductName: "Nuxeo", ProductVersion: "10", RootFolderID: "root-1"})
	for _, want := range []string{"repo", "Main", "Nuxeo 10", "root-1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
