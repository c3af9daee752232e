// Package store keeps captured response variables and OAuth tokens in a
// SQLite database so they survive between runs.
package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/oauth"
	"github.com/tskulbru/kvile/internal/vars"
)

const (
	secureFileMode = 0o600
	secureDirMode  = 0o700
)

const schema = `
CREATE TABLE IF NOT EXISTS response_variables (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS oauth_tokens (
	cache_key     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type    TEXT NOT NULL DEFAULT '',
	scope         TEXT NOT NULL DEFAULT '',
	id_token      TEXT NOT NULL DEFAULT '',
	expires_at    INTEGER NOT NULL DEFAULT 0
);
`

type Store struct {
	db *sql.DB
}

var (
	_ vars.CapturePersister = (*Store)(nil)
	_ oauth.Persister       = (*Store)(nil)
)

// Open creates the database at path if needed. The file is readable by
// its owner only since it holds tokens.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), secureDirMode); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "create store directory")
	}
	if err := ensureSecureFile(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "open store")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, errdef.Wrap(errdef.CodeStorage, err, "configure store")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errdef.Wrap(errdef.CodeStorage, err, "initialise store schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "close store")
	}
	return nil
}

func ensureSecureFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, secureFileMode)
		if err != nil {
			return errdef.Wrap(errdef.CodeStorage, err, "create store file")
		}
		return f.Close()
	}
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "stat store file")
	}
	if info.Mode().Perm() != secureFileMode {
		if err := os.Chmod(path, secureFileMode); err != nil {
			return errdef.Wrap(errdef.CodeStorage, err, "restrict store file")
		}
	}
	return nil
}

func (s *Store) SaveResponseVariable(v vars.ResponseVariable) error {
	data, err := json.Marshal(v.Value)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "encode response variable %s", v.Name)
	}
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO response_variables (name, value, source, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		v.Name, string(data), v.Source, ts.UnixMilli(),
	)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "save response variable %s", v.Name)
	}
	return nil
}

func (s *Store) DeleteResponseVariable(name string) error {
	if _, err := s.db.Exec(`DELETE FROM response_variables WHERE name = ?`, name); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "delete response variable %s", name)
	}
	return nil
}

// LoadResponseVariables returns entries oldest write first.
func (s *Store) LoadResponseVariables() ([]vars.ResponseVariable, error) {
	rows, err := s.db.Query(`
		SELECT name, value, source, updated_at
		FROM response_variables
		ORDER BY updated_at ASC, name ASC`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "load response variables")
	}
	defer rows.Close()

	var out []vars.ResponseVariable
	for rows.Next() {
		var (
			v       vars.ResponseVariable
			raw     string
			updated int64
		)
		if err := rows.Scan(&v.Name, &raw, &v.Source, &updated); err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "scan response variable")
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&v.Value); err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "decode response variable %s", v.Name)
		}
		v.Timestamp = time.UnixMilli(updated)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "load response variables")
	}
	return out, nil
}

func (s *Store) SaveToken(key string, tok oauth.Token) error {
	var expires int64
	if !tok.ExpiresAt.IsZero() {
		expires = tok.ExpiresAt.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO oauth_tokens (cache_key, access_token, refresh_token, token_type, scope, id_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			id_token = excluded.id_token,
			expires_at = excluded.expires_at`,
		key, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Scope, tok.IDToken, expires,
	)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "save token")
	}
	return nil
}

func (s *Store) DeleteToken(key string) error {
	if _, err := s.db.Exec(`DELETE FROM oauth_tokens WHERE cache_key = ?`, key); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "delete token")
	}
	return nil
}

func (s *Store) LoadTokens() (map[string]oauth.Token, error) {
	rows, err := s.db.Query(`
		SELECT cache_key, access_token, refresh_token, token_type, scope, id_token, expires_at
		FROM oauth_tokens`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "load tokens")
	}
	defer rows.Close()

	out := make(map[string]oauth.Token)
	for rows.Next() {
		var (
			key     string
			tok     oauth.Token
			expires int64
		)
		if err := rows.Scan(&key, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope, &tok.IDToken, &expires); err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "scan token")
		}
		if expires > 0 {
			tok.ExpiresAt = time.UnixMilli(expires)
		}
		out[key] = tok
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "load tokens")
	}
	return out, nil
}
