package main

import (
	"database/sql"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	_ "modernc.org/sqlite"

	"github.com/funvibe/luabridge/internal/prim"
	luabridge "github.com/funvibe/luabridge/pkg/embed"
)

// Store is a key-value table backed by SQLite. Scripts only ever see it
// through an opaque handle.
type Store struct {
	db *sql.DB
}

func openStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The in-memory database lives in a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

// bindStorage exposes the storage module to scripts. The default store is
// published as the global handle `store`; every operation takes a store
// handle first, so scripts can also work with stores they opened themselves.
func bindStorage(b *luabridge.Bridge, def *Store) error {
	unwrap := func(v lua.LValue) (*Store, error) {
		obj, ok := b.Unwrap(prim.PointerVal(v))
		if !ok {
			return nil, fmt.Errorf("expected a store handle")
		}
		s, ok := obj.(*Store)
		if !ok {
			return nil, fmt.Errorf("handle does not hold a store")
		}
		return s, nil
	}
	checkString := func(args []lua.LValue, pos int, what string) (string, error) {
		if pos >= len(args) || args[pos].Type() != lua.LTString {
			return "", fmt.Errorf("%s expected at argument %d", what, pos+1)
		}
		return lua.LVAsString(args[pos]), nil
	}

	err := b.BindModule("storage", map[string]luabridge.Func{
		"open": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			path, err := checkString(args, 0, "path")
			if err != nil {
				return nil, err
			}
			s, err := openStore(path)
			if err != nil {
				return nil, err
			}
			h, err := b.Wrap(s)
			if err != nil {
				return nil, err
			}
			p, _ := h.TryPointer()
			return []lua.LValue{p.(lua.LValue)}, nil
		},
		"put": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			if len(args) < 3 {
				return nil, fmt.Errorf("put needs store, key, value")
			}
			s, err := unwrap(args[0])
			if err != nil {
				return nil, err
			}
			key, err := checkString(args, 1, "key")
			if err != nil {
				return nil, err
			}
			value, err := checkString(args, 2, "value")
			if err != nil {
				return nil, err
			}
			return nil, s.Put(key, value)
		},
		"get": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("get needs store, key")
			}
			s, err := unwrap(args[0])
			if err != nil {
				return nil, err
			}
			key, err := checkString(args, 1, "key")
			if err != nil {
				return nil, err
			}
			value, ok, err := s.Get(key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return []lua.LValue{lua.LNil}, nil
			}
			return []lua.LValue{lua.LString(value)}, nil
		},
		"delete": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("delete needs store, key")
			}
			s, err := unwrap(args[0])
			if err != nil {
				return nil, err
			}
			key, err := checkString(args, 1, "key")
			if err != nil {
				return nil, err
			}
			return nil, s.Delete(key)
		},
		"keys": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("keys needs a store")
			}
			s, err := unwrap(args[0])
			if err != nil {
				return nil, err
			}
			keys, err := s.Keys()
			if err != nil {
				return nil, err
			}
			t := L.NewTable()
			for _, k := range keys {
				t.Append(lua.LString(k))
			}
			return []lua.LValue{t}, nil
		},
		"close": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("close needs a store")
			}
			s, err := unwrap(args[0])
			if err != nil {
				return nil, err
			}
			err = s.Close()
			b.Release(prim.PointerVal(args[0]))
			return nil, err
		},
	})
	if err != nil {
		return err
	}
	h, err := b.Wrap(def)
	if err != nil {
		return err
	}
	return b.Set("store", h)
}
