// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/tailscale/squibble"
	"github.com/tailscale/tbattle"
	"golang.org/x/sys/unix"
)

//go:embed schema.sql
var schemaText string

var schema = &squibble.Schema{Current: schemaText}

func openDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, err
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := schema.Apply(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func (db *DB) loadSQLiteIndex() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	eerr := db.loadEffectsLocked()
	berr := db.loadBackgroundsLocked()
	merr := db.loadMetadataLocked()

	return errors.Join(eerr, berr, merr)
}

// loadRows decodes the JSON raw column of every row of table into a map by
// ID, and returns the map and the next unused ID.
func loadRows[T any](sqldb *sql.DB, table string) (map[int]*T, int, error) {
	out := make(map[int]*T)
	next := 0
	rows, err := sqldb.Query(`SELECT id, raw FROM ` + table)
	if err != nil {
		return out, 1, fmt.Errorf("loading %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return out, next + 1, fmt.Errorf("scanning %s: %w", table, err)
		}
		next = max(next, id)
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return out, next + 1, fmt.Errorf("decode %s id %d: %w", table, id, err)
		}
		out[id] = v
	}
	return out, next + 1, rows.Err()
}

func (db *DB) loadEffectsLocked() (err error) {
	db.effects, db.nextEffectID, err = loadRows[tbattle.Effect](db.sqldb, "Effects")
	return err
}

func (db *DB) loadBackgroundsLocked() (err error) {
	db.backgrounds, db.nextBackgroundID, err = loadRows[tbattle.Background](db.sqldb, "Backgrounds")
	return err
}

func (db *DB) loadMetadataLocked() error {
	row := db.sqldb.QueryRow(`SELECT value FROM Meta WHERE key = ?`, "cacheSeed")
	if err := row.Scan(&db.cacheSeed); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}

func (db *DB) updateBackgroundLocked(b *tbattle.Background) error {
	bits, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = db.sqldb.Exec(`INSERT OR REPLACE INTO Backgrounds (id, raw) VALUES (?, ?)`,
		b.ID, bits)
	return err
}

func (db *DB) updateEffectLocked(e *tbattle.Effect) error {
	cp := *e
	cp.Views = 0
	bits, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = db.sqldb.Exec(`INSERT OR REPLACE INTO Effects (id, raw) VALUES (?, ?)`,
		e.ID, bits)
	return err
}

// effectViewsLocked reports the recorded view count of the specified effect.
func (db *DB) effectViewsLocked(id int) (int, error) {
	var views int
	row := db.sqldb.QueryRow(`SELECT views FROM EffectViews WHERE effect_id = ?`, id)
	if err := row.Scan(&views); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return views, nil
}

// allEffectViewsLocked reports the view counts of all effects that have any.
func (db *DB) allEffectViewsLocked() (map[int]int, error) {
	rows, err := db.sqldb.Query(`SELECT effect_id, views FROM EffectViews`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	views := make(map[int]int)
	for rows.Next() {
		var id, n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		views[id] = n
	}
	return views, rows.Err()
}

// withViews returns a copy of e carrying the given view count. Entries of
// db.effects are never handed out directly, since callers read them without
// holding the lock.
func withViews(e *tbattle.Effect, views int) *tbattle.Effect {
	cp := *e
	cp.Views = views
	return &cp
}

func (db *DB) cleanEffectCache(ctx context.Context) {
	db.logf("Starting effect cache cleaner (poll=%v, max-age=%v, min-prune=%d bytes)",
		db.pollInterval, db.maxAccessAge, db.minPruneBytes)

	t := time.NewTicker(db.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			db.logf("Effect cache cleaner exiting (%v)", ctx.Err())
			return
		case <-t.C:
		}
		db.pruneEffectCache()
	}
}

// pruneEffectCache removes cached renderings that have not been accessed in
// the last maxAccessAge, provided the cache holds more than minPruneBytes.
// It returns the number of files removed.
func (db *DB) pruneEffectCache() int {
	cacheDir := filepath.Join(db.dir, "effects")
	es, err := os.ReadDir(cacheDir)
	if err != nil {
		db.logf("WARNING: reading cache directory: %v (continuing)", err)
		return 0
	}

	var totalSize int64
	var cand []string
	for _, e := range es {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cacheDir, e.Name())
		atime, err := getAccessTime(path)
		if err != nil {
			continue
		}
		if time.Since(atime) > db.maxAccessAge {
			cand = append(cand, path)
		}
		if fi, err := e.Info(); err == nil {
			totalSize += fi.Size()
		}
	}
	if totalSize <= db.minPruneBytes || len(cand) == 0 {
		return 0
	}

	// Hold the lock so removal does not race with a content request that is
	// about to serve one of the candidates.
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int
	for _, path := range cand {
		if os.Remove(path) == nil {
			db.logf("[effect cache] removed %q", path)
			n++
		}
	}
	return n
}

func getAccessTime(path string) (time.Time, error) {
	var sbuf unix.Stat_t
	if err := unix.Stat(path, &sbuf); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sbuf.Atim.Sec, sbuf.Atim.Nsec).UTC(), nil
}
