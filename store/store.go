// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package store implements a data store for battle backgrounds and effects.
//
// # Structure
//
// A DB manages a directory in the filesystem. At the top level of the
// directory is a SQLite database (index.db) that keeps track of metadata about
// backgrounds, effects, and view counts. There are also subdirectories to
// store the image data, "backgrounds" and "effects".
//
// The "effects" subdirectory is a cache of rendered GIFs, and the DB maintains
// a background polling thread that cleans up files that have not been
// accessed for a while. It is safe to manually delete files inside the
// effects directory; the server will re-render them on demand. Background
// images are persistent, and should not be modified or deleted.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/tbattle"
	"tailscale.com/tailcfg"
	"tailscale.com/types/logger"
)

var subdirs = []string{"backgrounds", "effects"}

// A DB is a database of backgrounds and effects. It consists of a directory
// containing files and subdirectories holding images and metadata. A DB is
// safe for concurrent use by multiple goroutines.
type DB struct {
	dir           string
	logf          logger.Logf
	stop          context.CancelFunc
	tasks         sync.WaitGroup
	minPruneBytes int64
	maxAccessAge  time.Duration
	pollInterval  time.Duration

	mu               sync.Mutex
	sqldb            *sql.DB
	cacheSeed        []byte
	effects          map[int]*tbattle.Effect
	nextEffectID     int
	backgrounds      map[int]*tbattle.Background
	nextBackgroundID int
}

// Options are optional settings for a DB. A nil *Options is ready for use
// with default values.
type Options struct {
	// Do not prune the effect cache until it is at least this big.
	// Default: 50MB.
	MinPruneBytes int64

	// When pruning the cache, discard entries that have not been accessed in at
	// least this long. Default: 30m.
	MaxAccessAge time.Duration

	// How often to scan the effect cache. Default: 1m.
	PollInterval time.Duration

	// Log cache maintenance here. Default: log.Printf.
	Logf logger.Logf
}

func (o *Options) minPruneBytes() int64 {
	if o == nil || o.MinPruneBytes <= 0 {
		return 50 << 20
	}
	return o.MinPruneBytes
}

func (o *Options) maxAccessAge() time.Duration {
	if o == nil || o.MaxAccessAge <= 0 {
		return 30 * time.Minute
	}
	return o.MaxAccessAge
}

func (o *Options) pollInterval() time.Duration {
	if o == nil || o.PollInterval <= 0 {
		return time.Minute
	}
	return o.PollInterval
}

func (o *Options) logf() logger.Logf {
	if o == nil || o.Logf == nil {
		return log.Printf
	}
	return o.Logf
}

// New creates or opens a data store. A store is a directory that is created
// if necessary. The DB assumes ownership of the directory contents. A nil
// *Options provides default settings (see [Options]).
//
// The caller should Close the DB when it is no longer in use, to ensure the
// cache maintenance routine is stopped and cleaned up.
func New(dirPath string, opts *Options) (*DB, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, fmt.Errorf("store.New: %w", err)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dirPath, sub), 0700); err != nil {
			return nil, err
		}
	}

	sqldb, err := openDatabase(filepath.Join(dirPath, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	db := &DB{
		dir:           dirPath,
		logf:          opts.logf(),
		minPruneBytes: opts.minPruneBytes(),
		maxAccessAge:  opts.maxAccessAge(),
		pollInterval:  opts.pollInterval(),
		stop:          cancel,
		sqldb:         sqldb,
	}
	if err := db.loadSQLiteIndex(); err != nil {
		db.Close()
		return nil, err
	}
	db.tasks.Add(1)
	go func() {
		defer db.tasks.Done()
		db.cleanEffectCache(ctx)
	}()
	return db, nil
}

// Close stops background tasks and closes the index database.
func (db *DB) Close() error {
	db.stop()
	db.tasks.Wait()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.sqldb != nil {
		err := db.sqldb.Close()
		db.sqldb = nil
		return err
	}
	return nil
}

// SetCacheSeed sets the base string used when generating cache keys for
// rendered effects. If not set, the value persisted in the index is used.
// Changing the cache seed invalidates cached entries.
func (db *DB) SetCacheSeed(s string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if s == string(db.cacheSeed) {
		return nil
	}
	_, err := db.sqldb.Exec(`INSERT OR REPLACE INTO Meta (key, value) VALUES (?,?)`,
		"cacheSeed", []byte(s))
	if err == nil {
		db.cacheSeed = []byte(s)
	}
	return err
}

func sortByID[T any](vs []T, id func(T) int) {
	sort.Slice(vs, func(i, j int) bool { return id(vs[i]) < id(vs[j]) })
}

func backgroundID(b *tbattle.Background) int { return b.ID }
func effectID(e *tbattle.Effect) int         { return e.ID }

// Backgrounds returns all the non-hidden backgrounds in the store.
// Backgrounds are ordered non-decreasing by ID.
func (db *DB) Backgrounds() []*tbattle.Background {
	db.mu.Lock()
	all := make([]*tbattle.Background, 0, len(db.backgrounds))
	for _, b := range db.backgrounds {
		if !b.Hidden {
			all = append(all, b)
		}
	}
	db.mu.Unlock()
	sortByID(all, backgroundID)
	return all
}

// BackgroundsByCreator returns all the non-hidden backgrounds in the store
// created by the specified user. The results are ordered non-decreasing by ID.
func (db *DB) BackgroundsByCreator(creator tailcfg.UserID) []*tbattle.Background {
	db.mu.Lock()
	var all []*tbattle.Background
	for _, b := range db.backgrounds {
		if !b.Hidden && b.Creator == creator {
			all = append(all, b)
		}
	}
	db.mu.Unlock()
	sortByID(all, backgroundID)
	return all
}

// Background returns the background data for the specified ID.
// Hidden backgrounds are treated as not found.
func (db *DB) Background(id int) (*tbattle.Background, error) {
	db.mu.Lock()
	b, ok := db.backgrounds[id]
	db.mu.Unlock()
	if !ok || b.Hidden {
		return nil, fmt.Errorf("background %d not found", id)
	}
	return b, nil
}

// AnyBackground returns the background data for the specified ID.
// Hidden backgrounds are included.
func (db *DB) AnyBackground(id int) (*tbattle.Background, error) {
	db.mu.Lock()
	b, ok := db.backgrounds[id]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("background %d not found", id)
	}
	return b, nil
}

// SetBackgroundHidden sets (or clears) the "hidden" flag of a background.
// Hidden backgrounds are not available for use in creating effects.
func (db *DB) SetBackgroundHidden(id int, hidden bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.backgrounds[id]
	if !ok {
		return fmt.Errorf("background %d not found", id)
	}
	if b.Hidden != hidden {
		b.Hidden = hidden
		return db.updateBackgroundLocked(b)
	}
	return nil
}

var sep = strings.NewReplacer(" ", "-", "_", "-")

// CanonicalName returns the form of name used to store and look up
// backgrounds: lower case, with interior whitespace, "-", and "_" normalized
// to "-".
func CanonicalName(name string) string {
	base := strings.Join(strings.Fields(strings.TrimSpace(name)), "-")
	return sep.Replace(strings.ToLower(base))
}

// BackgroundByName returns the background data matching the given name.
// Comparison is done on canonical names (see [CanonicalName]).
// Hidden backgrounds are excluded.
func (db *DB) BackgroundByName(name string) (*tbattle.Background, error) {
	cn := CanonicalName(name)
	if cn == "" {
		return nil, errors.New("empty background name")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.backgroundByNameLocked(cn)
}

func (db *DB) backgroundByNameLocked(cn string) (*tbattle.Background, error) {
	for _, b := range db.backgrounds {
		if !b.Hidden && b.Name == cn {
			return b, nil
		}
	}
	return nil, fmt.Errorf("background %q not found", cn)
}

// BackgroundPath returns the path of the file containing a background image.
// Hidden backgrounds are included, since effects created before the
// background was hidden still render from it.
func (db *DB) BackgroundPath(id int) (string, error) {
	b, err := db.AnyBackground(id)
	if err != nil {
		return "", err
	}
	return b.Path, nil
}

// AddBackground adds b to the database. The ID must be 0 and the Path must be
// empty, these are populated by a successful add. The other fields of b
// should be initialized by the caller.
//
// If set, fileExt is used as the filename extension for the image file. The
// contents of the background image are fully read from data.
func (db *DB) AddBackground(b *tbattle.Background, fileExt string, data io.Reader) error {
	if b.ID != 0 {
		return errors.New("background ID must be zero")
	} else if b.Path != "" {
		return errors.New("background path must be empty")
	}
	if fileExt == "" {
		fileExt = "png"
	} else {
		fileExt = strings.TrimPrefix(fileExt, ".")
	}
	b.Name = CanonicalName(b.Name)
	if b.Name == "" {
		return errors.New("empty background name")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.backgroundByNameLocked(b.Name); err == nil {
		return fmt.Errorf("duplicate background name %q", b.Name)
	}
	id := db.nextBackgroundID
	path := filepath.Join(db.dir, "backgrounds", fmt.Sprintf("%d.%s", id, fileExt))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	b.ID = id
	b.Path = path
	if err := db.updateBackgroundLocked(b); err != nil {
		b.ID, b.Path = 0, ""
		os.Remove(path)
		return err
	}
	db.nextBackgroundID++
	db.backgrounds[b.ID] = b
	return nil
}

// Effect returns the effect data for the specified ID.
func (db *DB) Effect(id int) (*tbattle.Effect, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.effects[id]
	if !ok {
		return nil, fmt.Errorf("effect %d not found", id)
	}
	views, err := db.effectViewsLocked(id)
	if err != nil {
		db.logf("WARNING: reading effect views: %v (continuing)", err)
	}
	return withViews(e, views), nil
}

// EffectsByCreator returns all the effects created by the specified user,
// ordered non-decreasing by ID.
func (db *DB) EffectsByCreator(creator tailcfg.UserID) []*tbattle.Effect {
	return db.listEffects(func(e *tbattle.Effect) bool { return e.Creator == creator })
}

// Effects returns all the effects in the store, ordered non-decreasing by ID.
func (db *DB) Effects() []*tbattle.Effect {
	return db.listEffects(func(*tbattle.Effect) bool { return true })
}

func (db *DB) listEffects(keep func(*tbattle.Effect) bool) []*tbattle.Effect {
	db.mu.Lock()
	views, err := db.allEffectViewsLocked()
	if err != nil {
		db.logf("WARNING: reading effect views: %v (continuing)", err)
	}
	var all []*tbattle.Effect
	for _, e := range db.effects {
		if keep(e) {
			all = append(all, withViews(e, views[e.ID]))
		}
	}
	db.mu.Unlock()
	sortByID(all, effectID)
	return all
}

// CachePath returns a cache file path for the rendered GIF of the specified
// effect. The path is returned even if the file is not cached.
func (db *DB) CachePath(e *tbattle.Effect) (string, error) {
	if _, err := db.AnyBackground(e.BackgroundID); err != nil {
		return "", err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.cachePathLocked(e.ID), nil
}

func (db *DB) cachePathLocked(id int) string {
	key := string(db.cacheSeed)
	if key == "" {
		key = "0000"
	}
	return filepath.Join(db.dir, "effects", fmt.Sprintf("%s-%d.gif", key, id))
}

// AddEffect adds e to the database. It reports an error if e.ID != 0 or if e
// refers to a background that does not exist or is hidden, or updates e.ID on
// success.
func (db *DB) AddEffect(e *tbattle.Effect) error {
	if e.ID != 0 {
		return errors.New("effect ID must be zero")
	} else if e.BackgroundID == 0 {
		return errors.New("effect must have a background ID")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if b, ok := db.backgrounds[e.BackgroundID]; !ok || b.Hidden {
		return fmt.Errorf("background %d not found", e.BackgroundID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ID = db.nextEffectID
	e.Views = 0
	if err := db.updateEffectLocked(e); err != nil {
		e.ID = 0
		return err
	}
	db.nextEffectID++
	db.effects[e.ID] = withViews(e, 0)
	return nil
}

// DeleteEffect deletes the specified effect ID from the database, along with
// its cached rendering and view count.
func (db *DB) DeleteEffect(id int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.effects[id]; !ok {
		return fmt.Errorf("effect %d not found", id)
	}
	tx, err := db.sqldb.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM Effects WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM EffectViews WHERE effect_id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(db.effects, id)
	os.Remove(db.cachePathLocked(id))
	return nil
}

// RecordView counts one view of the specified effect, and returns the effect
// with its updated view count.
func (db *DB) RecordView(id int) (*tbattle.Effect, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.effects[id]
	if !ok {
		return nil, fmt.Errorf("effect %d not found", id)
	}
	_, err := db.sqldb.Exec(`INSERT INTO EffectViews (effect_id, views) VALUES (?, 1)
  ON CONFLICT (effect_id) DO UPDATE SET views = views + 1`, id)
	if err != nil {
		return nil, err
	}
	views, err := db.effectViewsLocked(id)
	if err != nil {
		return nil, err
	}
	return withViews(e, views), nil
}
