// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tailscale/tbattle"
	"github.com/tailscale/tbattle/distort"
	"github.com/tailscale/tbattle/render"
	"github.com/tailscale/tbattle/store"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/metrics"
	"tailscale.com/tailcfg"
	"tailscale.com/util/singleflight"

	// Image formats accepted for backgrounds.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// A whoIser reports the tailnet identity of the peer at a remote address.
// A *tailscale.LocalClient is a whoIser.
type whoIser interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

type battleServer struct {
	db             *store.DB
	whois          whoIser
	presets        tbattle.Presets
	superUser      map[string]bool // logins of admin users
	allowAnonymous bool
	maxImageSize   int64 // bytes
	renderOpts     *render.Options

	effectGenerationSingleFlight singleflight.Group[string, string]
	imageFileEtags               sync.Map // :: string(path) → string(quoted etag)
}

// setAdmins populates the admin users from a comma-separated list of logins.
func (s *battleServer) setAdmins(logins string) {
	if logins == "" {
		return
	}
	s.superUser = make(map[string]bool)
	for _, u := range strings.Split(logins, ",") {
		if u = strings.TrimSpace(u); u != "" {
			s.superUser[u] = true
		}
	}
}

// preloadEtags computes Etag values for all the stored backgrounds and any
// cached effect renderings.
func (s *battleServer) preloadEtags() error {
	var numTags int
	for _, b := range s.db.Backgrounds() {
		tag, err := makeFileEtag(b.Path)
		if err != nil {
			return err
		}
		s.imageFileEtags.Store(b.Path, tag)
		numTags++
	}
	for _, e := range s.db.Effects() {
		cachePath, err := s.db.CachePath(e)
		if err != nil {
			continue
		}
		tag, err := makeFileEtag(cachePath)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return err
		}
		s.imageFileEtags.Store(cachePath, tag)
		numTags++
	}
	log.Printf("Preloaded %d image Etags", numTags)
	return nil
}

var (
	serveMetrics  = &metrics.LabelMap{Label: "type"}
	effectMetrics = &metrics.LabelMap{Label: "type"}
)

func init() {
	expvar.Publish("tbattle_serve_metrics", serveMetrics)
	expvar.Publish("tbattle_effect_metrics", effectMetrics)
}

// newMux constructs a router for the tbattle API.
//
// There are two groups of endpoints:
//
//   - The /api/ endpoints serve JSON metadata for tools to consume.
//   - The /content/ endpoints serve image data.
func (s *battleServer) newMux() *http.ServeMux {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/background/", s.serveAPIBackground) // one background by ID
	apiMux.HandleFunc("/api/background", s.serveAPIBackground)  // all backgrounds
	apiMux.HandleFunc("/api/effect/", s.serveAPIEffect)         // one effect by ID
	apiMux.HandleFunc("/api/effect", s.serveAPIEffect)          // all effects
	apiMux.HandleFunc("/api/preset/", s.serveAPIPreset)         // one preset by name
	apiMux.HandleFunc("/api/preset", s.serveAPIPreset)          // all presets
	apiMux.HandleFunc("/api/offsets/", s.serveAPIOffsets)       // per-row wave of an effect

	contentMux := http.NewServeMux()
	contentMux.HandleFunc("/content/background/", s.serveContentBackground)
	contentMux.HandleFunc("/content/effect/", s.serveContentEffect)
	contentMux.HandleFunc("/content/still/", s.serveContentStill)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("/content/", contentMux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/api/effect?sort=top-popular", http.StatusFound)
	})
	return mux
}

// getSingleFromIDInPath parses an ID from a path of the form /key/id and
// looks it up with f. If the path has no ID, it reports false without error.
func getSingleFromIDInPath[T any](path, key string, f func(int) (T, error)) (T, bool, error) {
	var zero T
	idStr, ok := strings.CutPrefix(path, "/"+key+"/")
	if !ok || idStr == "" {
		return zero, false, nil
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return zero, false, fmt.Errorf("invalid %s ID: %w", key, err)
	}
	v, err := f(id)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// checkAccess checks that the caller is logged in and not a tagged node. If
// so, it returns the whois data for the user. Otherwise, it writes an error
// response to w and returns nil.
func (s *battleServer) checkAccess(w http.ResponseWriter, r *http.Request, op string) *apitype.WhoIsResponse {
	whois, err := s.whois.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	if whois == nil || whois.UserProfile == nil {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return nil
	}
	if whois.Node != nil && whois.Node.IsTagged() {
		http.Error(w, "tagged nodes cannot "+op, http.StatusForbidden)
		return nil
	}
	return whois
}

// canDelete reports whether the caller may delete an object made by creator.
func (s *battleServer) canDelete(whois *apitype.WhoIsResponse, creator tailcfg.UserID) bool {
	return whois.UserProfile.ID == creator || s.superUser[whois.UserProfile.LoginName]
}

func creatorUserID(r *http.Request) (tailcfg.UserID, error) {
	c := r.URL.Query().Get("creator")
	if c == "" {
		return 0, nil
	}
	if c == "anon" || c == "anonymous" {
		return -1, nil
	}
	id, err := strconv.ParseUint(c, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad creator: %v", err)
	}
	if id == 0 {
		return 0, errors.New("invalid creator")
	}
	return tailcfg.UserID(id), nil
}

func (s *battleServer) serveAPIBackground(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("api-background", 1)
	switch r.Method {
	case "GET":
		s.serveAPIBackgroundGet(w, r)
	case "POST":
		s.serveAPIBackgroundPost(w, r)
	case "DELETE":
		s.serveAPIBackgroundDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *battleServer) serveAPIBackgroundGet(w http.ResponseWriter, r *http.Request) {
	b, ok, err := getSingleFromIDInPath(r.URL.Path, "api/background", s.db.Background)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if ok {
		writeJSON(w, b)
		return
	}

	// If a creator parameter is set, filter to backgrounds matching that user
	// ID. As a special case, "anon" or "anonymous" selects unattributed ones.
	uid, err := creatorUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var all []*tbattle.Background
	if uid == 0 {
		all = s.db.Backgrounds()
	} else {
		all = s.db.BackgroundsByCreator(uid)
	}
	total := len(all)

	page, count, err := parsePageOptions(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		B []*tbattle.Background `json:"backgrounds"`
		N int                   `json:"total"`
	}{B: slicePage(all, page, count), N: total})
}

// backgroundExts are the accepted file extensions for background uploads.
var backgroundExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true,
}

func (s *battleServer) serveAPIBackgroundPost(w http.ResponseWriter, r *http.Request) {
	whois := s.checkAccess(w, r, "create backgrounds")
	if whois == nil {
		return // error already sent
	}

	b := &tbattle.Background{
		Name:    r.FormValue("name"),
		Creator: whois.UserProfile.ID,
	}
	if anon := r.FormValue("anon"); anon != "" {
		anonBool, err := strconv.ParseBool(anon)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if anonBool {
			if !s.allowAnonymous {
				http.Error(w, "anonymous backgrounds not allowed", http.StatusForbidden)
				return
			}
			b.Creator = -1
		}
	}

	img, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer img.Close()
	if header.Size > s.maxImageSize {
		http.Error(w, "image too large", http.StatusBadRequest)
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !backgroundExts[ext] {
		http.Error(w, "invalid image format", http.StatusBadRequest)
		return
	}
	if b.Name == "" {
		b.Name = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}
	imageConfig, _, err := image.DecodeConfig(img)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if imageConfig.Width <= 0 || imageConfig.Height <= 0 {
		http.Error(w, "empty image", http.StatusBadRequest)
		return
	}
	b.Width = imageConfig.Width
	b.Height = imageConfig.Height
	if _, err := img.Seek(0, io.SeekStart); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	etagHash := sha256.New()
	if err := s.db.AddBackground(b, ext, newHashPipe(img, etagHash)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.imageFileEtags.Store(b.Path, formatEtag(etagHash))
	writeJSON(w, b)
}

func (s *battleServer) serveAPIBackgroundDelete(w http.ResponseWriter, r *http.Request) {
	whois := s.checkAccess(w, r, "delete backgrounds")
	if whois == nil {
		return // error already sent
	}

	b, ok, err := getSingleFromIDInPath(r.URL.Path, "api/background", s.db.Background)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if !ok {
		http.Error(w, "missing background ID", http.StatusBadRequest)
		return
	}
	if !s.canDelete(whois, b.Creator) {
		http.Error(w, "permission denied", http.StatusUnauthorized)
		return
	}

	// Effects made from a background continue to render after it is hidden.
	if err := s.db.SetBackgroundHidden(b.ID, true); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, b)
}

func (s *battleServer) serveAPIEffect(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("api-effect", 1)
	switch r.Method {
	case "GET":
		s.serveAPIEffectGet(w, r)
	case "POST":
		s.serveAPIEffectPost(w, r)
	case "DELETE":
		s.serveAPIEffectDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *battleServer) serveAPIEffectGet(w http.ResponseWriter, r *http.Request) {
	e, ok, err := getSingleFromIDInPath(r.URL.Path, "api/effect", s.db.Effect)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if ok {
		writeJSON(w, e)
		return
	}

	uid, err := creatorUserID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var all []*tbattle.Effect
	if uid == 0 {
		all = s.db.Effects()
	} else {
		all = s.db.EffectsByCreator(uid)
	}
	total := len(all)

	if err := sortEffects(r.FormValue("sort"), all); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, count, err := parsePageOptions(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		E []*tbattle.Effect `json:"effects"`
		N int               `json:"total"`
	}{E: slicePage(all, page, count), N: total})
}

// effectRequest is the body of a request to create an effect. If Preset is
// set, it replaces the parameters of the effect.
type effectRequest struct {
	tbattle.Effect
	Preset string `json:"preset,omitempty"`
}

func (s *battleServer) serveAPIEffectPost(w http.ResponseWriter, r *http.Request) {
	whois := s.checkAccess(w, r, "create effects")
	if whois == nil {
		return // error already sent
	}

	var req effectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e := &req.Effect
	if req.Preset != "" {
		p, ok := s.presets.Lookup(req.Preset)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown preset %q", req.Preset), http.StatusBadRequest)
			return
		}
		e.Params = p
	}
	if err := e.ValidForCreate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// If the creator is negative, treat the effect as anonymous. Otherwise
	// the creator must be unset (zero).
	if e.Creator == 0 {
		e.Creator = whois.UserProfile.ID
	} else {
		if !s.allowAnonymous {
			http.Error(w, "anonymous effects not allowed", http.StatusForbidden)
			return
		}
		e.Creator = -1 // normalize anonymous to -1
	}

	if err := s.db.AddEffect(e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, e)
}

func (s *battleServer) serveAPIEffectDelete(w http.ResponseWriter, r *http.Request) {
	whois := s.checkAccess(w, r, "delete effects")
	if whois == nil {
		return // error already sent
	}

	e, ok, err := getSingleFromIDInPath(r.URL.Path, "api/effect", s.db.Effect)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if !ok {
		http.Error(w, "missing effect ID", http.StatusBadRequest)
		return
	}
	if !s.canDelete(whois, e.Creator) {
		http.Error(w, "permission denied", http.StatusUnauthorized)
		return
	}
	if cachePath, err := s.db.CachePath(e); err == nil {
		s.imageFileEtags.Delete(cachePath)
	}
	if err := s.db.DeleteEffect(e.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, e)
}

type namedPreset struct {
	Name   string         `json:"name"`
	Params tbattle.Params `json:"params"`
}

func (s *battleServer) serveAPIPreset(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("api-preset", 1)
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if name, ok := strings.CutPrefix(r.URL.Path, "/api/preset/"); ok && name != "" {
		p, ok := s.presets.Lookup(name)
		if !ok {
			http.Error(w, fmt.Sprintf("preset %q not found", name), http.StatusNotFound)
			return
		}
		writeJSON(w, namedPreset{Name: strings.ToLower(strings.TrimSpace(name)), Params: p})
		return
	}
	names := s.presets.Names()
	all := make([]namedPreset, len(names))
	for i, n := range names {
		all[i] = namedPreset{Name: n, Params: s.presets[n]}
	}
	writeJSON(w, struct {
		P []namedPreset `json:"presets"`
	}{P: all})
}

// rowWave describes how one output row of a frame is produced.
type rowWave struct {
	Y           int `json:"y"`
	Offset      int `json:"offset"`
	StartColumn int `json:"startColumn"`
	SourceRow   int `json:"sourceRow"`
}

// waveRows computes the wave for every row of a frame with the given height.
func waveRows(p tbattle.Params, height, tick int) []rowWave {
	rows := make([]rowWave, height)
	for y := range rows {
		off := distort.Offset(p, y, tick)
		rows[y] = rowWave{
			Y:           y,
			Offset:      off,
			StartColumn: distort.StartColumn(p, y, off),
			SourceRow:   distort.SourceRow(p, y, off, height),
		}
	}
	return rows
}

// parseTick parses the "tick" query parameter, which defaults to 0.
func parseTick(r *http.Request) (int, error) {
	v := r.FormValue("tick")
	if v == "" {
		return 0, nil
	}
	tick, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid tick: %w", err)
	}
	return tick, nil
}

func (s *battleServer) serveAPIOffsets(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("api-offsets", 1)
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	e, ok, err := getSingleFromIDInPath(r.URL.Path, "api/offsets", s.db.Effect)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if !ok {
		http.Error(w, "missing effect ID", http.StatusBadRequest)
		return
	}
	b, err := s.db.AnyBackground(e.BackgroundID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tick, err := parseTick(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		ID   int            `json:"effectID"`
		Tick int            `json:"tick"`
		P    tbattle.Params `json:"params"`
		Rows []rowWave      `json:"rows"`
	}{ID: e.ID, Tick: tick, P: e.Params, Rows: waveRows(e.Params, b.Height, tick)})
}
