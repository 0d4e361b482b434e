// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/tbattle"
	"github.com/tailscale/tbattle/render"
)

// parseContentID parses a path of the form prefix + "id" or prefix + "id.ext".
func parseContentID(path, prefix string) (id int, ext string, err error) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return 0, "", fmt.Errorf("missing id")
	}
	ext = filepath.Ext(rest)
	id, err = strconv.Atoi(strings.TrimSuffix(rest, ext))
	if err != nil {
		return 0, "", fmt.Errorf("invalid id")
	}
	return id, ext, nil
}

func (s *battleServer) serveContentBackground(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("content-background", 1)
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ext, err := parseContentID(r.URL.Path, "/content/background/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.db.Background(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	// Require that the requested extension match how the file is stored.
	if ext != "" && !strings.HasSuffix(b.Path, ext) {
		http.Error(w, "wrong file extension", http.StatusBadRequest)
		return
	}
	s.serveFileCached(w, r, b.Path, 365*24*time.Hour)
}

func (s *battleServer) serveContentEffect(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("content-effect", 1)
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ext, err := parseContentID(r.URL.Path, "/content/effect/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ext != "" && ext != ".gif" {
		http.Error(w, "wrong file extension", http.StatusBadRequest)
		return
	}
	e, err := s.db.Effect(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	cachePath, err := s.db.CachePath(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.db.RecordView(e.ID); err != nil {
		log.Printf("WARNING: recording view of effect %d: %v (continuing)", e.ID, err)
	}

	if _, err := os.Stat(cachePath); err == nil {
		effectMetrics.Add("cache-hit", 1)
		s.serveFileCached(w, r, cachePath, 24*time.Hour)
		return
	} else {
		log.Printf("cache file %q not found, generating: %v", cachePath, err)
	}
	if _, err, reused := s.effectGenerationSingleFlight.Do(cachePath, func() (string, error) {
		effectMetrics.Add("cache-miss", 1)
		return cachePath, s.generateEffect(e, cachePath)
	}); err != nil {
		log.Printf("error generating effect %d: %v", e.ID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if reused {
		effectMetrics.Add("cache-reused", 1)
	}
	s.serveFileCached(w, r, cachePath, 24*time.Hour)
}

// serveContentStill serves a single frame of an effect as a PNG. The frame
// is chosen by the "tick" query parameter, and is not cached.
func (s *battleServer) serveContentStill(w http.ResponseWriter, r *http.Request) {
	serveMetrics.Add("content-still", 1)
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ext, err := parseContentID(r.URL.Path, "/content/still/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ext != "" && ext != ".png" {
		http.Error(w, "wrong file extension", http.StatusBadRequest)
		return
	}
	tick, err := parseTick(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.db.Effect(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	src, err := s.loadBackground(e.BackgroundID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	img, err := render.Still(src, e.Params, tick, e.ScaleFactor())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	effectMetrics.Add("generate-still", 1)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(buf.Bytes())
}

func (s *battleServer) serveFileCached(w http.ResponseWriter, r *http.Request, path string, maxAge time.Duration) {
	w.Header().Set("Cache-Control", fmt.Sprintf(
		"public, max-age=%d, no-transform", maxAge/time.Second))
	if tag, ok := s.imageFileEtags.Load(path); ok {
		w.Header().Set("Etag", tag.(string))
	}
	http.ServeFile(w, r, path)
}

// loadBackground decodes the image of the specified background. Hidden
// backgrounds are included.
func (s *battleServer) loadBackground(id int) (image.Image, error) {
	path, err := s.db.BackgroundPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode background %d: %w", id, err)
	}
	return img, nil
}

// generateEffect renders e as an animated GIF and writes it to cachePath.
func (s *battleServer) generateEffect(e *tbattle.Effect, cachePath string) (retErr error) {
	effectMetrics.Add("generate-gif", 1)
	log.Printf("generating GIF for effect %d", e.ID)
	start := time.Now()
	defer func() {
		if retErr != nil {
			log.Printf("error generating GIF for effect %d: %v", e.ID, retErr)
		} else {
			log.Printf("generated GIF for effect %d in %v", e.ID, time.Since(start).Round(time.Millisecond))
		}
	}()

	src, err := s.loadBackground(e.BackgroundID)
	if err != nil {
		return err
	}
	g, err := render.GIF(src, e, s.renderOpts)
	if err != nil {
		return err
	}

	// Write to a temporary file and move it into place, so that a concurrent
	// reader never sees a partially written GIF at cachePath.
	dstFile, err := os.CreateTemp(filepath.Dir(cachePath), ".tmp-"+filepath.Base(cachePath)+"-*")
	if err != nil {
		return err
	}
	tmpPath := dstFile.Name()
	etagHash := sha256.New()
	dst := io.MultiWriter(etagHash, dstFile)
	defer func() {
		if retErr != nil {
			dstFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := gif.EncodeAll(dst, g); err != nil {
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	s.imageFileEtags.Store(cachePath, formatEtag(etagHash))
	return os.Rename(tmpPath, cachePath)
}
