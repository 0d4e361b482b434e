// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Program tbattle is a battle background server that runs as a node on a
// tailnet. It exposes an API service to upload static background images and
// to share animated, wave-distorted renderings of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tailscale/tbattle"
	"github.com/tailscale/tbattle/render"
	"github.com/tailscale/tbattle/store"
	"tailscale.com/tsnet"
	"tailscale.com/tsweb"
	"tailscale.com/types/logger"

	_ "modernc.org/sqlite"
)

// Flag definitions
var (
	doVerbose = flag.Bool("v", false, "Enable verbose debug logging")

	// Users with administrative ("super-user") powers. By default, only the
	// user who created a background or effect can delete it. Marking a user as
	// an admin gives them permission to delete any of them.
	adminUsers = flag.String("admin", "",
		"Users with admin rights (comma-separated logins: user@example.com)")

	// If this flag is set true, users are allowed to post unattributed
	// ("anonymous") backgrounds and effects. The server will not record their
	// user ID in its database.
	allowAnonymous = flag.Bool("allow-anonymous", true, "allow anonymous uploads")

	hostName = flag.String("hostname", "tbattle",
		"The tailscale hostname to use for the server")

	maxImageSize = flag.Int64("max-image-size", 4,
		"Maximum background image size in MiB")

	// The data directory where the server will store its images, caches, and
	// the database of effect definitions.
	storeDir = flag.String("store", "/tmp/tbattle", "Storage directory (required)")

	// Effects are rendered on the fly and cached. The server periodically
	// cleans up cached renderings that have not been accessed for some period
	// of time, once the cache exceeds a size threshold.
	maxAccessAge = flag.Duration("cache-max-access-age", 24*time.Hour,
		"How long after last access a cached effect is eligible for cleanup")
	minPruneMiB = flag.Int64("cache-min-prune-mib", 512,
		"Minimum size of effect cache in MiB to trigger a cleanup")
	cacheSeed = flag.String("cache-seed", "",
		"Hash seed used to generate cache keys")

	presetsFile = flag.String("presets", "",
		"YAML file of named distortion presets (merged over the built-ins)")
	renderWorkers = flag.Int("render-workers", 0,
		"Frames to post-process concurrently when rendering (0 means one per CPU)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: [TS_AUTHKEY=k] %[1]s <options>

Run a battle background service as a node on a tailnet. The service listens
for HTTP requests (not HTTPS) on port 80.

The first time you start %[1]s, you must authenticate its node on the tailnet
you want it to join. To do this, generate an auth key [1] and pass it in via
the TS_AUTHKEY environment variable:

  TS_AUTHKEY=tskey-auth-k______CNTRL-aBC0d1efG2h34iJkLM5nO6pqr7stUV8w9 %[1]s

Once the node is authorized, you can just run the program itself. The server
runs until terminated by SIGINT or SIGTERM.

[1]: https://tailscale.com/kb/1085/auth-keys/

Options:
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func loadPresets(path string) (tbattle.Presets, error) {
	if path == "" {
		return tbattle.DefaultPresets(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return tbattle.ParsePresets(data)
}

func main() {
	flag.Parse()
	if *storeDir == "" {
		log.Fatal("You must provide a non-empty --store directory")
	} else if *maxImageSize <= 0 {
		log.Fatal("The -max-image-size must be positive")
	}

	presets, err := loadPresets(*presetsFile)
	if err != nil {
		log.Fatalf("Loading presets: %v", err)
	}
	log.Printf("Loaded %d presets", len(presets))

	db, err := store.New(*storeDir, &store.Options{
		MaxAccessAge:  *maxAccessAge,
		MinPruneBytes: *minPruneMiB << 20,
	})
	if err != nil {
		log.Fatalf("Opening store: %v", err)
	} else if *cacheSeed != "" {
		err := db.SetCacheSeed(*cacheSeed)
		if err != nil {
			log.Fatalf("Setting cache seed: %v", err)
		}
	}
	defer db.Close()

	logf := logger.Discard
	if *doVerbose {
		logf = log.Printf
	}
	s := &tsnet.Server{
		Hostname: *hostName,
		Dir:      filepath.Join(*storeDir, "tsnet"),
		Logf:     logf,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Print("Signal received, stopping server...")
		s.Close()
	}()

	ln, err := s.Listen("tcp", ":80")
	if err != nil {
		log.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	lc, err := s.LocalClient()
	if err != nil {
		log.Fatalf("LocalClient: %v", err)
	}

	bs := &battleServer{
		db:             db,
		whois:          lc,
		presets:        presets,
		allowAnonymous: *allowAnonymous,
		maxImageSize:   *maxImageSize << 20,
		renderOpts: &render.Options{
			Logf:    log.Printf,
			Workers: *renderWorkers,
		},
	}
	bs.setAdmins(*adminUsers)
	if err := bs.preloadEtags(); err != nil {
		log.Fatalf("Preloading etags: %v", err)
	}
	if err := startDebugServer(s); err != nil {
		log.Fatalf("Debug server: %v", err)
	}

	log.Print("it's alive!")
	http.Serve(ln, bs.newMux())
}

// startDebugServer serves the tsweb debug pages and metrics on port 8383 of
// the tailnet node.
func startDebugServer(ts *tsnet.Server) error {
	ln, err := ts.Listen("tcp", ":8383")
	if err != nil {
		return err
	}
	go func() {
		defer ln.Close()
		log.Print("Starting debug server on :8383")
		mux := http.NewServeMux()
		tsweb.Debugger(mux)
		http.Serve(ln, mux)
	}()
	return nil
}
