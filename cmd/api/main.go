package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/auth"
	"github.com/seanblong/coursebrief/internal/chat"
	"github.com/seanblong/coursebrief/internal/compress"
	"github.com/seanblong/coursebrief/internal/config"
	"github.com/seanblong/coursebrief/internal/crawler"
	"github.com/seanblong/coursebrief/internal/indexer"
	"github.com/seanblong/coursebrief/internal/scheduler"
	"github.com/seanblong/coursebrief/internal/sessions"
	"github.com/seanblong/coursebrief/internal/store"
	"github.com/seanblong/coursebrief/internal/streamstore"
	"github.com/spf13/pflag"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type jobRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	Headless         bool   `json:"headless"`
	ReuseSessionOnly bool   `json:"reuse_session_only"`
	Test             bool   `json:"test"`
}

type chatRequest struct {
	Question       string   `json:"question"`
	PriorQuestions []string `json:"prior_questions"`
}

type autoscrapeRequest struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless"`
}

// logTailBytes bounds the log portion returned by the job detail endpoint.
const logTailBytes = 64 * 1024

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", 500)
	}
}

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("coursebrief-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting coursebrief api")

	// Create AI client configuration
	var clientConfig *ai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		clientConfig = &ai.ClientConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			EmbedModel:        cfg.EmbedModel,
			Dim:               cfg.Dim,
			RequestsPerSecond: float64(cfg.Rps),
			Provider:          ai.ProviderOpenAI,
		}
	case "vertexai", "google":
		clientConfig = &ai.ClientConfig{
			APIKey:            cfg.APIKey,
			EmbedModel:        cfg.EmbedModel,
			Dim:               cfg.Dim,
			ProjectID:         cfg.ProjectID,
			Location:          cfg.Location,
			RequestsPerSecond: float64(cfg.Rps),
			Provider:          ai.ProviderVertexAI,
		}
	case "stub":
		clientConfig = &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}
	default:
		log.Fatalf("unsupported provider: %s", cfg.Provider)
	}

	// Initialize auth with configuration
	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}

	// Use the AI client's dimension for database migration
	dim := c.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	if err := st.Migrate(ctx, dim); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	layout, err := streamstore.NewLayout(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to prepare data directory: %v", err)
	}
	sess, err := sessions.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to prepare session directory: %v", err)
	}

	comp := &compress.Compressor{
		Client:             c,
		Model:              cfg.ChatModel,
		BlockTokens:        cfg.BlockTokens,
		TargetCorpusTokens: cfg.TargetCorpusTokens,
	}
	ix := indexer.New(c, st, cfg.EmbedModel)
	if cfg.RetrievalChunkSize > 0 {
		ix.ChunkTokens = cfg.RetrievalChunkSize
	}
	chatSvc := chat.New(c, st, cfg.ChatModel)
	chatSvc.TopK = cfg.RetrievalTopK
	chatSvc.ContextTokens = cfg.ChatContextTokens

	runner := &scheduler.Runner{
		Store:               st,
		Slot:                scheduler.NewSlot(),
		Layout:              layout,
		Sessions:            sess,
		Crawler:             &crawler.ExecCrawler{Command: cfg.CrawlerCommand},
		Compressor:          comp,
		Indexer:             ix,
		Logger:              logger,
		FinalTruncate:       cfg.FinalTruncate,
		SummarizeOverTokens: scheduler.DefaultSummarizeOverTokens,
	}

	// Jobs interrupted by a previous shutdown restart from scratch.
	if err := runner.RecoverInterrupted(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to recover interrupted jobs")
	}
	if cfg.RunScheduler {
		go runner.AutoScrapeLoop(ctx)
	}

	// Without auth every request acts as one shared local account.
	defaultUserID := 0
	if !auth.IsAuthEnabled() {
		u, err := st.GetUserByUsername(ctx, "local")
		if err != nil {
			log.Fatalf("Failed to look up local user: %v", err)
		}
		if u == nil {
			if u, err = st.CreateUser(ctx, "local", ""); err != nil {
				log.Fatalf("Failed to create local user: %v", err)
			}
		}
		defaultUserID = u.ID
	}
	userID := func(r *http.Request) int {
		if id := auth.GetUserFromContext(r); id != nil {
			return id.UserID
		}
		return defaultUserID
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// Auth status endpoint (always available)
	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"enabled": auth.IsAuthEnabled()})
	})

	// Account endpoints (only if auth is enabled)
	if auth.IsAuthEnabled() {
		log.Println("Authentication is ENABLED")

		mux.HandleFunc("/auth/signup", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var creds credentials
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			creds.Username = strings.TrimSpace(creds.Username)
			if creds.Username == "" || creds.Password == "" {
				http.Error(w, "username and password are required", http.StatusBadRequest)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if existing, err := st.GetUserByUsername(ctx, creds.Username); err != nil {
				http.Error(w, err.Error(), 500)
				return
			} else if existing != nil {
				http.Error(w, "username already taken", http.StatusConflict)
				return
			}

			hash, err := auth.HashPassword(creds.Password)
			if err != nil {
				http.Error(w, "Failed to hash password", 500)
				return
			}
			user, err := st.CreateUser(ctx, creds.Username, hash)
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}

			token, err := auth.GenerateJWT(&auth.Identity{UserID: user.ID, Username: user.Username})
			if err != nil {
				http.Error(w, "Failed to generate token", http.StatusInternalServerError)
				return
			}
			setAuthCookie(w, r, token)
			writeJSON(w, map[string]any{"user": user, "token": token})
		})

		mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var creds credentials
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			user, err := st.GetUserByUsername(ctx, strings.TrimSpace(creds.Username))
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			if user == nil || !auth.CheckPassword(user.PasswordHash, creds.Password) {
				http.Error(w, "invalid username or password", http.StatusUnauthorized)
				return
			}

			token, err := auth.GenerateJWT(&auth.Identity{UserID: user.ID, Username: user.Username})
			if err != nil {
				http.Error(w, "Failed to generate token", http.StatusInternalServerError)
				return
			}
			setAuthCookie(w, r, token)
			writeJSON(w, map[string]any{"user": user, "token": token})
		})

		mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			// Extract token from Authorization header or cookie
			var tokenString string

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
				tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			} else {
				if cookie, err := r.Cookie("auth_token"); err == nil {
					tokenString = cookie.Value
				}
			}

			if tokenString == "" {
				http.Error(w, "No authentication token", http.StatusUnauthorized)
				return
			}

			id, err := auth.ValidateJWT(tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			writeJSON(w, id)
		})

		mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			// Clear cookie
			http.SetCookie(w, &http.Cookie{
				Name:   "auth_token",
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})

			w.WriteHeader(http.StatusOK)
		})
	} else {
		log.Println("Authentication is DISABLED - running in open mode")
	}

	mux.HandleFunc("/jobs", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "POST":
			var jr jobRequest
			if err := json.NewDecoder(r.Body).Decode(&jr); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if !jr.Test && !jr.ReuseSessionOnly && (jr.Username == "" || jr.Password == "") {
				http.Error(w, "username and password are required unless reusing a session", http.StatusBadRequest)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			jb, err := runner.Enqueue(ctx, scheduler.Request{
				UserID:           userID(r),
				Username:         jr.Username,
				Password:         jr.Password,
				Headless:         jr.Headless,
				ReuseSessionOnly: jr.ReuseSessionOnly,
				Test:             jr.Test,
			})
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, jb)
		case "GET":
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					limit = n
				}
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			jobs, err := st.ListJobs(ctx, userID(r), limit)
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			writeJSON(w, jobs)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.HandleFunc("/jobs/", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, "/jobs/")
		rel = strings.TrimSuffix(rel, "/")
		jobID := rel
		wantStream, wantDuo := false, false
		switch {
		case strings.HasSuffix(rel, "/stream"):
			jobID = strings.TrimSuffix(rel, "/stream")
			wantStream = true
		case strings.HasSuffix(rel, "/duo"):
			jobID = strings.TrimSuffix(rel, "/duo")
			wantDuo = true
		}
		if jobID == "" || strings.Contains(jobID, "/") {
			http.NotFound(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		jb, err := st.GetJob(ctx, jobID)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if jb == nil || jb.UserID != userID(r) {
			http.NotFound(w, r)
			return
		}

		if wantDuo {
			writeJSON(w, map[string]string{"duo_code": jb.DuoCode})
			return
		}

		if wantStream {
			stream := layout.CompressedStream(jb.UserID, jb.ID)
			if !stream.Exists() {
				http.Error(w, "no compressed stream for this job", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			http.ServeFile(w, r, stream.Path())
			return
		}

		logText, err := layout.JobLog(jb.ID).Read()
		if err != nil && !os.IsNotExist(err) {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, map[string]any{
			"job": jb,
			"log": tail(logText, logTailBytes),
		})
	}))

	mux.HandleFunc("/chat", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		start := time.Now()
		var cr chatRequest
		if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(cr.Question) == "" {
			http.Error(w, "question is required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		answer, err := chatSvc.Answer(ctx, userID(r), cr.Question, cr.PriorQuestions)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, map[string]string{"answer": answer})

		hlog.FromRequest(r).Info().Str("path", "/chat").Dur("dur", time.Since(start)).Msg("served")
	}))

	mux.HandleFunc("/autoscrape", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		switch r.Method {
		case "GET":
			sched, err := st.GetAutoScrape(ctx, userID(r))
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			writeJSON(w, sched)
		case "POST":
			var ar autoscrapeRequest
			if err := json.NewDecoder(r.Body).Decode(&ar); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := st.SetAutoScrapeEnabled(ctx, userID(r), ar.Enabled, ar.Headless, time.Now()); err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			sched, err := st.GetAutoScrape(ctx, userID(r))
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			writeJSON(w, sched)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func setAuthCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		MaxAge:   86400, // 24 hours
		HttpOnly: true,
		Secure:   strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteLaxMode,
	})
}
