package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/haivivi/recserve/cmd/recserve/internal/config"
	"github.com/haivivi/recserve/pkg/ann"
	"github.com/haivivi/recserve/pkg/embstore"
	"github.com/haivivi/recserve/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the similarity query HTTP service",
	Long: `Run the HTTP service over the configured indexes.

Each index is served at /ann/<name> (POST for similarity queries, GET for
stored vector lookup) with its status at /status/<name>. Index bundles are
fetched from the configured store and refreshed when the store's
last-modified time advances.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.Load(cfgFile)
}

// newFileStore builds the bundle store from configuration.
func newFileStore(ctx context.Context, cfg config.StoreConfig) (storage.FileStore, error) {
	if cfg.Local != "" {
		return storage.NewLocal(cfg.Local)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = &cfg.S3.Endpoint
			o.UsePathStyle = true
		}
	})
	return storage.NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
}

// newEmbeddingStore builds the OOI embedding table, or returns nil when no
// index asks for one.
func newEmbeddingStore(cfg *config.Config) (embstore.Store, error) {
	needed := false
	for _, idx := range cfg.Indexes {
		for _, strategy := range idx.OOI {
			if strategy == config.OOITable {
				needed = true
			}
		}
	}
	if !needed {
		return nil, nil
	}
	return embstore.NewBadger(embstore.BadgerOptions{
		Dir:      cfg.Embeddings.BadgerDir,
		InMemory: cfg.Embeddings.InMemory,
	})
}

// buildHandles creates one handle per configured index, then wires the
// fallback and OOI references in a second pass so forward references work.
func buildHandles(cfg *config.Config, store storage.FileStore, table embstore.Store, log *slog.Logger) (map[string]*ann.Handle, error) {
	handles := make(map[string]*ann.Handle, len(cfg.Indexes))
	for _, idx := range cfg.Indexes {
		h, err := ann.NewHandle(ann.Config{
			Name:          idx.Name,
			Store:         store,
			Source:        idx.Source,
			CacheDir:      filepath.Join(cfg.CacheDir, idx.Name),
			CheckInterval: idx.CheckInterval.Std(),
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("index %q: %w", idx.Name, err)
		}
		handles[idx.Name] = h
	}

	for _, idx := range cfg.Indexes {
		h := handles[idx.Name]
		var sources []ann.VectorSource
		for _, strategy := range idx.OOI {
			if peer, ok := config.PeerName(strategy); ok {
				sources = append(sources, ann.PeerSource{Handle: handles[peer]})
				continue
			}
			sources = append(sources, ann.TableSource{Store: table})
		}
		h.SetOOI(sources)
		if idx.Fallback != "" {
			if err := h.SetFallback(handles[idx.Fallback]); err != nil {
				return nil, err
			}
		}
	}
	return handles, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	store, err := newFileStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	table, err := newEmbeddingStore(cfg)
	if err != nil {
		return err
	}
	if table != nil {
		defer table.Close()
	}

	handles, err := buildHandles(cfg, store, table, log)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	for name, h := range handles {
		srv := ann.NewServer(h, ann.ServerConfig{Strict: cfg.Strict, Logger: log})
		mux.Handle("/ann/"+name, srv)
		mux.Handle("/status/"+name, srv.StatusHandler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Warm every index before accepting traffic; a failed load is not
	// fatal, the first query retries it.
	for _, idx := range cfg.Indexes {
		if err := handles[idx.Name].Load(ctx); err != nil {
			log.Warn("initial load failed", "index", idx.Name, "error", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen, "indexes", len(handles), "strict", cfg.Strict)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
