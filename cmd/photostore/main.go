package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/photostore/pkg/auth"
	"github.com/jacktea/photostore/pkg/blob"
	"github.com/jacktea/photostore/pkg/cache"
	"github.com/jacktea/photostore/pkg/entity"
	"github.com/jacktea/photostore/pkg/gallery"
	"github.com/jacktea/photostore/pkg/gc"
	"github.com/jacktea/photostore/pkg/server/webapi"
)

type app struct {
	store    entity.Store
	blobs    blob.Store
	repo     *gallery.Repository
	detector *gallery.Detector
	uploader *gallery.Uploader
	log      zerolog.Logger
	cleanup  func()
}

func (a *app) ensureServices() error {
	if a.store != nil {
		return nil
	}
	a.log = buildLogger()

	store, closeStore, err := buildEntityStore(viper.GetString("meta"))
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}

	blobs, err := buildBlobStore(viper.GetString("storage_provider"), storageOptions{
		Root:      viper.GetString("root"),
		BaseURL:   viper.GetString("base_url"),
		Endpoint:  viper.GetString("storage_endpoint"),
		Bucket:    viper.GetString("storage_bucket"),
		AccessKey: viper.GetString("storage_access_key"),
		SecretKey: viper.GetString("storage_secret_key"),
		UseSSL:    viper.GetBool("storage_use_ssl"),
	})
	if err != nil {
		if closeStore != nil {
			closeStore()
		}
		return fmt.Errorf("storage config: %w", err)
	}

	granularity := gallery.Granularity(viper.GetString("dedup_granularity"))
	switch granularity {
	case gallery.GranularityGallery, gallery.GranularityOwner:
	default:
		if closeStore != nil {
			closeStore()
		}
		return fmt.Errorf("invalid dedup granularity %q", granularity)
	}
	mode := gallery.Mode(viper.GetString("dedup_mode"))
	switch mode {
	case gallery.ModeRelaxed, gallery.ModeStrict:
	default:
		if closeStore != nil {
			closeStore()
		}
		return fmt.Errorf("invalid dedup mode %q", mode)
	}

	a.store = store
	a.blobs = blobs
	a.repo = gallery.NewRepository(store, gallery.RepositoryConfig{
		CascadeDelete: viper.GetBool("cascade_delete"),
	})
	a.detector = gallery.NewDetector(store, granularity)
	a.uploader = gallery.NewUploader(store, blobs, a.detector, mode)
	a.cleanup = closeStore
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "photostore",
		Short:         "photostore gallery service CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureServices()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("photostore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "photostore"))
		}
	}
	viper.SetEnvPrefix("PHOTOSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("meta", ".photostore/meta.db", "path to the metadata database (\"memory\" for in-memory)")

	rootCmd.PersistentFlags().String("storage-provider", "local", "blob storage provider: local|s3")
	rootCmd.PersistentFlags().String("root", ".photostore/blobs", "blob storage root (local provider)")
	rootCmd.PersistentFlags().String("base-url", "http://localhost:8080/blobs", "public URL prefix for local blobs")
	rootCmd.PersistentFlags().String("storage-endpoint", "", "S3 endpoint")
	rootCmd.PersistentFlags().String("storage-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("storage-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().String("storage-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().Bool("storage-use-ssl", true, "use TLS for the S3 endpoint")

	rootCmd.PersistentFlags().String("dedup-granularity", "gallery", "duplicate scope: gallery|owner")
	rootCmd.PersistentFlags().String("dedup-mode", "relaxed", "duplicate check consistency: relaxed|strict")
	rootCmd.PersistentFlags().Bool("cascade-delete", false, "deleting a gallery also deletes its images")

	rootCmd.PersistentFlags().String("log-level", "info", "log level: trace|debug|info|warn|error")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable log output")

	bindConfig("meta", rootCmd.PersistentFlags().Lookup("meta"))
	bindConfig("storage_provider", rootCmd.PersistentFlags().Lookup("storage-provider"))
	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("base_url", rootCmd.PersistentFlags().Lookup("base-url"))
	bindConfig("storage_endpoint", rootCmd.PersistentFlags().Lookup("storage-endpoint"))
	bindConfig("storage_bucket", rootCmd.PersistentFlags().Lookup("storage-bucket"))
	bindConfig("storage_access_key", rootCmd.PersistentFlags().Lookup("storage-access-key"))
	bindConfig("storage_secret_key", rootCmd.PersistentFlags().Lookup("storage-secret-key"))
	bindConfig("storage_use_ssl", rootCmd.PersistentFlags().Lookup("storage-use-ssl"))
	bindConfig("dedup_granularity", rootCmd.PersistentFlags().Lookup("dedup-granularity"))
	bindConfig("dedup_mode", rootCmd.PersistentFlags().Lookup("dedup-mode"))
	bindConfig("cascade_delete", rootCmd.PersistentFlags().Lookup("cascade-delete"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindConfig("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newDuplicatesCmd(),
		newGCCmd(),
	)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gallery HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := buildVerifier(cmd.Context())
			if err != nil {
				return err
			}
			server := webapi.NewServer(webapi.Config{
				Addr:           viper.GetString("serve.addr"),
				AllowedOrigins: viper.GetStringSlice("serve.allowed_origins"),
				RateLimit:      viper.GetInt("serve.rate_limit"),
				RateWindow:     viper.GetDuration("serve.rate_window"),
				MaxUploadBytes: viper.GetInt64("serve.max_upload_mb") << 20,
			}, application.repo, application.uploader, application.detector, application.blobs, verifier, application.log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if interval := viper.GetDuration("gc.interval"); interval > 0 {
				sweeper := gc.NewSweeper(gc.Options{
					Images: application.repo,
					Blob:   application.blobs,
					Grace:  viper.GetDuration("gc.grace"),
					Logger: application.log,
				})
				cancel := sweeper.Start(ctx, interval)
				defer cancel()
			}

			err = server.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins (empty disables CORS)")
	cmd.Flags().Int("rate-limit", 0, "max requests per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	cmd.Flags().Int64("max-upload-mb", 32, "maximum upload size in MiB")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.allowed_origins", cmd.Flags().Lookup("allowed-origins"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.max_upload_mb", cmd.Flags().Lookup("max-upload-mb"))

	cmd.Flags().String("auth-issuer", "", "OIDC issuer URL")
	cmd.Flags().String("auth-client-id", "", "OIDC client ID")
	cmd.Flags().Duration("auth-cache-ttl", 5*time.Minute, "verified token cache TTL (0 disables caching)")
	cmd.Flags().StringToString("auth-static-tokens", nil, "static token=subject pairs (development only)")
	bindConfig("auth.issuer", cmd.Flags().Lookup("auth-issuer"))
	bindConfig("auth.client_id", cmd.Flags().Lookup("auth-client-id"))
	bindConfig("auth.cache_ttl", cmd.Flags().Lookup("auth-cache-ttl"))
	bindConfig("auth.static_tokens", cmd.Flags().Lookup("auth-static-tokens"))

	cmd.Flags().Duration("gc-interval", 0, "orphan blob sweep interval (0 disables)")
	cmd.Flags().Duration("gc-grace", time.Hour, "how long a blob must stay unreferenced before deletion")
	bindConfig("gc.interval", cmd.Flags().Lookup("gc-interval"))
	bindConfig("gc.grace", cmd.Flags().Lookup("gc-grace"))
	return cmd
}

func newDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates <owner>",
		Short: "List duplicate image groups for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := application.detector.Survey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("no duplicates")
				return nil
			}
			for _, group := range groups {
				fmt.Printf("%s (%d images)\n", group.Digest, len(group.Members))
				for _, img := range group.Members {
					fmt.Printf("  gallery %d image %d %s\n", img.GalleryID, img.ID, img.URL)
				}
			}
			return nil
		},
	}
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete unreferenced blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := gc.NewSweeper(gc.Options{
				Images: application.repo,
				Blob:   application.blobs,
				Grace:  viper.GetDuration("gc.grace"),
				Logger: application.log,
			})
			// A one-shot run sweeps twice: the first pass records
			// candidates, the second deletes those past the grace window.
			if _, err := sweeper.Sweep(cmd.Context()); err != nil {
				return err
			}
			deleted, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d blobs\n", deleted)
			return nil
		},
	}
	cmd.Flags().Duration("grace", 0, "how long a blob must stay unreferenced before deletion")
	bindConfig("gc.grace", cmd.Flags().Lookup("grace"))
	return cmd
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if viper.GetBool("log_pretty") {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}

func buildEntityStore(path string) (entity.Store, func(), error) {
	if path == "" || path == "memory" {
		return entity.NewMemoryStore(), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	store, err := entity.NewBoltStore(entity.BoltConfig{Path: path})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

type storageOptions struct {
	Root      string
	BaseURL   string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func buildBlobStore(provider string, opts storageOptions) (blob.Store, error) {
	switch provider {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires a root directory")
		}
		if err := os.MkdirAll(opts.Root, 0o755); err != nil {
			return nil, err
		}
		return blob.NewPathStore(osfs.New(opts.Root), opts.BaseURL)
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("s3 storage requires endpoint, bucket and credentials")
		}
		return blob.NewS3Store(blob.S3Config{
			Endpoint:  opts.Endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			Bucket:    opts.Bucket,
			UseSSL:    opts.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// buildVerifier prefers the OIDC issuer; static tokens are a development
// fallback and refuse to coexist with it.
func buildVerifier(ctx context.Context) (auth.Verifier, error) {
	issuer := viper.GetString("auth.issuer")
	static := viper.GetStringMapString("auth.static_tokens")
	switch {
	case issuer != "" && len(static) > 0:
		return nil, errors.New("auth: configure either an OIDC issuer or static tokens, not both")
	case issuer != "":
		verifier, err := auth.NewOIDCVerifier(ctx, issuer, viper.GetString("auth.client_id"))
		if err != nil {
			return nil, err
		}
		if ttl := viper.GetDuration("auth.cache_ttl"); ttl > 0 {
			return auth.NewCachedVerifier(verifier, cache.New(4096, ttl)), nil
		}
		return verifier, nil
	case len(static) > 0:
		tokens := make(map[string]auth.Claims, len(static))
		for token, subject := range static {
			tokens[token] = auth.Claims{Subject: subject, Email: subject + "@localhost"}
		}
		return auth.NewStaticVerifier(tokens), nil
	default:
		return nil, errors.New("auth: no OIDC issuer or static tokens configured")
	}
}
