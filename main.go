package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-initialsync-mongodb/config"
	"github.com/percona/percona-initialsync-mongodb/errors"
	"github.com/percona/percona-initialsync-mongodb/isync"
	"github.com/percona/percona-initialsync-mongodb/log"
	"github.com/percona/percona-initialsync-mongodb/metrics"
	"github.com/percona/percona-initialsync-mongodb/topo"
	"github.com/percona/percona-initialsync-mongodb/validate"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	MaxRequestSize          = humanize.MiByte
	ServerResponseTimeout   = 5 * time.Second
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.2.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "pims",
	Short: "Percona InitialSync for MongoDB",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.CalledAs() != "pims" || cmd.ArgsLenAtDash() != -1 {
			return nil
		}

		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		log.Ctx(cmd.Context()).Info("Percona InitialSync for MongoDB " + buildVersion())

		return runServer(cmd.Context(), cfg)
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

//nolint:gochecknoglobals
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the status of the initial sync",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Status(cmd.Context())
	},
}

//nolint:gochecknoglobals
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the initial sync",
	RunE: func(cmd *cobra.Command, _ []string) error {
		includeNamespaces, _ := cmd.Flags().GetStringSlice("include-namespaces")
		excludeNamespaces, _ := cmd.Flags().GetStringSlice("exclude-namespaces")

		startOptions := startRequest{
			IncludeNamespaces: includeNamespaces,
			ExcludeNamespaces: excludeNamespaces,
		}

		if cmd.Flags().Changed("sync-batch-size") {
			v, _ := cmd.Flags().GetInt("sync-batch-size")
			startOptions.BatchSize = &v
		}

		if cmd.Flags().Changed("sync-num-insert-workers") {
			v, _ := cmd.Flags().GetInt("sync-num-insert-workers")
			startOptions.NumInsertWorkers = &v
		}

		return NewClient(viper.GetInt("port")).Start(cmd.Context(), startOptions)
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output log in JSON format")
	rootCmd.PersistentFlags().Bool("log-no-color", false, "Disable log color")

	rootCmd.PersistentFlags().Int("port", config.DefaultServerPort, "Port number")
	rootCmd.Flags().String("source", "", "MongoDB connection string for the sync source")
	rootCmd.Flags().String("target", "", "MongoDB connection string for the target")

	rootCmd.Flags().Bool("start", false, "")
	rootCmd.Flags().MarkHidden("start") //nolint:errcheck

	// MongoDB client timeout (visible: commonly needed for debugging)
	rootCmd.PersistentFlags().String("mongodb-operation-timeout", config.DefaultMongoDBOperationTimeout.String(),
		"Timeout for MongoDB operations (e.g., 30s, 5m)")

	rootCmd.Flags().String("sync-allowed-outage", config.DefaultSyncAllowedOutage.String(),
		"How long a transient source outage may last before the sync fails")
	rootCmd.Flags().String("sync-retry-interval", config.DefaultSyncRetryInterval.String(), "")
	rootCmd.Flags().MarkHidden("sync-retry-interval") //nolint:errcheck

	startCmd.Flags().StringSlice("include-namespaces", nil,
		"Namespaces to include in the sync (e.g. db1.collection1,db2.*)")
	startCmd.Flags().StringSlice("exclude-namespaces", nil,
		"Namespaces to exclude from the sync (e.g. db3.collection3,db4.*)")

	startCmd.Flags().Int("sync-batch-size", 0,
		"Documents per copy cursor batch (0 = server default)")
	startCmd.Flags().Int("sync-num-insert-workers", 0,
		"Number of insert workers during the sync (0 = auto)")

	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		startCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		zerolog.Ctx(context.Background()).Fatal().Err(err).Msg("")
	}
}

// runServer starts the HTTP server with the provided configuration.
func runServer(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	srv, err := createServer(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "new server")
	}

	if cfg.Start && srv.isync.Status().State == isync.StateIdle {
		err = srv.isync.Start(ctx, &isync.StartOptions{})
		if err != nil {
			log.New("cli").Error(err, "Failed to start Initial Sync")
		}
	}

	go func() {
		<-ctx.Done()

		srv.Close(context.Background())
		os.Exit(0)
	}()

	port := cfg.Port
	if port == 0 {
		port = config.DefaultServerPort
	}

	addr := fmt.Sprintf("localhost:%d", port)
	httpServer := http.Server{
		Addr:    addr,
		Handler: srv.Handler(),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}

	log.Ctx(ctx).Info("Starting HTTP server at http://" + addr)

	return httpServer.ListenAndServe() //nolint:wrapcheck
}

// Server represents the initial-sync server.
type Server struct {
	// Cfg holds the configuration.
	Cfg *config.Config
	// isync is the InitialSync instance.
	isync *isync.InitialSync

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

// createServer creates a new server with the given options.
func createServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	lg := log.Ctx(ctx)

	// Verify the source is reachable before serving; the sync itself dials
	// its own connections.
	probe, err := topo.Connect(ctx, cfg.Source, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to sync source")
	}

	sourceVersion, err := topo.Version(ctx, probe)
	if err != nil {
		_ = probe.Disconnect(ctx)

		return nil, errors.Wrap(err, "source version")
	}

	_ = probe.Disconnect(ctx)

	lg.Infof("Sync source [%s]: %s", sourceVersion.FullString(), topo.Hosts(cfg.Source))

	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	s := &Server{
		Cfg:          cfg,
		isync:        isync.New(cfg),
		promRegistry: promRegistry,
	}

	return s, nil
}

// Close stops the running sync, if any.
func (s *Server) Close(ctx context.Context) {
	s.isync.Stop(ctx)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.HandleFunc("/start", s.HandleStart)
	mux.Handle("/metrics", s.HandleMetrics())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			log.New("http").Trace(r.Method + " " + r.URL.String())
		} else {
			log.New("http").Info(r.Method + " " + r.URL.String())
		}
		mux.ServeHTTP(w, r)
	})
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	status := s.isync.Status()

	res := statusResponse{
		Ok:    status.Err == nil,
		State: status.State,
	}

	if status.Err != nil {
		res.Err = status.Err.Error()
	}

	switch status.State {
	case isync.StateIdle:
		res.Info = "Idle"

		writeResponse(w, res)

		return
	case isync.StateRunning:
		res.Info = "Initial Sync: Cloning Data"
	case isync.StateCompleted:
		res.Info = "Completed"
	case isync.StateFailed:
		res.Info = "Failed"
	}

	res.TotalRetries = status.TotalRetries
	res.RetryingOperations = status.RetryingOperations
	res.UnreachableSeconds = status.TotalTimeUnreachable.Seconds()

	if !status.StartTime.IsZero() {
		res.StartTime = status.StartTime.UTC().Format(time.RFC3339)
	}

	if !status.FinishTime.IsZero() {
		res.FinishTime = status.FinishTime.UTC().Format(time.RFC3339)
	}

	statsJSON, err := bson.MarshalExtJSON(status.StatsDocument(), false, false)
	if err == nil {
		res.Stats = statsJSON
	}

	writeResponse(w, res)
}

// HandleStart handles the /start endpoint.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ServerResponseTimeout)
	defer cancel()

	if r.Method != http.MethodPost {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	var params startRequest

	if r.ContentLength != 0 {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)

			return
		}

		err = json.Unmarshal(data, &params)
		if err != nil {
			http.Error(w,
				http.StatusText(http.StatusBadRequest),
				http.StatusBadRequest)

			return
		}
	}

	err := validate.Struct(&params)
	if err != nil {
		writeResponse(w, startResponse{Err: err.Error()})

		return
	}

	options := &isync.StartOptions{
		IncludeNamespaces: params.IncludeNamespaces,
		ExcludeNamespaces: params.ExcludeNamespaces,
	}

	if params.BatchSize != nil {
		options.BatchSize = *params.BatchSize
	}

	if params.NumInsertWorkers != nil {
		options.NumInsertWorkers = *params.NumInsertWorkers
	}

	err = s.isync.Start(ctx, options)
	if err != nil {
		writeResponse(w, startResponse{Err: err.Error()})

		return
	}

	writeResponse(w, startResponse{Ok: true})
}

func (s *Server) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// startRequest represents the request body for the /start endpoint.
type startRequest struct {
	// IncludeNamespaces are the namespaces to include in the sync.
	IncludeNamespaces []string `json:"includeNamespaces,omitempty" validate:"omitempty,dive,namespace"`
	// ExcludeNamespaces are the namespaces to exclude from the sync.
	ExcludeNamespaces []string `json:"excludeNamespaces,omitempty" validate:"omitempty,dive,namespace"`

	// BatchSize is the documents-per-batch of the copy cursors.
	BatchSize *int `json:"batchSize,omitempty" validate:"omitempty,gte=0,lte=100000"`
	// NumInsertWorkers is the number of insert workers during the sync.
	NumInsertWorkers *int `json:"numInsertWorkers,omitempty" validate:"omitempty,gte=0,lte=1024"`
}

// startResponse represents the response body for the /start endpoint.
type startResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`
}

// statusResponse represents the response body for the /status endpoint.
type statusResponse struct {
	// Ok indicates if the operation was successful.
	Ok bool `json:"ok"`
	// Err is the error message if the operation failed.
	Err string `json:"error,omitempty"`

	// State is the current state of the sync.
	State isync.State `json:"state"`
	// Info provides additional information about the current state.
	Info string `json:"info,omitempty"`

	// TotalRetries is the number of stage retries of this attempt.
	TotalRetries int `json:"totalRetries"`
	// RetryingOperations is the number of operations currently retrying.
	RetryingOperations int `json:"retryingOperations"`
	// UnreachableSeconds is the total time the source has been unreachable.
	UnreachableSeconds float64 `json:"unreachableSeconds"`

	StartTime  string `json:"startTime,omitempty"`
	FinishTime string `json:"finishTime,omitempty"`

	// Stats is the cloner progress document.
	Stats json.RawMessage `json:"stats,omitempty"`
}

// PIMSClient is the localhost HTTP client behind the CLI subcommands.
type PIMSClient struct {
	port int
}

func NewClient(port int) PIMSClient {
	return PIMSClient{port: port}
}

// Status sends a request to get the status of the initial sync.
func (c PIMSClient) Status(ctx context.Context) error {
	return doClientRequest[statusResponse](ctx, c.port, http.MethodGet, "status", nil)
}

// Start sends a request to start the initial sync.
func (c PIMSClient) Start(ctx context.Context, req startRequest) error {
	return doClientRequest[startResponse](ctx, c.port, http.MethodPost, "start", req)
}

func doClientRequest[T any](ctx context.Context, port int, method, path string, body any) error {
	url := fmt.Sprintf("http://localhost:%d/%s", port, path)

	bodyData := []byte("")
	if body != nil {
		var err error
		bodyData, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyData))
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	log.Ctx(ctx).Debugf("%s /%s %s", method, path, string(bodyData))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer res.Body.Close()

	var resp T

	err = json.NewDecoder(res.Body).Decode(&resp)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}

	j := json.NewEncoder(os.Stdout)
	j.SetIndent("", "  ")
	err = j.Encode(resp)

	return errors.Wrap(err, "print response")
}
