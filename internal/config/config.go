package config

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	defaultServerURL      = "https://localhost:2900"
	defaultWorkDir        = "crucible-scratch"
	defaultListenAddr     = "127.0.0.1:2902"
	defaultDBPath         = "crucible.db"
	defaultMaxWorkDirSize = "10g"
	defaultMaxDepsLength  = 60000
	defaultGracePeriod    = 60 * time.Second

	envServerURL         = "CRUCIBLE_SERVER_URL"
	envWorkerID          = "CRUCIBLE_WORKER_ID"
	envTag               = "CRUCIBLE_TAG"
	envWorkDir           = "CRUCIBLE_WORK_DIR"
	envCPUSet            = "CRUCIBLE_CPUSET"
	envGPUSet            = "CRUCIBLE_GPUSET"
	envMaxWorkDirSize    = "CRUCIBLE_MAX_WORK_DIR_SIZE"
	envMaxImageCacheSize = "CRUCIBLE_MAX_IMAGE_CACHE_SIZE"
	envMaxDepsLength     = "CRUCIBLE_MAX_DEPENDENCIES_LENGTH"
	envBatchQueue        = "CRUCIBLE_BATCH_QUEUE"
	envBatchJobDef       = "CRUCIBLE_BATCH_JOB_DEFINITION"
	envSharedFilesystem  = "CRUCIBLE_SHARED_FILESYSTEM"
	envPasswordFile      = "CRUCIBLE_PASSWORD_FILE"
	envListenAddr        = "CRUCIBLE_LISTEN_ADDR"
	envDBPath            = "CRUCIBLE_DB_PATH"
	envLogLevel          = "CRUCIBLE_LOG_LEVEL"
	envGracePeriod       = "CRUCIBLE_GRACE_PERIOD"
)

// SetAll is the sentinel accepted by the cpuset/gpuset variables meaning
// "use every identifier available on this host".
const SetAll = "ALL"

// Config holds worker configuration loaded from environment variables.
type Config struct {
	// ServerURL is the coordinating service's base URL.
	ServerURL string
	// WorkerID identifies this worker; defaults to hostname(pid).
	WorkerID string
	// Tag optionally restricts which runs the coordinator assigns here.
	Tag string

	// WorkDir is where run working directories and dependency data live.
	WorkDir string
	// MaxWorkDirBytes bounds the total size of run working directories.
	MaxWorkDirBytes int64
	// MaxImageCacheBytes bounds the image cache; 0 disables eviction.
	MaxImageCacheBytes int64
	// MaxDepsLength bounds the serialized dependency metadata of a single
	// assignment; oversized assignments are rejected at admission.
	MaxDepsLength int

	// CPUSet and GPUSet are the raw pool descriptions: SetAll or a
	// comma-separated identifier list.
	CPUSet string
	GPUSet string

	// BatchQueue, when set, routes runs to AWS Batch instead of local
	// Docker. BatchJobDefinition names the pre-registered job definition.
	BatchQueue         string
	BatchJobDefinition string

	// SharedFilesystem marks deployments where bundle data is on a
	// filesystem shared with the coordinator. Dependencies are referenced
	// in place and local work-dir eviction is disabled.
	SharedFilesystem bool

	// PasswordFile is the two-line credentials file (username, password).
	PasswordFile string

	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	GracePeriod time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. Size values accept humanized forms ("10g", "512m").
func Load() (Config, error) {
	hostname, _ := os.Hostname()
	cfg := Config{
		ServerURL:     defaultServerURL,
		WorkerID:      fmt.Sprintf("%s(%d)", hostname, os.Getpid()),
		WorkDir:       defaultWorkDir,
		CPUSet:        SetAll,
		GPUSet:        SetAll,
		MaxDepsLength: defaultMaxDepsLength,
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		GracePeriod:   defaultGracePeriod,
	}

	maxWorkDir, err := humanize.ParseBytes(getenv(envMaxWorkDirSize, defaultMaxWorkDirSize))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envMaxWorkDirSize, err)
	}
	cfg.MaxWorkDirBytes = int64(maxWorkDir)

	if v := os.Getenv(envMaxImageCacheSize); v != "" {
		maxImages, err := humanize.ParseBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envMaxImageCacheSize, err)
		}
		cfg.MaxImageCacheBytes = int64(maxImages)
	}

	if v := os.Getenv(envMaxDepsLength); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("parse %s: %q is not a positive integer", envMaxDepsLength, v)
		}
		cfg.MaxDepsLength = n
	}

	if v := os.Getenv(envGracePeriod); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", envGracePeriod, err)
		}
		cfg.GracePeriod = d
	}

	if v := os.Getenv(envServerURL); v != "" {
		cfg.ServerURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(envWorkerID); v != "" {
		cfg.WorkerID = v
	}
	cfg.Tag = os.Getenv(envTag)
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envCPUSet); v != "" {
		cfg.CPUSet = v
	}
	if v := os.Getenv(envGPUSet); v != "" {
		cfg.GPUSet = v
	}
	cfg.BatchQueue = os.Getenv(envBatchQueue)
	cfg.BatchJobDefinition = os.Getenv(envBatchJobDef)
	cfg.SharedFilesystem = parseBool(os.Getenv(envSharedFilesystem))
	cfg.PasswordFile = os.Getenv(envPasswordFile)
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg, nil
}

// ParseIDSet parses a pool description: SetAll returns (nil, true), an
// explicit comma-separated list returns the identifiers.
func ParseIDSet(raw string) (ids []int, all bool, err error) {
	if strings.EqualFold(raw, SetAll) {
		return nil, true, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, false, fmt.Errorf("invalid device id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, false, nil
}

// Credentials holds the bundle service login.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials reads the two-line password file. The file must not be
// readable by group or others.
func LoadCredentials(path string) (Credentials, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("stat password file: %w", err)
	}
	if info.Mode().Perm()&(fs.FileMode(0o077)) != 0 {
		return Credentials{}, fmt.Errorf("permissions on %s are too lax; only the owner may access it", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("open password file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, fmt.Errorf("read password file: %w", err)
	}
	if len(lines) < 2 || lines[0] == "" {
		return Credentials{}, fmt.Errorf("password file %s must contain username and password on separate lines", path)
	}

	return Credentials{Username: lines[0], Password: lines[1]}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
