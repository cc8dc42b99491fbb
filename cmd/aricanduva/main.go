package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bltavares/aricanduva/internal/api"
	"github.com/bltavares/aricanduva/internal/authz"
	"github.com/bltavares/aricanduva/internal/config"
	"github.com/bltavares/aricanduva/internal/engine"
	"github.com/bltavares/aricanduva/internal/ipfs"
	"github.com/bltavares/aricanduva/internal/logging"
	"github.com/bltavares/aricanduva/internal/metadata"
	"github.com/bltavares/aricanduva/internal/multipart"
	"github.com/bltavares/aricanduva/internal/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "aricanduva",
	Short: "aricanduva is an S3-compatible gateway backed by IPFS.",
	Long:  `aricanduva translates S3 REST requests into IPFS Kubo RPC calls, storing object metadata in an embedded relational store.`,
}

var runCmdConfigPath string
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway server.",
	Long:  `Start the gateway server, listening for S3 requests and proxying object content to/from an IPFS node.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer(runCmdConfigPath)
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Generate a random access key / secret key pair.",
	Long:  `Generate a random access key / secret key pair suitable for auth_access_key/auth_secret_key, and print them to stdout.`,
	Run: func(cmd *cobra.Command, args []string) {
		accessKey, secretKey, err := generateCredentialPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate credentials: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("auth_access_key: %s\nauth_secret_key: %s\n", accessKey, secretKey)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCmdConfigPath, "config", "c", "configs/config.yaml", "path to service config file")
	rootCmd.AddCommand(runCmd, credentialsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func generateCredentialPair() (accessKey, secretKey string, err error) {
	var accessBytes [10]byte
	if _, err := rand.Read(accessBytes[:]); err != nil {
		return "", "", fmt.Errorf("generate access key: %w", err)
	}
	var secretBytes [20]byte
	if _, err := rand.Read(secretBytes[:]); err != nil {
		return "", "", fmt.Errorf("generate secret key: %w", err)
	}
	return "AKIA" + hex.EncodeToString(accessBytes[:]), hex.EncodeToString(secretBytes[:]), nil
}

func runServer(configPath string) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogFormat, os.Stdout)

	authPermWarning, err := runtime.CheckAuthFilePermissions(configPath)
	if err != nil {
		logger.Error("startup failed: config file check", "error", err)
		os.Exit(1)
	}
	if authPermWarning != "" {
		logger.Warn("config file permissions warning", "warning", authPermWarning)
	}

	if err := runtime.EnsureStorageAvailable(storageDirFromDatabaseURL(cfg.DatabaseURL)); err != nil {
		logger.Error("startup failed: storage readiness", "error", err)
		os.Exit(1)
	}

	store, err := metadata.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("startup failed: metadata store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ipfsClient := ipfs.New(cfg.RPCAddress, time.Duration(cfg.RPCTimeoutSeconds)*time.Second)
	if _, err := ipfsClient.Version(context.Background()); err != nil {
		logger.Warn("ipfs node unreachable at startup", "rpc_address", cfg.RPCAddress, "error", err)
	}

	uploads := multipart.New(cfg.ConcurrentMultipart)
	authEngine := authz.New(cfg.Auth)
	eng := engine.New(cfg, ipfsClient, store, uploads, logger)

	svc := &api.Service{
		Engine:      eng,
		Authz:       authEngine,
		Region:      cfg.Region,
		ServiceName: "s3",
		ClockSkew:   15 * time.Minute,
		ServiceHost: hostFromListen(cfg.ListenAddress),
		PathHealth:  "/healthz",
		Now:         time.Now,
		Logger:      logger,
	}

	srv, err := runtime.New(cfg, svc.Handler(), logger)
	if err != nil {
		logger.Error("startup failed: server init", "error", err)
		os.Exit(1)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			logger.Error("graceful shutdown failed", "error", shutdownErr)
		}
	}()

	logger.Info("server starting", "addr", cfg.ListenAddress, "mode", cfg.Mode, "rpc_address", cfg.RPCAddress)
	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func hostFromListen(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "localhost"
	}
	return host
}

// storageDirFromDatabaseURL derives the directory a sqlite DSN's file
// lives in, so startup can confirm it is writable before opening it.
func storageDirFromDatabaseURL(databaseURL string) string {
	path := databaseURL
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimPrefix(path, "file:")
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		if idx == 0 {
			return "/"
		}
		return path[:idx]
	}
	return "."
}
