package app_test

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/creds"
	"github.com/voxbridge/voxbridge/internal/tools/mcpbridge"
	"github.com/voxbridge/voxbridge/pkg/backend"
	backendmock "github.com/voxbridge/voxbridge/pkg/backend/mock"
)

// testConfig returns a minimal config bound to an ephemeral localhost port.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:     "127.0.0.1",
			Port:     0,
			LogLevel: config.LogInfo,
		},
		Backend: config.BackendConfig{
			Provider: "mock",
			Region:   "us-east-1",
			ModelID:  "amazon.nova-sonic-v1:0",
		},
		Audio: config.AudioConfig{
			VoiceID: "matthew",
		},
	}
}

// testRegistry returns a provider registry with only the mock backend.
func testRegistry() *config.Registry {
	registry := config.NewRegistry()
	registry.RegisterBackend("mock", func(context.Context, config.BackendConfig) (backend.Provider, error) {
		return &backendmock.Provider{Stream: backendmock.NewStream()}, nil
	})
	return registry
}

// offlineIMDS fails every metadata call so no test reaches the real
// instance metadata service.
type offlineIMDS struct{}

func (offlineIMDS) GetMetadata(context.Context, *imds.GetMetadataInput, ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	return nil, errors.New("imds offline")
}

func testRefresher() *creds.Refresher {
	return creds.New(creds.WithClient(offlineIMDS{}))
}

func TestNew_WiresSubsystems(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}

	// Builtins should have been registered during New().
	if !slices.Contains(application.Tools().Names(), "getDateTool") {
		t.Errorf("Tools().Names() = %v, want getDateTool registered", application.Tools().Names())
	}
	if got := application.Sessions().Len(); got != 0 {
		t.Errorf("Sessions().Len() = %d, want 0 before any connection", got)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend.Provider = "bedrock"

	// Registry without a bedrock factory.
	_, err := app.New(context.Background(), cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_InjectedBackendSkipsRegistry(t *testing.T) {
	t.Parallel()

	// An injected provider must not consult the (empty) registry.
	application, err := app.New(
		context.Background(),
		testConfig(),
		config.NewRegistry(),
		app.WithBackend(&backendmock.Provider{Stream: backendmock.NewStream()}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_MCPConnectFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MCP.Servers = []config.MCPServerConfig{
		{
			Name:      "ghost",
			Transport: mcpbridge.TransportStdio,
			Command:   "/nonexistent/voxbridge-mcp-server",
		},
	}

	_, err := app.New(context.Background(), cfg, testRegistry())
	if err == nil {
		t.Fatal("New() succeeded with an unreachable MCP server, want error")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(
		context.Background(),
		testConfig(),
		testRegistry(),
		app.WithRefresher(testRefresher()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run in background.
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to bind the listener.
	time.Sleep(50 * time.Millisecond)

	// Cancel context to trigger shutdown.
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()

	// Occupy a port so the server cannot bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	application, err := app.New(
		context.Background(),
		cfg,
		testRegistry(),
		app.WithRefresher(testRefresher()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Run(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want bind failure", err)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testRegistry())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
