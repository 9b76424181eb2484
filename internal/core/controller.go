package core

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/compose"
	"github.com/camofy/camofy/internal/enginerpc"
	"github.com/camofy/camofy/internal/events"
)

// GeoIPEnsurer provides a best-effort check-and-download of the GeoIP
// rule database. internal/geoip.Updater implements this.
type GeoIPEnsurer interface {
	Exists() bool
	Update(ctx context.Context) error
}

const releaseAPIURL = "https://mirror.camofy.app/repos/MetaCubeX/mihomo/releases/latest"

// Controller owns the mihomo subprocess's full lifecycle: install,
// start/stop, status, and the log file both stdio streams are tee'd to.
type Controller struct {
	dataRoot string
	cfg      *appconfig.Store
	composer *compose.Composer
	selector SelectionApplier
	geoip    GeoIPEnsurer
	bus      *events.Bus
	client   *http.Client

	operation *operationTracker
	logState  *logWriteState
}

// SelectionApplier replays saved proxy selections against a freshly
// (re)started engine. internal/selection.Memory implements this.
type SelectionApplier interface {
	ApplySaved(ctx context.Context, client *enginerpc.Client) error
}

func New(dataRoot string, cfg *appconfig.Store, composer *compose.Composer, selector SelectionApplier, geoip GeoIPEnsurer, bus *events.Bus) *Controller {
	return &Controller{
		dataRoot:  dataRoot,
		cfg:       cfg,
		composer:  composer,
		selector:  selector,
		geoip:     geoip,
		bus:       bus,
		client:    &http.Client{Timeout: 5 * time.Minute},
		operation: newOperationTracker(bus),
		logState:  newLogWriteState(),
	}
}

// OperationSnapshot exposes the current/last operation for the WebSocket
// Hub's connect-time snapshot.
func (c *Controller) OperationSnapshot() *OperationState {
	return c.operation.Snapshot()
}

// EngineClient builds an RPC client against the currently ensured secret.
func (c *Controller) EngineClient() (*enginerpc.Client, error) {
	secret, err := c.EnsureControllerSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure controller secret: %w", err)
	}
	return enginerpc.New(socketPath, secret), nil
}

func progressPtr(v float64) *float64 { return &v }

// Download fetches and installs the engine binary, from an explicit URL
// if given, otherwise by resolving the latest GitHub release for the
// detected architecture.
func (c *Controller) Download(ctx context.Context, explicitURL string) (Info, error) {
	if err := c.operation.begin(OperationDownload, "downloading core"); err != nil {
		return Info{}, err
	}
	return c.downloadLocked(ctx, explicitURL)
}

// DownloadAsync reserves the download operation synchronously — returning
// ErrOperationInProgress immediately if another operation is already
// running — then performs the download itself in the background,
// matching original_source/src/core_async.rs's lock-then-spawn shape.
func (c *Controller) DownloadAsync(ctx context.Context, cancel context.CancelFunc, explicitURL string) error {
	if err := c.operation.begin(OperationDownload, "downloading core"); err != nil {
		return err
	}
	go func() {
		defer cancel()
		if _, err := c.downloadLocked(ctx, explicitURL); err != nil {
			log.Error().Err(err).Msg("core download failed")
		}
	}()
	return nil
}

// downloadLocked assumes the caller already holds the operation reservation.
func (c *Controller) downloadLocked(ctx context.Context, explicitURL string) (Info, error) {
	systemArch := detectSystemArch()
	archTag, ok := mapArchToMihomoArch(systemArch)
	if !ok {
		err := fmt.Errorf("core_unsupported_arch: unsupported system arch for core download: %s", systemArch)
		c.failOp(OperationDownload, "core_unsupported_arch", err)
		return Info{}, err
	}

	var downloadURL, assetName, version string
	if strings.TrimSpace(explicitURL) != "" {
		downloadURL = strings.TrimSpace(explicitURL)
		assetName = downloadURL[strings.LastIndex(downloadURL, "/")+1:]
	} else {
		u, tag, name, err := c.resolveLatestRelease(ctx, archTag)
		if err != nil {
			wrapped := fmt.Errorf("core_resolve_download_url_failed: %w", err)
			c.failOp(OperationDownload, "core_resolve_download_url_failed", wrapped)
			return Info{}, wrapped
		}
		downloadURL, assetName = u, name
		version = strings.TrimPrefix(tag, "v")
	}

	c.operation.update(OperationDownload, OperationRunning, "downloading core", progressPtr(0), false)

	tmpDir := filepath.Join(c.dataRoot, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		c.failOp(OperationDownload, "core_download_failed", err)
		return Info{}, err
	}
	tmpPath := filepath.Join(tmpDir, "mihomo-download.tmp")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		c.failOp(OperationDownload, "core_download_failed", err)
		return Info{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.failOp(OperationDownload, "core_download_failed", err)
		return Info{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("core download responded with status %d", resp.StatusCode)
		c.failOp(OperationDownload, "core_download_failed", err)
		return Info{}, err
	}

	data, err := readWithProgress(resp.Body, resp.ContentLength, c.operation)
	if err != nil {
		c.failOp(OperationDownload, "core_download_failed", err)
		return Info{}, err
	}

	coreBytes, err := extractCoreBinary(data, assetName)
	if err != nil {
		c.failOp(OperationDownload, "core_extract_failed", err)
		return Info{}, err
	}

	if err := os.WriteFile(tmpPath, coreBytes, 0o644); err != nil {
		c.failOp(OperationDownload, "core_install_failed", err)
		return Info{}, err
	}
	if err := os.MkdirAll(c.coreDir(), 0o755); err != nil {
		c.failOp(OperationDownload, "core_install_failed", err)
		return Info{}, err
	}
	if err := os.Rename(tmpPath, c.binaryPath()); err != nil {
		c.failOp(OperationDownload, "core_install_failed", err)
		return Info{}, err
	}
	if err := os.Chmod(c.binaryPath(), 0o755); err != nil {
		log.Warn().Err(err).Msg("failed to set executable permissions on core binary")
	}

	m := c.loadMeta()
	m.Arch = archTag
	m.Version = version
	m.LastDownloadTime = time.Now().UTC().Format(time.RFC3339)
	if err := c.saveMeta(m); err != nil {
		c.failOp(OperationDownload, "core_meta_save_failed", err)
		return Info{}, err
	}

	c.operation.update(OperationDownload, OperationSuccess, "core downloaded and installed", progressPtr(1), true)

	return Info{Version: m.Version, Arch: m.Arch, LastDownloadTime: m.LastDownloadTime, BinaryExists: true, RecommendedArch: systemArch}, nil
}

func (c *Controller) failOp(kind OperationKind, code string, err error) {
	log.Error().Err(err).Str("code", code).Msg("core operation failed")
	c.operation.update(kind, OperationError, err.Error(), nil, true)
}

func readWithProgress(r io.Reader, total int64, tracker *operationTracker) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	var downloaded int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			downloaded += int64(n)
			if total > 0 {
				progress := float64(downloaded) / float64(total)
				if progress > 1 {
					progress = 1
				}
				tracker.update(OperationDownload, OperationRunning, "", progressPtr(progress), false)
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read core download body: %w", err)
		}
	}
}

type githubRelease struct {
	TagName string `json:"tag_name"`
}

func (c *Controller) resolveLatestRelease(ctx context.Context, archTag string) (url, tag, assetName string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseAPIURL, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("User-Agent", "camofy/0.1.0")
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to request latest release info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", "", fmt.Errorf("release info request failed with status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := jsonDecode(resp.Body, &release); err != nil {
		return "", "", "", fmt.Errorf("failed to parse release json: %w", err)
	}

	version := strings.TrimPrefix(release.TagName, "v")
	assetName = fmt.Sprintf("mihomo-%s-v%s.gz", archTag, version)
	url = fmt.Sprintf("https://mirror.camofy.app/MetaCubeX/mihomo/releases/download/%s/%s", release.TagName, assetName)
	return url, release.TagName, assetName, nil
}

// extractCoreBinary unwraps a downloaded asset into a raw executable,
// handling tar.gz/tgz, bare gzip, or an already-raw binary.
func extractCoreBinary(data []byte, assetName string) ([]byte, error) {
	name := strings.ToLower(assetName)

	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(newByteReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entries: %w", err)
		}
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil, fmt.Errorf("no core binary found in archive")
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read tar entry: %w", err)
			}
			base := strings.ToLower(filepath.Base(hdr.Name))
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			if base == "mihomo" || strings.Contains(base, "mihomo") {
				return io.ReadAll(tr)
			}
		}

	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(newByteReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress core gzip: %w", err)
		}
		return io.ReadAll(gz)

	default:
		return data, nil
	}
}

// Start runs the full pre-flight sequence and spawns the engine process.
// The at-most-one-in-flight guard is reserved here under OperationStart;
// Restart reserves it under OperationRestart and calls startLocked
// directly so the whole sequence reports under one operation kind.
func (c *Controller) Start(ctx context.Context) (pid int, err error) {
	if err := c.operation.begin(OperationStart, "starting core"); err != nil {
		return 0, err
	}
	return c.startLocked(ctx, OperationStart)
}

// StartAsync reserves the start operation synchronously — returning
// ErrOperationInProgress immediately if another operation is already
// running — then runs the actual startup sequence in the background.
func (c *Controller) StartAsync(ctx context.Context, cancel context.CancelFunc) error {
	if err := c.operation.begin(OperationStart, "starting core"); err != nil {
		return err
	}
	go func() {
		defer cancel()
		if _, err := c.startLocked(ctx, OperationStart); err != nil {
			log.Error().Err(err).Msg("core start failed")
		}
	}()
	return nil
}

// startLocked assumes the caller already holds the operation reservation.
func (c *Controller) startLocked(ctx context.Context, kind OperationKind) (pid int, err error) {
	if c.geoip != nil && !c.geoip.Exists() {
		if err := c.geoip.Update(ctx); err != nil {
			log.Warn().Err(err).Msg("best-effort geoip database download failed before core start")
		}
	}

	if _, statErr := os.Stat(c.binaryPath()); statErr != nil {
		err := fmt.Errorf("core_not_installed: core binary not found")
		c.operation.update(kind, OperationError, "core binary not found", nil, true)
		return 0, err
	}

	if running, existingPID := c.RunningStatus(); running {
		err := fmt.Errorf("core_already_running: core is already running with pid %d", existingPID)
		c.operation.update(kind, OperationError, err.Error(), nil, true)
		return 0, err
	}

	if err := c.composer.Compose(c.activeRemoteYAML(), c.activeUserYAML()); err != nil {
		msg := fmt.Sprintf("failed to generate merged config: %v", err)
		c.operation.update(kind, OperationError, msg, nil, true)
		return 0, fmt.Errorf("config_merge_failed: %w", err)
	}

	configDir := filepath.Join(c.dataRoot, "config")
	configFile := c.composer.MergedPath()
	if _, statErr := os.Stat(configFile); statErr != nil {
		msg := fmt.Sprintf("config file not found at %s", configFile)
		c.operation.update(kind, OperationError, msg, nil, true)
		return 0, fmt.Errorf("core_config_missing: %s", msg)
	}

	ensureTunModuleLoaded()

	// The spawned engine must outlive this call: Start is invoked both
	// from a request handler (whose context ends when the handler
	// returns) and from boot-time auto-start (whose context is
	// cancelled right after). Binding the child to either would have
	// exec.CommandContext SIGKILL it the moment the caller's context
	// ends. Supervision (Stop/RunningStatus) is done via the PID file,
	// not via context cancellation.
	cmd := exec.CommandContext(context.Background(), c.binaryPath(), "-d", configDir, "-f", configFile)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.operation.update(kind, OperationError, err.Error(), nil, true)
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.operation.update(kind, OperationError, err.Error(), nil, true)
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("failed to spawn core process: %v", err)
		c.operation.update(kind, OperationError, msg, nil, true)
		return 0, fmt.Errorf("core_start_failed: %s", msg)
	}

	go pipeToLog(stdout, c.LogPath(), c.logState, "stdout", c.bus)
	go pipeToLog(stderr, c.LogPath(), c.logState, "stderr", c.bus)
	go func() { _ = cmd.Wait() }()

	pid = cmd.Process.Pid
	if writeErr := c.writePID(pid); writeErr != nil {
		log.Error().Err(writeErr).Msg("failed to persist core pid")
	}

	applyDNSRedirectRule()

	if _, mutErr := appconfig.Mutate(c.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.CoreAutoStart = true
		return struct{}{}
	}); mutErr != nil {
		log.Error().Err(mutErr).Msg("failed to persist core_auto_start")
	}

	go c.restoreSelectionsAfterDelay()

	c.operation.update(kind, OperationSuccess, fmt.Sprintf("core started with pid %d", pid), nil, true)
	return pid, nil
}

func (c *Controller) restoreSelectionsAfterDelay() {
	time.Sleep(2 * time.Second)
	client, err := c.EngineClient()
	if err != nil {
		log.Warn().Err(err).Msg("failed to build engine client for saved-selection restore")
		return
	}
	if err := c.selector.ApplySaved(context.Background(), client); err != nil {
		log.Warn().Err(err).Msg("failed to apply saved proxy selections after core start")
	}
}

func (c *Controller) activeRemoteYAML() string { return c.readActiveYAML(true) }
func (c *Controller) activeUserYAML() string   { return c.readActiveYAML(false) }

func (c *Controller) readActiveYAML(remote bool) string {
	snap := c.cfg.Snapshot()
	var meta appconfig.ProfileMeta
	var ok bool
	if remote {
		meta, ok = snap.ActiveSubscription()
	} else {
		meta, ok = snap.ActiveUserProfile()
	}
	if !ok {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(c.dataRoot, "config", meta.RelativePath))
	if err != nil {
		return ""
	}
	return string(data)
}

// Stop removes the DNS redirect rule then signals the process to exit.
// mihomo's control socket exposes no graceful-shutdown RPC, so unlike
// the original's platform service IPC this always goes straight to
// SIGTERM.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.operation.begin(OperationStop, "stopping core"); err != nil {
		return err
	}
	return c.stopLocked(OperationStop)
}

// StopAsync reserves the stop operation synchronously — returning
// ErrOperationInProgress immediately if another operation is already
// running — then signals the process in the background.
func (c *Controller) StopAsync(ctx context.Context, cancel context.CancelFunc) error {
	if err := c.operation.begin(OperationStop, "stopping core"); err != nil {
		return err
	}
	go func() {
		defer cancel()
		if err := c.stopLocked(OperationStop); err != nil {
			log.Error().Err(err).Msg("core stop failed")
		}
	}()
	return nil
}

// stopLocked assumes the caller already holds the operation reservation.
func (c *Controller) stopLocked(kind OperationKind) error {
	removeDNSRedirectRule()

	pid, err := c.readPID()
	if err != nil {
		if err != errPIDFileNotFound {
			c.removePID()
		}
		c.operation.update(kind, OperationError, "core is not running", nil, true)
		return fmt.Errorf("core_not_running: core is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		c.operation.update(kind, OperationError, err.Error(), nil, true)
		return err
	}
	if err := proc.Signal(syscallSIGTERM()); err != nil {
		msg := fmt.Sprintf("failed to signal core process: %v", err)
		c.operation.update(kind, OperationError, msg, nil, true)
		return fmt.Errorf("core_stop_failed: %s", msg)
	}

	c.removePID()
	if _, mutErr := appconfig.Mutate(c.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.CoreAutoStart = false
		return struct{}{}
	}); mutErr != nil {
		log.Error().Err(mutErr).Msg("failed to persist core_auto_start")
	}

	c.operation.update(kind, OperationSuccess, "core stopped via signal", nil, true)
	return nil
}

// Restart stops the engine if running, then starts it again, reporting
// the whole sequence under a single OperationRestart rather than two
// separate operations. A not-running core is not an error here — it's
// treated the same as a start from a clean stop.
func (c *Controller) Restart(ctx context.Context) (pid int, err error) {
	if err := c.operation.begin(OperationRestart, "restarting core"); err != nil {
		return 0, err
	}
	return c.restartLocked(ctx)
}

// RestartAsync reserves the restart operation synchronously — returning
// ErrOperationInProgress immediately if another operation is already
// running — then runs the stop-then-start sequence in the background.
func (c *Controller) RestartAsync(ctx context.Context, cancel context.CancelFunc) error {
	if err := c.operation.begin(OperationRestart, "restarting core"); err != nil {
		return err
	}
	go func() {
		defer cancel()
		if _, err := c.restartLocked(ctx); err != nil {
			log.Error().Err(err).Msg("core restart failed")
		}
	}()
	return nil
}

// restartLocked assumes the caller already holds the operation reservation.
func (c *Controller) restartLocked(ctx context.Context) (pid int, err error) {
	if running, _ := c.RunningStatus(); running {
		if err := c.stopLocked(OperationRestart); err != nil {
			return 0, err
		}
	}

	return c.startLocked(ctx, OperationRestart)
}

// AutoStartIfConfigured relaunches the engine on daemon boot if it was
// running when camofy last exited, waiting for basic network
// connectivity first so TUN/DNS setup doesn't race a not-yet-up link.
func (c *Controller) AutoStartIfConfigured(ctx context.Context) {
	if !c.cfg.Snapshot().CoreAutoStart {
		return
	}

	if running, pid := c.RunningStatus(); running {
		log.Info().Int("pid", pid).Msg("core is already running on startup")
		return
	}

	if _, statErr := os.Stat(c.binaryPath()); statErr != nil {
		log.Info().Msg("core_auto_start was enabled, but core binary not found")
		return
	}

	if err := c.waitForNetworkReady(ctx); err != nil {
		log.Warn().Err(err).Msg("network did not become ready in time before core auto-start; proceeding anyway")
	}

	log.Info().Msg("auto-starting core because last state was running")
	if _, err := c.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to auto-start core on camofy launch")
	} else {
		log.Info().Msg("core auto-started successfully on camofy launch")
	}
}

const (
	networkProbeURL        = "https://qq.com/"
	networkProbeTimeout    = 5 * time.Second
	networkProbeRetryEvery = 5 * time.Second
	networkProbeMaxWait    = 300 * time.Second
)

func (c *Controller) waitForNetworkReady(ctx context.Context) error {
	deadline := time.Now().Add(networkProbeMaxWait)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("network probe to %s did not succeed within %s", networkProbeURL, networkProbeMaxWait)
		}

		probeCtx, cancel := context.WithTimeout(ctx, networkProbeTimeout)
		req, _ := http.NewRequestWithContext(probeCtx, http.MethodGet, networkProbeURL, nil)
		resp, err := c.client.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			return nil
		}

		select {
		case <-time.After(networkProbeRetryEvery):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
