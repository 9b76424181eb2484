package core

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/compose"
	"github.com/camofy/camofy/internal/enginerpc"
	"github.com/camofy/camofy/internal/events"
)

type fakeSelector struct {
	called bool
	err    error
}

func (f *fakeSelector) ApplySaved(ctx context.Context, client *enginerpc.Client) error {
	f.called = true
	return f.err
}

func newTestController(t *testing.T) (*Controller, *fakeSelector) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := appconfig.Load(dir)
	require.NoError(t, err)
	sel := &fakeSelector{}
	c := New(dir, cfg, compose.New(dir), sel, nil, events.NewBus())
	return c, sel
}

func TestGetInfoReportsMissingBinary(t *testing.T) {
	c, _ := newTestController(t)
	info := c.GetInfo()
	require.False(t, info.BinaryExists)
	require.Empty(t, info.Version)
	require.NotEmpty(t, info.RecommendedArch)
}

func TestGetInfoReflectsInstalledBinary(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, os.MkdirAll(c.coreDir(), 0o755))
	require.NoError(t, os.WriteFile(c.binaryPath(), []byte("fake-binary"), 0o755))
	require.NoError(t, c.saveMeta(meta{Version: "1.2.3", Arch: "linux-amd64"}))

	info := c.GetInfo()
	require.True(t, info.BinaryExists)
	require.Equal(t, "1.2.3", info.Version)
	require.Equal(t, "linux-amd64", info.Arch)
}

func TestEnsureControllerSecretIsStableAcrossCalls(t *testing.T) {
	c, _ := newTestController(t)
	first, err := c.EnsureControllerSecret()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := c.EnsureControllerSecret()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRunningStatusSelfHealsStalePIDFile(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.writePID(999999))

	running, pid := c.RunningStatus()
	require.False(t, running)
	require.Zero(t, pid)

	_, err := os.Stat(c.pidPath())
	require.True(t, os.IsNotExist(err))
}

func TestRunningStatusDetectsLiveProcess(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.writePID(os.Getpid()))

	running, pid := c.RunningStatus()
	require.True(t, running)
	require.Equal(t, os.Getpid(), pid)
}

func TestStartFailsFastWhenBinaryMissing(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Start(context.Background())
	require.Error(t, err)

	snap := c.OperationSnapshot()
	require.NotNil(t, snap)
	require.Equal(t, OperationStart, snap.Kind)
	require.Equal(t, OperationError, snap.Status)
}

func TestStopFailsWhenNotRunning(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Stop(context.Background())
	require.Error(t, err)

	snap := c.OperationSnapshot()
	require.NotNil(t, snap)
	require.Equal(t, OperationStop, snap.Kind)
	require.Equal(t, OperationError, snap.Status)
}

func TestMapArchToMihomoArch(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"x86_64", "linux-amd64", true},
		{"amd64", "linux-amd64", true},
		{"aarch64", "linux-arm64", true},
		{"armv7l", "linux-armv7", true},
		{"mips64", "linux-mips", true},
		{"sparc", "", false},
	}
	for _, tc := range cases {
		got, ok := mapArchToMihomoArch(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestExtractCoreBinaryFromTarGz(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	content := []byte("pretend-elf-binary")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "mihomo", Mode: 0o755, Size: int64(len(content))}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	out, err := extractCoreBinary(buf.Bytes(), "mihomo-linux-amd64-v1.18.0.tar.gz")
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestExtractCoreBinaryFromBareGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	content := []byte("pretend-elf-binary")
	_, err := gz.Write(content)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	out, err := extractCoreBinary(buf.Bytes(), "mihomo-linux-amd64-v1.18.0.gz")
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestExtractCoreBinaryRawPassthrough(t *testing.T) {
	content := []byte("raw-binary-no-wrapping")
	out, err := extractCoreBinary(content, "mihomo-linux-amd64-v1.18.0")
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestOperationSnapshotNilBeforeAnyOperation(t *testing.T) {
	c, _ := newTestController(t)
	require.Nil(t, c.OperationSnapshot())
}

func TestRestoreSelectionsAfterDelayCallsSelector(t *testing.T) {
	c, sel := newTestController(t)
	_, err := c.EnsureControllerSecret()
	require.NoError(t, err)

	c.restoreSelectionsAfterDelay()
	require.True(t, sel.called)
}

func TestActiveYAMLEmptyWhenNoActiveProfile(t *testing.T) {
	c, _ := newTestController(t)
	require.Empty(t, c.activeRemoteYAML())
	require.Empty(t, c.activeUserYAML())
}

func TestStartRejectsWhileAnotherOperationIsRunning(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.operation.begin(OperationDownload, "downloading core"))

	_, err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrOperationInProgress)
}

func TestStartAsyncRejectsSynchronouslyWhileAnotherOperationIsRunning(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.operation.begin(OperationDownload, "downloading core"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := c.StartAsync(ctx, cancel)
	require.ErrorIs(t, err, ErrOperationInProgress)

	snap := c.OperationSnapshot()
	require.NotNil(t, snap)
	require.Equal(t, OperationDownload, snap.Kind)
}

func TestRestartWithoutRunningCoreActsAsStart(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Restart(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrOperationInProgress)

	snap := c.OperationSnapshot()
	require.NotNil(t, snap)
	require.Equal(t, OperationRestart, snap.Kind)
}

func TestActiveYAMLReadsActiveProfileFile(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, os.MkdirAll(filepath.Join(c.dataRoot, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.dataRoot, "config", "user.yaml"), []byte("mode: rule\n"), 0o644))

	_, err := appconfig.Mutate(c.cfg, func(cfg *appconfig.AppConfig) struct{} {
		cfg.Profiles = append(cfg.Profiles, appconfig.ProfileMeta{
			ID: "p1", Name: "user", Kind: appconfig.ProfileKindUser, RelativePath: "user.yaml",
		})
		cfg.ActiveUserProfileID = "p1"
		return struct{}{}
	})
	require.NoError(t, err)

	require.Equal(t, "mode: rule\n", c.activeUserYAML())
	require.Empty(t, c.activeRemoteYAML())
}
