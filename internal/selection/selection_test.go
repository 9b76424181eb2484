package selection

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/enginerpc"
)

func newStore(t *testing.T) *appconfig.Store {
	t.Helper()
	s, err := appconfig.Load(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRecordThenLoadCurrentRoundTrips(t *testing.T) {
	cfg := newStore(t)
	mem := New(cfg)

	require.NoError(t, mem.Record("Proxy", "node-a"))
	require.NoError(t, mem.Record("Proxy", "node-b"))
	require.NoError(t, mem.Record("GLOBAL", "Proxy"))

	saved := mem.LoadCurrent()
	require.Len(t, saved, 2)

	byGroup := map[string]string{}
	for _, s := range saved {
		byGroup[s.Group] = s.Node
	}
	require.Equal(t, "node-b", byGroup["Proxy"])
	require.Equal(t, "Proxy", byGroup["GLOBAL"])
}

func TestRecordIsScopedToActiveProfilePair(t *testing.T) {
	cfg := newStore(t)
	mem := New(cfg)

	require.NoError(t, mem.Record("Proxy", "node-a"))

	_, err := appconfig.Mutate(cfg, func(c *appconfig.AppConfig) struct{} {
		c.ActiveSubscriptionID = "other-sub"
		return struct{}{}
	})
	require.NoError(t, err)

	require.Empty(t, mem.LoadCurrent())
}

// unixEngine spins up a fake mihomo control socket serving a fixed
// /proxies body and recording any PUT /proxies/<group> selections made
// against it.
type unixEngine struct {
	sockPath  string
	selected  []string
	proxiesJS string
}

func newUnixEngine(t *testing.T, proxiesJSON string) *unixEngine {
	t.Helper()
	e := &unixEngine{sockPath: filepath.Join(t.TempDir(), "e.sock"), proxiesJS: proxiesJSON}

	ln, err := net.Listen("unix", e.sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go e.handle(conn)
		}
	}()

	return e
}

func (e *unixEngine) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	req := string(buf[:n])

	firstLine := req
	if idx := indexOf(req, "\r\n"); idx >= 0 {
		firstLine = req[:idx]
	}

	if contains(firstLine, "GET /proxies") {
		resp := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(e.proxiesJS)) + "\r\n\r\n" + e.proxiesJS
		conn.Write([]byte(resp))
		return
	}

	if contains(firstLine, "PUT /proxies/") {
		e.selected = append(e.selected, firstLine)
		conn.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	conn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func contains(s, sub string) bool { return indexOf(s, sub) >= 0 }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestApplySavedSkipsUnselectableGroupsAndMissingNodes(t *testing.T) {
	proxiesJSON := `{"proxies":{
		"GLOBAL":{"name":"GLOBAL","type":"Selector","all":["Proxy","DIRECT"]},
		"Proxy":{"name":"Proxy","type":"Selector","now":"node-a","all":["node-a","node-b"]},
		"node-a":{"name":"node-a","type":"ss"},
		"node-b":{"name":"node-b","type":"ss"},
		"DIRECT":{"name":"DIRECT","type":"Direct"}
	}}`
	engine := newUnixEngine(t, proxiesJSON)

	cfg := newStore(t)
	mem := New(cfg)
	require.NoError(t, mem.Record("Proxy", "node-b"))
	require.NoError(t, mem.Record("does-not-exist", "node-x"))

	client := enginerpc.New(engine.sockPath, "secret")
	require.NoError(t, mem.ApplySaved(context.Background(), client))

	require.Len(t, engine.selected, 1)
	require.Contains(t, engine.selected[0], "/proxies/Proxy")
}

func TestApplySavedNoopWhenNothingSaved(t *testing.T) {
	cfg := newStore(t)
	mem := New(cfg)
	client := enginerpc.New(filepath.Join(t.TempDir(), "absent.sock"), "secret")

	require.NoError(t, mem.ApplySaved(context.Background(), client))
}
