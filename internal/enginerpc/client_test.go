package enginerpc

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serveOnce accepts a single connection on a Unix socket and writes resp
// verbatim as the full HTTP response, ignoring the request.
func serveOnce(t *testing.T, resp string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "engine.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(resp))
	}()

	return sockPath
}

func TestReloadConfigSuccess(t *testing.T) {
	sock := serveOnce(t, "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")
	c := New(sock, "secret")

	err := c.ReloadConfig(context.Background(), "/data/config/merged.yaml")
	require.NoError(t, err)
}

func TestReloadConfigErrorBody(t *testing.T) {
	body := `{"message":"bad config"}`
	resp := "HTTP/1.1 400 Bad Request\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	sock := serveOnce(t, resp)
	c := New(sock, "secret")

	err := c.ReloadConfig(context.Background(), "/data/config/merged.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad config")
}

func TestFetchProxiesOrdersByGlobalAll(t *testing.T) {
	body := `{"proxies":{
		"GLOBAL":{"name":"GLOBAL","type":"Selector","all":["Proxy","DIRECT"]},
		"Proxy":{"name":"Proxy","type":"Selector","now":"node-a","all":["node-a","node-b"]},
		"node-a":{"name":"node-a","type":"ss","history":[{"delay":50}]},
		"node-b":{"name":"node-b","type":"ss"},
		"DIRECT":{"name":"DIRECT","type":"Direct"}
	}}`
	resp := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	sock := serveOnce(t, resp)
	c := New(sock, "secret")

	view, err := c.FetchProxies(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Groups, 2)
	require.Equal(t, "Proxy", view.Groups[0].Name)
	require.Equal(t, "node-a", view.Groups[0].Now)
	require.Equal(t, 50, *view.Groups[0].Nodes[0].Delay)
	require.Nil(t, view.Groups[0].Nodes[1].Delay)
}

func TestSendRejectsMissingSocket(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.sock"), "secret")
	_, err := c.FetchProxies(context.Background())
	require.Error(t, err)
}

func TestContextDeadlineIsRespected(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "slow.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	c := New(sockPath, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = c.FetchProxies(ctx)
	require.Error(t, err)
}

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
