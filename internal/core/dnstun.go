package core

import (
	"bytes"
	"encoding/json"
	"io"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ensureTunModuleLoaded best-effort loads the kernel TUN module. mihomo
// falls back to a non-TUN stack if this fails, so errors are logged, not
// surfaced.
func ensureTunModuleLoaded() {
	if err := exec.Command("modprobe", "tun").Run(); err != nil {
		log.Debug().Err(err).Msg("modprobe tun failed; continuing without it")
	}
}

const (
	dnsRedirectComment = "camofy-dns-redirect"
	dnsRedirectPort    = "1053"
)

// applyDNSRedirectRule best-effort inserts an iptables PREROUTING rule
// sending UDP:53 to mihomo's local DNS listener, mirroring
// original_source/src/core.rs's apply_dns_redirect_rule. Routers without
// iptables (or without the needed capability) simply keep using whatever
// DNS resolution mihomo's TUN stack already intercepts.
func applyDNSRedirectRule() {
	args := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "udp", "--dport", "53",
		"-m", "comment", "--comment", dnsRedirectComment,
		"-j", "REDIRECT", "--to-ports", dnsRedirectPort,
	}
	if err := exec.Command("iptables", args...).Run(); err != nil {
		log.Debug().Err(err).Msg("failed to apply dns redirect iptables rule; continuing without it")
	}
}

// removeDNSRedirectRule undoes applyDNSRedirectRule, best-effort.
func removeDNSRedirectRule() {
	args := []string{
		"-t", "nat", "-D", "PREROUTING",
		"-p", "udp", "--dport", "53",
		"-m", "comment", "--comment", dnsRedirectComment,
		"-j", "REDIRECT", "--to-ports", dnsRedirectPort,
	}
	if err := exec.Command("iptables", args...).Run(); err != nil {
		log.Debug().Err(err).Msg("failed to remove dns redirect iptables rule (it may not have been present)")
	}
}

func syscallSIGTERM() syscall.Signal { return syscall.SIGTERM }

func newByteReader(data []byte) io.Reader { return bytes.NewReader(data) }

func jsonDecode(r io.Reader, v any) error { return json.NewDecoder(r).Decode(v) }
