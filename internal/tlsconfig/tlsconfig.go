// Package tlsconfig builds the server-side *tls.Config used to terminate
// the client-facing leg (spec component C5): certificate chain, private
// key, and optional cipher restriction.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// cipherByName maps the subset of OpenSSL cipher names spec.md's
// ssl_ciphers key is expected to carry onto Go's tls package IDs. Go's TLS
// stack only negotiates ECDHE suites and TLS 1.3 suites; it has no
// static-DH cipher at all, so a custom DH parameter file (ssl_dhparam) has
// no Go equivalent to plug into (see Load below and DESIGN.md).
var cipherByName = map[string]uint16{
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
}

// Options configures Load.
type Options struct {
	CertFile    string
	KeyFile     string
	CipherList  string // comma or colon separated OpenSSL-style names
	DHParamFile string
	Log         *logrus.Logger
}

// Load builds a *tls.Config suitable for tls.NewListener on the client-
// facing side. The back-end leg (spec.md §4.5) is always plain TCP and
// never touches this package.
func Load(opts Options) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading certificate/key: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if opts.CipherList != "" {
		suites, unknown := parseCipherList(opts.CipherList)
		if len(suites) > 0 {
			cfg.CipherSuites = suites
		}
		for _, name := range unknown {
			opts.Log.WithField("cipher", name).Warn("ssl_ciphers: unrecognized OpenSSL cipher name, ignoring")
		}
	}

	if opts.DHParamFile != "" {
		if _, err := os.ReadFile(opts.DHParamFile); err != nil {
			return nil, fmt.Errorf("tlsconfig: reading ssl_dhparam: %w", err)
		}
		// Go's crypto/tls never negotiates a static-DH cipher suite, so the
		// parameters themselves have nothing to attach to; we still
		// validate the file is readable to preserve the config's fail-fast
		// behavior, then warn that it is otherwise inert.
		opts.Log.Warn("ssl_dhparam configured but has no effect: Go's TLS stack only uses ECDHE key exchange")
	}

	return cfg, nil
}

func parseCipherList(raw string) (suites []uint16, unknown []string) {
	sep := ":"
	if !strings.Contains(raw, ":") {
		sep = ","
	}
	for _, name := range strings.Split(raw, sep) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if id, ok := cipherByName[name]; ok {
			suites = append(suites, id)
		} else {
			unknown = append(unknown, name)
		}
	}
	return suites, unknown
}
