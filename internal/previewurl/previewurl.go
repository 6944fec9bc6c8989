// Package previewurl translates externally-visible sandbox URLs into local
// routing parameters for the preview proxy.
package previewurl

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

const (
	// socksPort is the well-known SOCKS service port inside every sandbox.
	socksPort = 39384

	morphHostSuffix = ".http.cloud.morph.so"

	// bypassRules lists local domains the host network layer must never send
	// through the SOCKS tunnel.
	bypassRules = "cmux.local,cmux.localhost"
)

// morphHostPattern matches the externally visible Morph VM hostname, which
// encodes the internal target port and the instance id:
// port-<port>-morphvm-<id>.http.cloud.morph.so
var morphHostPattern = regexp.MustCompile(`^port-(\d+)-morphvm-([A-Za-z0-9_-]+)\.http\.cloud\.morph\.so$`)

// ProxyConfig is the SOCKS5 tuple consumed by the host network layer.
type ProxyConfig struct {
	Scheme      string `json:"scheme"` // always "socks5"
	Host        string `json:"host"`
	Port        int    `json:"port"`
	BypassRules string `json:"bypassRules"`
}

// Route holds the routing parameters derived from one URL. It is recomputed
// per request and never persisted.
type Route struct {
	MorphID       string       `json:"morphId,omitempty"`
	NavigationURL string       `json:"navigationUrl,omitempty"`
	DisplayURL    string       `json:"displayUrl,omitempty"`
	Proxy         *ProxyConfig `json:"proxyConfig,omitempty"`
}

// Resolve derives local routing parameters from an arbitrary URL string.
//
// Non-sandbox and malformed input passes through unchanged as both
// NavigationURL and DisplayURL with no proxy config, so callers can always
// navigate to whatever Resolve returns. Resolve never panics; it runs
// synchronously on UI hot paths.
func Resolve(raw string) Route {
	if raw == "" {
		return Route{}
	}
	passThrough := Route{NavigationURL: raw, DisplayURL: raw}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return passThrough
	}

	match := morphHostPattern.FindStringSubmatch(u.Hostname())
	if match == nil {
		return passThrough
	}
	port, err := strconv.Atoi(match[1])
	if err != nil || port <= 0 || port > 65535 {
		return passThrough
	}
	morphID := match[2]

	// The local proxy terminates TLS and WS itself, so the scheme steps down
	// one level. Query and fragment ride along untouched.
	local := *u
	local.Scheme = downgradeScheme(u.Scheme)
	local.Host = "localhost:" + match[1]
	navigation := local.String()

	return Route{
		MorphID:       morphID,
		NavigationURL: navigation,
		DisplayURL:    navigation,
		Proxy: &ProxyConfig{
			Scheme:      "socks5",
			Host:        fmt.Sprintf("port-%d-morphvm-%s%s", socksPort, morphID, morphHostSuffix),
			Port:        socksPort,
			BypassRules: bypassRules,
		},
	}
}

func downgradeScheme(scheme string) string {
	switch scheme {
	case "https":
		return "http"
	case "wss":
		return "ws"
	default:
		return scheme
	}
}
