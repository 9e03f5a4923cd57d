// Package api talks to Private Internet Access: account authentication,
// the public server list, and WireGuard key registration against
// individual VPN servers.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pianm/common"
)

// Default endpoints.
const (
	DefaultBaseURL       = "https://www.privateinternetaccess.com"
	DefaultServerListURL = "https://serverlist.piaservers.net/vpninfo/servers/v6"
	DefaultKeyPort       = 1337

	caCertURL = "https://www.privateinternetaccess.com/openvpn/ca.rsa.4096.crt"
)

// maxRetries is the number of immediate retries after a network failure.
const maxRetries = 1

// Errors returned by API operations, checkable with errors.Is.
var (
	// ErrAuthentication means the account credentials or token were rejected.
	ErrAuthentication = errors.New("authentication with PIA failed")
	// ErrNetwork means PIA could not be reached.
	ErrNetwork = errors.New("network communication with PIA failed")
	// ErrAPI means PIA answered with an error or malformed response.
	ErrAPI = errors.New("PIA API returned an error response")
)

// Server is one WireGuard server within a region.
type Server struct {
	// IP is the server's public address.
	IP string `json:"ip"`
	// CN is the certificate common name, used for TLS verification when
	// registering keys (e.g. "tokyo401").
	CN string `json:"cn"`
}

// Region is one PIA region from the public server list.
type Region struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	PortForward bool   `json:"port_forward"`
	Servers     struct {
		WG []Server `json:"wg"`
	} `json:"servers"`
}

// KeyRegistration is a server's answer to a key registration: the
// connection parameters for the WireGuard profile.
type KeyRegistration struct {
	Status     string   `json:"status"`
	ServerKey  string   `json:"server_key"`
	ServerIP   string   `json:"server_ip"`
	ServerPort int      `json:"server_port"`
	PeerIP     string   `json:"peer_ip"`
	DNSServers []string `json:"dns_servers"`
}

// Endpoint formats the registration's server endpoint in "ip:port" form.
func (r *KeyRegistration) Endpoint() string {
	return fmt.Sprintf("%s:%d", r.ServerIP, r.ServerPort)
}

// Client is the PIA API client. The zero values of the exported fields
// are replaced with production defaults by NewClient; tests point them
// at local servers.
type Client struct {
	BaseURL       string
	ServerListURL string
	KeyPort       int
	HTTPClient    *http.Client
}

// NewClient creates a client against the production endpoints.
func NewClient() *Client {
	return &Client{
		BaseURL:       DefaultBaseURL,
		ServerListURL: DefaultServerListURL,
		KeyPort:       DefaultKeyPort,
		HTTPClient:    &http.Client{Timeout: common.RequestTimeout},
	}
}

// Authenticate exchanges account credentials for an API token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	common.LogInfo("Authenticating with PIA API")

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.BaseURL+"/api/client/v2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: invalid JSON in token response: %v", ErrAPI, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: no token in response", ErrAuthentication)
	}

	common.LogInfo("Authentication successful")
	return body.Token, nil
}

// Regions fetches the public server list. The endpoint appends a
// signature after the JSON payload, so only the first line is decoded.
func (c *Client) Regions(ctx context.Context) ([]Region, error) {
	common.LogInfo("Querying available regions from PIA API")

	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.ServerListURL, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading server list: %v", ErrNetwork, err)
	}
	firstLine, _, _ := strings.Cut(string(raw), "\n")

	var body struct {
		Regions []Region `json:"regions"`
	}
	if err := json.Unmarshal([]byte(firstLine), &body); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in server list: %v", ErrAPI, err)
	}
	if body.Regions == nil {
		return nil, fmt.Errorf("%w: server list carries no regions", ErrAPI)
	}

	common.LogInfo("Retrieved %d regions from PIA API", len(body.Regions))
	return body.Regions, nil
}

// RegisterKey registers a WireGuard public key with one VPN server and
// returns the connection parameters. The request goes straight to the
// server's IP while TLS is verified against PIA's CA for the server's
// certificate name, since the per-server names do not resolve publicly.
func (c *Client) RegisterKey(ctx context.Context, token, pubkey string, server Server) (*KeyRegistration, error) {
	common.LogInfo("Registering WireGuard key with server %s (%s)", server.CN, server.IP)

	client, err := c.keyClient(server)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("pt", token)
	query.Set("pubkey", pubkey)
	reqURL := fmt.Sprintf("https://%s:%d/addKey?%s", server.CN, c.KeyPort, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var reg KeyRegistration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in addKey response: %v", ErrAPI, err)
	}
	if reg.Status != "OK" {
		return nil, fmt.Errorf("%w: key registration status %q", ErrAPI, reg.Status)
	}
	if reg.ServerKey == "" || reg.ServerIP == "" || reg.ServerPort == 0 || reg.PeerIP == "" {
		return nil, fmt.Errorf("%w: addKey response missing connection parameters", ErrAPI)
	}

	common.LogInfo("Successfully registered key with server %s", server.CN)
	return &reg, nil
}

// EnsureCACert caches PIA's CA certificate for key registration. A
// download failure is not fatal: registration falls back to the system
// trust store, which rejects PIA's private CA, and fails with a clear
// TLS error then.
func (c *Client) EnsureCACert(ctx context.Context) {
	path, err := caCertPath()
	if err != nil {
		common.LogWarn("Cannot resolve CA certificate path: %v", err)
		return
	}
	if common.FileExists(path) {
		common.LogDebug("Using cached PIA CA certificate")
		return
	}

	common.LogInfo("Downloading PIA CA certificate")
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, caCertURL, nil)
	})
	if err != nil {
		common.LogWarn("Failed to download PIA CA certificate: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		common.LogWarn("CA certificate download answered HTTP %d", resp.StatusCode)
		return
	}

	pem, err := io.ReadAll(resp.Body)
	if err != nil {
		common.LogWarn("Failed to read CA certificate: %v", err)
		return
	}
	if err := os.WriteFile(path, pem, 0644); err != nil {
		common.LogWarn("Failed to cache CA certificate: %v", err)
		return
	}
	common.LogInfo("PIA CA certificate cached at %s", path)
}

// keyClient builds the HTTP client for one server's addKey endpoint:
// the connection is dialed to the server's IP regardless of the
// hostname in the URL, and the certificate is checked against PIA's CA
// when the cached copy exists.
func (c *Client) keyClient(server Server) (*http.Client, error) {
	tlsConfig := &tls.Config{ServerName: server.CN}
	if path, err := caCertPath(); err == nil && common.FileExists(path) {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, common.WrapError(err, "reading cached CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: cached CA certificate is not valid PEM", ErrAPI)
		}
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{Timeout: common.RequestTimeout}
	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(server.IP, port))
		},
	}
	return &http.Client{Transport: transport, Timeout: common.RequestTimeout}, nil
}

// do sends a request built by build, retrying once on a network
// failure. The request is rebuilt for the retry so its body is fresh.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAPI, err)
		}
		resp, err := c.HTTPClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			common.LogWarn("Network error on %s %s, retrying: %v", req.Method, req.URL.Path, err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNetwork, lastErr)
}

// checkStatus maps HTTP error statuses onto the error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid credentials or expired token", ErrAuthentication)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: HTTP %d", ErrAPI, resp.StatusCode)
	}
	return nil
}

func caCertPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.CACertFileName), nil
}
