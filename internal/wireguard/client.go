// Package wireguard drives the wgfwctl.sh peer management script on the VPN
// gateway and decodes its JSON replies.
package wireguard

import (
	"context"
	"fmt"
	"strings"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/remote"
)

// Settings describes the VPN gateway and the values rendered into client
// configuration files.
type Settings struct {
	Host            string
	Script          string
	ServerPublicKey string
	AllowedIPs      string
	Endpoint        string
	Keepalive       int
}

// Client issues peer commands through an Executor.
type Client struct {
	exec     remote.Executor
	settings Settings
}

// NewClient creates a Client.
func NewClient(exec remote.Executor, settings Settings) *Client {
	if settings.Script == "" {
		settings.Script = "/etc/wireguard/wgfwctl.sh"
	}
	return &Client{exec: exec, settings: settings}
}

func (c *Client) command(args ...string) string {
	return "sudo " + c.settings.Script + " --no-help " + strings.Join(args, " ")
}

func nameArg(name string) string {
	return "--name=" + remote.Quote(name)
}

func (c *Client) onHost(err error) error {
	return internalerrors.OnHost(err, c.settings.Host)
}

func (c *Client) run(ctx context.Context, args ...string) remote.Result {
	return c.exec.Execute(ctx, c.settings.Host, c.command(args...))
}

// Peers lists every peer.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	peers, err := ParsePeers(c.run(ctx, "list"))
	return peers, c.onHost(err)
}

// PeerIPs lists the addresses name may reach.
func (c *Client) PeerIPs(ctx context.Context, name string) ([]string, error) {
	ips, err := ParsePeerIPs(c.run(ctx, "set", "-l", nameArg(name)))
	return ips, c.onHost(err)
}

// ShowConfig returns the peer's client config; refresh regenerates keys.
func (c *Client) ShowConfig(ctx context.Context, name string, refresh bool) (Config, error) {
	args := []string{"config", nameArg(name)}
	if refresh {
		args = append(args, "-u")
	}
	cfg, err := ParseConfig(c.run(ctx, args...))
	return cfg, c.onHost(err)
}

// AddPeer creates a peer with its firewall chainset and returns its config.
func (c *Client) AddPeer(ctx context.Context, name, chainset string) (Config, error) {
	cfg, err := ParseConfig(c.run(ctx, "add", nameArg(name), "--chainset="+remote.Quote(chainset)))
	return cfg, c.onHost(err)
}

// DeletePeer removes a peer.
func (c *Client) DeletePeer(ctx context.Context, name string) error {
	return c.onHost(ParseSuccess("wg.del", c.run(ctx, "del", nameArg(name))))
}

// GrantIP allows name to reach ip.
func (c *Client) GrantIP(ctx context.Context, name, ip string) error {
	return c.onHost(ParseSuccess("wg.set_add", c.run(ctx, "set", nameArg(name), "--ip="+remote.Quote(ip), "-a")))
}

// RevokeIP removes ip from name's access list.
func (c *Client) RevokeIP(ctx context.Context, name, ip string) error {
	return c.onHost(ParseSuccess("wg.set_del", c.run(ctx, "set", nameArg(name), "--ip="+remote.Quote(ip), "-r")))
}

// RenderConfig produces a wg-quick client file for cfg.
func (c *Client) RenderConfig(cfg Config) string {
	return RenderConfig(cfg, c.settings)
}

// RenderConfig produces a wg-quick client file for cfg using the gateway
// settings for the [Peer] section.
func RenderConfig(cfg Config, s Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", cfg.Comment)
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n\n", cfg.Address)
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", s.ServerPublicKey)
	fmt.Fprintf(&b, "PresharedKey = %s\n", cfg.PresharedKey)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", s.AllowedIPs)
	fmt.Fprintf(&b, "Endpoint = %s\n", s.Endpoint)
	fmt.Fprintf(&b, "PersistentKeepalive = %d", s.Keepalive)
	return b.String()
}
