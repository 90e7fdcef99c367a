package wireguard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/remote"
)

// Peer is one VPN client identity as reported by "wgfwctl.sh list".
type Peer struct {
	Name    string `json:"name"`
	Address string `json:"ip"`
}

// Config is the key material returned by "add" and "config".
type Config struct {
	Comment      string `json:"Peer"`
	PrivateKey   string `json:"PrivateKey"`
	Address      string `json:"ip"`
	PresharedKey string `json:"PresharedKey"`
}

type successReply struct {
	Success *bool `json:"success"`
}

// decode unmarshals res.Output into v. When decoding fails and the executor
// recorded an error, that error wins: it describes why no output came back.
func decode(op string, res remote.Result, v any) error {
	err := strictUnmarshal(res.Output, v)
	if err == nil {
		return nil
	}
	if res.Failed() {
		return internalerrors.Transport(op, res.Error)
	}
	return internalerrors.Parse(op, err)
}

func strictUnmarshal(output string, v any) error {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return errors.New("empty response")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data after JSON value")
	}
	return nil
}

// ParsePeers parses the peer listing.
func ParsePeers(res remote.Result) ([]Peer, error) {
	var peers []Peer
	if err := decode("wg.list", res, &peers); err != nil {
		return nil, err
	}
	for i, p := range peers {
		if p.Name == "" {
			return nil, internalerrors.Parse("wg.list", fmt.Errorf("peer %d has no name", i))
		}
	}
	return peers, nil
}

// ParsePeerIPs parses the list of addresses a peer may reach. A JSON null is
// an empty list.
func ParsePeerIPs(res remote.Result) ([]string, error) {
	var ips []string
	if err := decode("wg.set_list", res, &ips); err != nil {
		return nil, err
	}
	return ips, nil
}

// ParseConfig parses "add" and "config" output; all four fields are required.
func ParseConfig(res remote.Result) (Config, error) {
	var raw map[string]json.RawMessage
	if err := decode("wg.config", res, &raw); err != nil {
		return Config{}, err
	}

	var cfg Config
	fields := []struct {
		key string
		dst *string
	}{
		{"Peer", &cfg.Comment},
		{"PrivateKey", &cfg.PrivateKey},
		{"ip", &cfg.Address},
		{"PresharedKey", &cfg.PresharedKey},
	}
	for _, f := range fields {
		value, ok := raw[f.key]
		if !ok {
			return Config{}, internalerrors.Parse("wg.config", fmt.Errorf("missing field %q", f.key))
		}
		if err := json.Unmarshal(value, f.dst); err != nil {
			return Config{}, internalerrors.Parse("wg.config", fmt.Errorf("field %q: %w", f.key, err))
		}
	}
	return cfg, nil
}

// ParseSuccess interprets {"success": bool}. success:false yields a rejected
// error so callers can tell it apart from transport and parse failures.
func ParseSuccess(op string, res remote.Result) error {
	var reply successReply
	if err := decode(op, res, &reply); err != nil {
		return err
	}
	if reply.Success == nil {
		return internalerrors.Parse(op, errors.New(`missing field "success"`))
	}
	if !*reply.Success {
		return internalerrors.Rejected(op)
	}
	return nil
}
