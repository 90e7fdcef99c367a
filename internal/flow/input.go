package flow

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mehanizm/iuliia-go"
	internalerrors "github.com/opsdesk/opsbot/internal/errors"
)

const (
	minProxyPort = 1024
	maxProxyPort = 65535
)

var (
	errNameTokens = errors.New("expected exactly two words")
	errEmptySpec  = errors.New("no IP:PORT pairs given")
)

// ValidIPv4 reports whether s is a dotted-quad IPv4 literal.
func ValidIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.Is4() && addr.Zone() == ""
}

// ValidIPv4Range reports whether s is an IPv4 address or IPv4 prefix, the
// two forms a peer access entry takes.
func ValidIPv4Range(s string) bool {
	if ValidIPv4(s) {
		return true
	}
	prefix, err := netip.ParsePrefix(s)
	return err == nil && prefix.Addr().Is4()
}

// ProxySpecError lists every token of a proxy spec that failed to parse.
type ProxySpecError struct {
	Invalid []string
}

func (e *ProxySpecError) Error() string {
	return "invalid IP:PORT: " + strings.Join(e.Invalid, ", ")
}

// ParseProxySpec splits whitespace-separated ip:port tokens. Ports must lie
// in 1024-65535. Duplicates are dropped, keeping the first occurrence.
func ParseProxySpec(text string) ([]string, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, internalerrors.Validation("input.proxy_spec", errEmptySpec)
	}

	var invalid []string
	seen := make(map[string]struct{}, len(tokens))
	targets := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !validTarget(tok) {
			invalid = append(invalid, tok)
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		targets = append(targets, tok)
	}
	if len(invalid) > 0 {
		return nil, internalerrors.Validation("input.proxy_spec", &ProxySpecError{Invalid: invalid})
	}
	return targets, nil
}

func validTarget(tok string) bool {
	parts := strings.Split(tok, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	if !ValidIPv4(parts[0]) {
		return false
	}
	for _, r := range parts[1] {
		if r < '0' || r > '9' {
			return false
		}
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return port >= minProxyPort && port <= maxProxyPort
}

// PeerName is a validated, transliterated peer identity.
type PeerName struct {
	Name     string
	Chainset string
}

// ParsePeerName accepts exactly two words, transliterates them to Latin
// and derives the chainset: first letter of the first word followed by
// the second word, lowercased.
func ParsePeerName(text string) (PeerName, error) {
	if len(strings.Fields(text)) != 2 {
		return PeerName{}, internalerrors.Validation("input.peer_name", errNameTokens)
	}
	tokens := strings.Fields(iuliia.Telegram.Translate(strings.Join(strings.Fields(text), " ")))
	if len(tokens) != 2 {
		return PeerName{}, internalerrors.Validation("input.peer_name", errNameTokens)
	}

	first, _ := utf8.DecodeRuneInString(tokens[0])
	return PeerName{
		Name:     tokens[0] + " " + tokens[1],
		Chainset: string(unicode.ToLower(first)) + strings.ToLower(tokens[1]),
	}, nil
}
