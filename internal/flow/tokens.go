package flow

import "strings"

// Button tokens are "namespace|arg|arg". Tokens for the confirmation and
// cancel controls carry no subject data.
const (
	tokenYes    = "yes"
	tokenNo     = "no"
	tokenCancel = "cancel"

	nsAllowlist = "allowlist"
	nsProxy     = "proxy"
	nsWG        = "wg"
	nsPeer      = "peer"
	nsRevoke    = "revoke"
)

// peer-picker operations
const (
	opDelete        = "del"
	opConfigShow    = "config_show"
	opConfigRefresh = "config_update"
	opAccessList    = "set_list"
	opAccessGrant   = "set_add"
	opAccessRevoke  = "set_del"
)

func token(parts ...string) string {
	return strings.Join(parts, "|")
}

func splitToken(tok string) (string, []string) {
	parts := strings.Split(tok, "|")
	return parts[0], parts[1:]
}
