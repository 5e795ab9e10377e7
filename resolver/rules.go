// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resolver

import (
	"net"
	"strings"

	"github.com/scmtools/tenantsync/core/config"
)

// ref is one by-name reference an item makes. Candidate types are
// tried in order against the graph; the platform resolves the same
// member name as an address before an address group, and so on.
type ref struct {
	types []config.ItemType
	name  string

	// set writes a replacement name back into the payload field the
	// reference was read from. Used by RewriteReferences on cloned
	// items; resolution never calls it.
	set func(string)

	// soft references live in a namespace shared with a large
	// vendor-predefined catalog (applications, URL categories,
	// regions). They resolve when present in the graph but an absent
	// name is assumed predefined rather than reported missing.
	soft bool
}

// special tokens that are not object references.
var specialTokens = map[string]bool{
	"any":                 true,
	"application-default": true,
}

func skipToken(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || specialTokens[strings.ToLower(name)]
}

// refsFor derives the fixed per-type reference list of one item.
func refsFor(item *config.Item) []ref {
	var refs []ref
	list := func(soft bool, entries []string, types ...config.ItemType) {
		for i := range entries {
			if skipToken(entries[i]) {
				continue
			}
			i := i
			refs = append(refs, ref{
				types: types,
				name:  strings.TrimSpace(entries[i]),
				set:   func(v string) { entries[i] = v },
				soft:  soft,
			})
		}
	}
	one := func(soft bool, field *string, types ...config.ItemType) {
		if skipToken(*field) {
			return
		}
		refs = append(refs, ref{
			types: types,
			name:  strings.TrimSpace(*field),
			set:   func(v string) { *field = v },
			soft:  soft,
		})
	}
	// addresses mixes names with literal IP, CIDR and range entries;
	// literals are values, not references.
	addresses := func(entries []string, types ...config.ItemType) {
		for i := range entries {
			if skipToken(entries[i]) || looksLikeLiteralAddress(entries[i]) {
				continue
			}
			i := i
			refs = append(refs, ref{
				types: types,
				name:  strings.TrimSpace(entries[i]),
				set:   func(v string) { entries[i] = v },
			})
		}
	}
	// expression references live as quoted tokens inside a match or
	// filter string.
	expression := func(field *string, types ...config.ItemType) {
		for _, token := range quotedTokens(*field) {
			token := token
			refs = append(refs, ref{
				types: types,
				name:  token,
				set:   func(v string) { *field = replaceQuoted(*field, token, v) },
			})
		}
	}

	switch payload := item.Payload.(type) {
	case *config.AddressPayload:
		list(false, payload.Tag, config.Tag)
	case *config.ServicePayload:
		list(false, payload.Tag, config.Tag)
	case *config.AddressGroupPayload:
		list(false, payload.Static, config.Address, config.AddressGroup, config.ExternalDynamicList)
		if payload.Dynamic != nil {
			expression(&payload.Dynamic.Filter, config.Tag)
		}
	case *config.ServiceGroupPayload:
		list(false, payload.Members, config.Service, config.ServiceGroup)
		list(false, payload.Tag, config.Tag)
	case *config.ApplicationGroupPayload:
		list(true, payload.Members, config.Application, config.ApplicationGroup, config.ApplicationFilter)
	case *config.SecurityRulePayload:
		addresses(payload.Source, config.Address, config.AddressGroup, config.ExternalDynamicList, config.Region)
		addresses(payload.Destination, config.Address, config.AddressGroup, config.ExternalDynamicList, config.Region)
		list(false, payload.Service, config.Service, config.ServiceGroup)
		list(true, payload.Application, config.Application, config.ApplicationGroup, config.ApplicationFilter)
		list(false, payload.SourceHIP, config.HIPObject, config.HIPProfile)
		list(false, payload.DestinationHIP, config.HIPObject, config.HIPProfile)
		list(true, payload.Category, config.URLCategory)
		one(false, &payload.Schedule, config.Schedule)
		list(false, payload.Tag, config.Tag)
		if payload.ProfileSetting != nil {
			list(false, payload.ProfileSetting.Group, config.ProfileGroup)
		}
	case *config.NATRulePayload:
		addresses(payload.Source, config.Address, config.AddressGroup)
		addresses(payload.Destination, config.Address, config.AddressGroup)
		one(false, &payload.Service, config.Service, config.ServiceGroup)
		list(false, payload.Tag, config.Tag)
	case *config.DecryptionRulePayload:
		addresses(payload.Source, config.Address, config.AddressGroup, config.ExternalDynamicList)
		addresses(payload.Destination, config.Address, config.AddressGroup, config.ExternalDynamicList)
		list(false, payload.Service, config.Service, config.ServiceGroup)
		list(true, payload.Category, config.URLCategory)
		one(false, &payload.Profile, config.DecryptionProfile)
		list(false, payload.Tag, config.Tag)
	case *config.AuthenticationRulePayload:
		addresses(payload.Source, config.Address, config.AddressGroup)
		addresses(payload.Destination, config.Address, config.AddressGroup)
		list(false, payload.Service, config.Service, config.ServiceGroup)
		list(true, payload.Category, config.URLCategory)
		list(false, payload.Tag, config.Tag)
	case *config.ProfileGroupPayload:
		list(false, payload.Spyware, config.AntiSpywareProfile)
		list(false, payload.Vulnerability, config.VulnerabilityProfile)
		list(false, payload.VirusAndWildFire, config.WildFireAVProfile)
		list(false, payload.URLFiltering, config.URLAccessProfile)
		list(false, payload.FileBlocking, config.FileBlockingProfile)
		list(false, payload.DNSSecurity, config.DNSSecurityProfile)
	case *config.HIPProfilePayload:
		expression(&payload.Match, config.HIPObject, config.HIPProfile)
	case *config.URLAccessProfilePayload:
		list(true, payload.Allow, config.URLCategory)
		list(true, payload.Alert, config.URLCategory)
		list(true, payload.Block, config.URLCategory)
		list(true, payload.Continue, config.URLCategory)
	case *config.IKEGatewayPayload:
		if payload.Protocol != nil {
			if payload.Protocol.IKEv1 != nil {
				one(false, &payload.Protocol.IKEv1.IKECryptoProfile, config.IKECryptoProfile)
			}
			if payload.Protocol.IKEv2 != nil {
				one(false, &payload.Protocol.IKEv2.IKECryptoProfile, config.IKECryptoProfile)
			}
		}
	case *config.IPSecTunnelPayload:
		if payload.AutoKey != nil {
			for i := range payload.AutoKey.IKEGateway {
				one(false, &payload.AutoKey.IKEGateway[i].Name, config.IKEGateway)
			}
			one(false, &payload.AutoKey.IPSecCryptoProfile, config.IPSecCryptoProfile)
		}
	case *config.RemoteNetworkPayload:
		one(false, &payload.IPSecTunnel, config.IPSecTunnel)
		one(false, &payload.SecondaryIPSecTunnel, config.IPSecTunnel)
	case *config.ServiceConnectionPayload:
		one(false, &payload.IPSecTunnel, config.IPSecTunnel)
		one(false, &payload.SecondaryIPSecTunnel, config.IPSecTunnel)
	}
	return refs
}

func looksLikeLiteralAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if net.ParseIP(s) != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	if before, after, found := strings.Cut(s, "-"); found {
		if net.ParseIP(strings.TrimSpace(before)) != nil && net.ParseIP(strings.TrimSpace(after)) != nil {
			return true
		}
	}
	return false
}

// quotedTokens extracts the quoted operands of a match or filter
// expression, e.g. `"is-win" and "managed"` or `'pci' or 'dmz'`.
func quotedTokens(expr string) []string {
	var tokens []string
	for {
		start := strings.IndexByte(expr, '\'')
		dq := strings.IndexByte(expr, '"')
		quote := byte('"')
		if dq < 0 || (start >= 0 && start < dq) {
			quote = '\''
		} else {
			start = dq
		}
		if start < 0 {
			return tokens
		}
		rest := expr[start+1:]
		end := strings.IndexByte(rest, quote)
		if end < 0 {
			return tokens
		}
		if token := strings.TrimSpace(rest[:end]); token != "" {
			tokens = append(tokens, token)
		}
		expr = rest[end+1:]
	}
}

// replaceQuoted substitutes every quoted occurrence of old inside an
// expression, preserving the quote style in use.
func replaceQuoted(expr, old, new string) string {
	expr = strings.ReplaceAll(expr, `"`+old+`"`, `"`+new+`"`)
	return strings.ReplaceAll(expr, `'`+old+`'`, `'`+new+`'`)
}
