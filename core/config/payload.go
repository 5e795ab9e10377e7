// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"reflect"
	"strings"
)

// Payload is the declared, typed portion of one item's configuration.
// Catalog types whose fields participate in dependency resolution get
// a concrete struct here; everything else uses GenericPayload and
// rides in the item's Extra side-map verbatim.
type Payload interface{}

// GenericPayload declares no fields; the whole record is preserved in
// the item's Extra map.
type GenericPayload struct{}

// AddressGroupPayload models static and dynamic address groups. Static
// members name addresses or other address groups in the same scope.
type AddressGroupPayload struct {
	Static  []string       `json:"static,omitempty"`
	Dynamic *DynamicFilter `json:"dynamic,omitempty"`
}

// DynamicFilter is a tag-match expression for dynamic address groups.
type DynamicFilter struct {
	Filter string `json:"filter,omitempty"`
}

// ServiceGroupPayload models service groups; members name services or
// nested service groups.
type ServiceGroupPayload struct {
	Members []string `json:"members,omitempty"`
	Tag     []string `json:"tag,omitempty"`
}

// ApplicationGroupPayload models application groups; members name
// applications, filters or nested groups.
type ApplicationGroupPayload struct {
	Members []string `json:"members,omitempty"`
}

// ProfileSetting attaches profile groups to a security rule.
type ProfileSetting struct {
	Group []string `json:"group,omitempty"`
}

// SecurityRulePayload declares the dependency-bearing fields of a
// security rule. Zone references and the many behavioural knobs are
// not modelled and round-trip through Extra.
type SecurityRulePayload struct {
	Action         string          `json:"action,omitempty"`
	Source         []string        `json:"source,omitempty"`
	Destination    []string        `json:"destination,omitempty"`
	Service        []string        `json:"service,omitempty"`
	Application    []string        `json:"application,omitempty"`
	SourceHIP      []string        `json:"source_hip,omitempty"`
	DestinationHIP []string        `json:"destination_hip,omitempty"`
	Category       []string        `json:"category,omitempty"`
	Schedule       string          `json:"schedule,omitempty"`
	Tag            []string        `json:"tag,omitempty"`
	ProfileSetting *ProfileSetting `json:"profile_setting,omitempty"`
}

// NATRulePayload declares the dependency-bearing fields of a NAT rule.
type NATRulePayload struct {
	Source      []string `json:"source,omitempty"`
	Destination []string `json:"destination,omitempty"`
	Service     string   `json:"service,omitempty"`
	Tag         []string `json:"tag,omitempty"`
}

// DecryptionRulePayload declares the dependency-bearing fields of a
// decryption rule.
type DecryptionRulePayload struct {
	Source      []string `json:"source,omitempty"`
	Destination []string `json:"destination,omitempty"`
	Service     []string `json:"service,omitempty"`
	Category    []string `json:"category,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Tag         []string `json:"tag,omitempty"`
}

// AuthenticationRulePayload declares the dependency-bearing fields of
// an authentication rule.
type AuthenticationRulePayload struct {
	Source      []string `json:"source,omitempty"`
	Destination []string `json:"destination,omitempty"`
	Service     []string `json:"service,omitempty"`
	Category    []string `json:"category,omitempty"`
	Tag         []string `json:"tag,omitempty"`
}

// ProfileGroupPayload maps a profile group to its member profiles, one
// list per profile family.
type ProfileGroupPayload struct {
	Spyware          []string `json:"spyware,omitempty"`
	Vulnerability    []string `json:"vulnerability,omitempty"`
	VirusAndWildFire []string `json:"virus_and_wildfire_analysis,omitempty"`
	URLFiltering     []string `json:"url_filtering,omitempty"`
	FileBlocking     []string `json:"file_blocking,omitempty"`
	DNSSecurity      []string `json:"dns_security,omitempty"`
}

// HIPProfilePayload carries the boolean match expression over HIP
// objects, e.g. `"is-win" and "managed"`.
type HIPProfilePayload struct {
	Match string `json:"match,omitempty"`
}

// AddressPayload declares the tag list of an address object; the value
// fields (ip_netmask, fqdn, ...) round-trip through Extra.
type AddressPayload struct {
	Tag []string `json:"tag,omitempty"`
}

// ServicePayload declares the tag list of a service object.
type ServicePayload struct {
	Tag []string `json:"tag,omitempty"`
}

// IKEProtocol selects the IKE version and its crypto profile.
type IKEProtocol struct {
	IKEv1 *IKEVersionProfile `json:"ikev1,omitempty"`
	IKEv2 *IKEVersionProfile `json:"ikev2,omitempty"`
}

// IKEVersionProfile names the IKE crypto profile for one IKE version.
type IKEVersionProfile struct {
	IKECryptoProfile string `json:"ike_crypto_profile,omitempty"`
}

// IKEGatewayPayload declares the crypto profile references of an IKE
// gateway.
type IKEGatewayPayload struct {
	Protocol *IKEProtocol `json:"protocol,omitempty"`
}

// NameRef is a nested {"name": ...} reference object.
type NameRef struct {
	Name string `json:"name,omitempty"`
}

// AutoKey carries an IPsec tunnel's gateway and crypto profile
// references.
type AutoKey struct {
	IKEGateway         []NameRef `json:"ike_gateway,omitempty"`
	IPSecCryptoProfile string    `json:"ipsec_crypto_profile,omitempty"`
}

// IPSecTunnelPayload declares the dependency-bearing fields of an
// IPsec tunnel.
type IPSecTunnelPayload struct {
	AutoKey *AutoKey `json:"auto_key,omitempty"`
}

// RemoteNetworkPayload declares the tunnel references of a remote
// network descriptor.
type RemoteNetworkPayload struct {
	IPSecTunnel          string `json:"ipsec_tunnel,omitempty"`
	SecondaryIPSecTunnel string `json:"secondary_ipsec_tunnel,omitempty"`
}

// ServiceConnectionPayload declares the tunnel references of a service
// connection descriptor.
type ServiceConnectionPayload struct {
	IPSecTunnel          string `json:"ipsec_tunnel,omitempty"`
	SecondaryIPSecTunnel string `json:"secondary_ipsec_tunnel,omitempty"`
}

// URLAccessProfilePayload declares the category action lists of a URL
// access profile. Entries may name custom url-category items or
// vendor-predefined categories.
type URLAccessProfilePayload struct {
	Allow    []string `json:"allow,omitempty"`
	Alert    []string `json:"alert,omitempty"`
	Block    []string `json:"block,omitempty"`
	Continue []string `json:"continue,omitempty"`
}

var payloadFactories = map[ItemType]func() Payload{
	Address:            func() Payload { return &AddressPayload{} },
	AddressGroup:       func() Payload { return &AddressGroupPayload{} },
	Service:            func() Payload { return &ServicePayload{} },
	ServiceGroup:       func() Payload { return &ServiceGroupPayload{} },
	ApplicationGroup:   func() Payload { return &ApplicationGroupPayload{} },
	SecurityRule:       func() Payload { return &SecurityRulePayload{} },
	NATRule:            func() Payload { return &NATRulePayload{} },
	DecryptionRule:     func() Payload { return &DecryptionRulePayload{} },
	AuthenticationRule: func() Payload { return &AuthenticationRulePayload{} },
	ProfileGroup:       func() Payload { return &ProfileGroupPayload{} },
	HIPProfile:         func() Payload { return &HIPProfilePayload{} },
	URLAccessProfile:   func() Payload { return &URLAccessProfilePayload{} },
	IKEGateway:         func() Payload { return &IKEGatewayPayload{} },
	IPSecTunnel:        func() Payload { return &IPSecTunnelPayload{} },
	RemoteNetwork:      func() Payload { return &RemoteNetworkPayload{} },
	ServiceConnection:  func() Payload { return &ServiceConnectionPayload{} },
}

// NewPayload returns a fresh payload value for the given type. Types
// without a declared struct get a GenericPayload.
func NewPayload(t ItemType) Payload {
	if factory, ok := payloadFactories[t]; ok {
		return factory()
	}
	return &GenericPayload{}
}

// declaredFields returns the JSON field names a payload struct
// declares, derived from its json tags.
func declaredFields(p Payload) []string {
	v := reflect.ValueOf(p)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" {
			fields = append(fields, tag)
		}
	}
	return fields
}
