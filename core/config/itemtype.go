// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"github.com/juju/errors"
)

// ItemType identifies one of the fixed catalog of configuration object
// types the platform exposes. The catalog is closed: unknown types are
// rejected at the client boundary rather than carried opaquely.
type ItemType string

const (
	Address             ItemType = "address"
	AddressGroup        ItemType = "address-group"
	Service             ItemType = "service"
	ServiceGroup        ItemType = "service-group"
	Application         ItemType = "application"
	ApplicationGroup    ItemType = "application-group"
	ApplicationFilter   ItemType = "application-filter"
	ExternalDynamicList ItemType = "external-dynamic-list"
	URLCategory         ItemType = "url-category"
	Tag                 ItemType = "tag"
	Schedule            ItemType = "schedule"
	Region              ItemType = "region"
	HIPObject           ItemType = "hip-object"
	HIPProfile          ItemType = "hip-profile"

	AntiSpywareProfile   ItemType = "anti-spyware-profile"
	VulnerabilityProfile ItemType = "vulnerability-profile"
	WildFireAVProfile    ItemType = "wildfire-av-profile"
	URLAccessProfile     ItemType = "url-access-profile"
	FileBlockingProfile  ItemType = "file-blocking-profile"
	DNSSecurityProfile   ItemType = "dns-security-profile"
	DecryptionProfile    ItemType = "decryption-profile"
	ProfileGroup         ItemType = "profile-group"

	SecurityRule       ItemType = "security-rule"
	NATRule            ItemType = "nat-rule"
	DecryptionRule     ItemType = "decryption-rule"
	AuthenticationRule ItemType = "authentication-rule"

	IKECryptoProfile   ItemType = "ike-crypto-profile"
	IPSecCryptoProfile ItemType = "ipsec-crypto-profile"
	IKEGateway         ItemType = "ike-gateway"
	IPSecTunnel        ItemType = "ipsec-tunnel"
	RemoteNetwork      ItemType = "remote-network"
	ServiceConnection  ItemType = "service-connection"
)

// AllTypes lists the catalog in canonical order: leaf object types
// first, then profiles, then rules, then infrastructure. The position
// in this list is the primary sort key wherever a deterministic type
// order is needed.
var AllTypes = []ItemType{
	Tag,
	Address,
	AddressGroup,
	Region,
	Service,
	ServiceGroup,
	Application,
	ApplicationGroup,
	ApplicationFilter,
	ExternalDynamicList,
	URLCategory,
	Schedule,
	HIPObject,
	HIPProfile,
	AntiSpywareProfile,
	VulnerabilityProfile,
	WildFireAVProfile,
	URLAccessProfile,
	FileBlockingProfile,
	DNSSecurityProfile,
	DecryptionProfile,
	ProfileGroup,
	SecurityRule,
	NATRule,
	DecryptionRule,
	AuthenticationRule,
	IKECryptoProfile,
	IPSecCryptoProfile,
	IKEGateway,
	IPSecTunnel,
	RemoteNetwork,
	ServiceConnection,
}

// InfrastructureTypes are the non-hierarchical network-topology types
// that live in the flat Infrastructure container rather than in a
// folder or snippet.
var InfrastructureTypes = []ItemType{
	IKECryptoProfile,
	IPSecCryptoProfile,
	IKEGateway,
	IPSecTunnel,
	RemoteNetwork,
	ServiceConnection,
}

var typeOrder = func() map[ItemType]int {
	order := make(map[ItemType]int, len(AllTypes))
	for i, t := range AllTypes {
		order[t] = i
	}
	return order
}()

var infraTypes = func() map[ItemType]bool {
	infra := make(map[ItemType]bool, len(InfrastructureTypes))
	for _, t := range InfrastructureTypes {
		infra[t] = true
	}
	return infra
}()

// ContainerTypes returns the catalog types that are folder or snippet
// scoped.
func ContainerTypes() []ItemType {
	result := make([]ItemType, 0, len(AllTypes)-len(InfrastructureTypes))
	for _, t := range AllTypes {
		if !infraTypes[t] {
			result = append(result, t)
		}
	}
	return result
}

// ParseItemType validates a wire-level type tag against the catalog.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(s)
	if _, ok := typeOrder[t]; !ok {
		return "", errors.NotValidf("item type %q", s)
	}
	return t, nil
}

// IsInfrastructure reports whether t lives in the flat Infrastructure
// container.
func (t ItemType) IsInfrastructure() bool {
	return infraTypes[t]
}

// Order returns t's position in the canonical catalog order. Unknown
// types sort last.
func (t ItemType) Order() int {
	if i, ok := typeOrder[t]; ok {
		return i
	}
	return len(AllTypes)
}

// String implements fmt.Stringer.
func (t ItemType) String() string {
	return string(t)
}
