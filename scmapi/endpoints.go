// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/juju/errors"

	"github.com/scmtools/tenantsync/core/config"
)

// endpoint describes where one catalog type lives on the wire.
type endpoint struct {
	// segment is the path element under the API root.
	segment string
	// containerScoped endpoints take a folder or snippet query
	// parameter; infrastructure endpoints take neither.
	containerScoped bool
}

var endpoints = map[config.ItemType]endpoint{
	config.Address:              {segment: "addresses", containerScoped: true},
	config.AddressGroup:         {segment: "address-groups", containerScoped: true},
	config.Service:              {segment: "services", containerScoped: true},
	config.ServiceGroup:         {segment: "service-groups", containerScoped: true},
	config.Application:          {segment: "applications", containerScoped: true},
	config.ApplicationGroup:     {segment: "application-groups", containerScoped: true},
	config.ApplicationFilter:    {segment: "application-filters", containerScoped: true},
	config.ExternalDynamicList:  {segment: "external-dynamic-lists", containerScoped: true},
	config.URLCategory:          {segment: "url-categories", containerScoped: true},
	config.Tag:                  {segment: "tags", containerScoped: true},
	config.Schedule:             {segment: "schedules", containerScoped: true},
	config.Region:               {segment: "regions", containerScoped: true},
	config.HIPObject:            {segment: "hip-objects", containerScoped: true},
	config.HIPProfile:           {segment: "hip-profiles", containerScoped: true},
	config.AntiSpywareProfile:   {segment: "anti-spyware-profiles", containerScoped: true},
	config.VulnerabilityProfile: {segment: "vulnerability-protection-profiles", containerScoped: true},
	config.WildFireAVProfile:    {segment: "wildfire-anti-virus-profiles", containerScoped: true},
	config.URLAccessProfile:     {segment: "url-access-profiles", containerScoped: true},
	config.FileBlockingProfile:  {segment: "file-blocking-profiles", containerScoped: true},
	config.DNSSecurityProfile:   {segment: "dns-security-profiles", containerScoped: true},
	config.DecryptionProfile:    {segment: "decryption-profiles", containerScoped: true},
	config.ProfileGroup:         {segment: "profile-groups", containerScoped: true},
	config.SecurityRule:         {segment: "security-rules", containerScoped: true},
	config.NATRule:              {segment: "nat-rules", containerScoped: true},
	config.DecryptionRule:       {segment: "decryption-rules", containerScoped: true},
	config.AuthenticationRule:   {segment: "authentication-rules", containerScoped: true},
	config.IKECryptoProfile:     {segment: "ike-crypto-profiles"},
	config.IPSecCryptoProfile:   {segment: "ipsec-crypto-profiles"},
	config.IKEGateway:           {segment: "ike-gateways"},
	config.IPSecTunnel:          {segment: "ipsec-tunnels"},
	config.RemoteNetwork:        {segment: "remote-networks"},
	config.ServiceConnection:    {segment: "service-connections"},
}

// Scope addresses one container for list and mutation calls.
type Scope struct {
	Kind config.ContainerKind
	Name string
}

// FolderScope scopes a call to the folder at path. Only the leaf
// folder name travels on the wire.
func FolderScope(path string) Scope {
	return Scope{Kind: config.FolderContainer, Name: path}
}

// SnippetScope scopes a call to the named snippet.
func SnippetScope(name string) Scope {
	return Scope{Kind: config.SnippetContainer, Name: name}
}

// InfraScope scopes a call to the flat infrastructure container.
func InfraScope() Scope {
	return Scope{Kind: config.InfrastructureContainer}
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s.Kind == config.InfrastructureContainer {
		return string(config.InfrastructureContainer)
	}
	return fmt.Sprintf("%s %q", s.Kind, s.Name)
}

// wireName returns the container name as the API expects it: the leaf
// folder name for folder scopes, the snippet name otherwise.
func (s Scope) wireName() string {
	if s.Kind != config.FolderContainer {
		return s.Name
	}
	if idx := strings.LastIndex(s.Name, "/"); idx >= 0 {
		return s.Name[idx+1:]
	}
	return s.Name
}

// query renders the scope's query parameters.
func (s Scope) query(values url.Values) {
	switch s.Kind {
	case config.FolderContainer:
		values.Set("folder", s.wireName())
	case config.SnippetContainer:
		values.Set("snippet", s.Name)
	}
}

func endpointFor(t config.ItemType) (endpoint, error) {
	ep, ok := endpoints[t]
	if !ok {
		return endpoint{}, errors.NotValidf("item type %q", t)
	}
	return ep, nil
}
