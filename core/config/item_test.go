// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"encoding/json"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/scmtools/tenantsync/core/config"
)

type ItemSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ItemSuite{})

func (s *ItemSuite) TestDecodeAddressGroup(c *gc.C) {
	raw := []byte(`{
		"id": "abc-123",
		"name": "grp1",
		"folder": "Shared",
		"static": ["addr1", "addr2"],
		"description": "web servers",
		"disable_override": "no"
	}`)
	item, err := config.DecodeItem(config.AddressGroup, raw)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(item.Type, gc.Equals, config.AddressGroup)
	c.Check(item.Name, gc.Equals, "grp1")
	c.Check(item.ID, gc.Equals, "abc-123")
	c.Check(item.Folder, gc.Equals, "Shared")
	c.Check(item.Snippet, gc.Equals, "")
	c.Check(item.VendorDefault, jc.IsFalse)

	payload, ok := item.Payload.(*config.AddressGroupPayload)
	c.Assert(ok, jc.IsTrue)
	c.Check(payload.Static, jc.DeepEquals, []string{"addr1", "addr2"})

	// Unrecognized fields are preserved verbatim in the side-map.
	c.Check(string(item.Extra["description"]), gc.Equals, `"web servers"`)
	c.Check(string(item.Extra["disable_override"]), gc.Equals, `"no"`)
	_, declared := item.Extra["static"]
	c.Check(declared, jc.IsFalse)
}

func (s *ItemSuite) TestDecodeGenericKeepsEverything(c *gc.C) {
	raw := []byte(`{"name": "edl1", "snippet": "branch", "type": {"ip": {"url": "http://x"}}}`)
	item, err := config.DecodeItem(config.ExternalDynamicList, raw)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(item.Snippet, gc.Equals, "branch")
	c.Check(string(item.Extra["type"]), gc.Equals, `{"ip": {"url": "http://x"}}`)
}

func (s *ItemSuite) TestDecodeWithoutNameRejected(c *gc.C) {
	_, err := config.DecodeItem(config.Address, []byte(`{"folder": "Shared", "ip_netmask": "10.0.0.1"}`))
	c.Assert(err, gc.ErrorMatches, "address record without a name not valid")
}

func (s *ItemSuite) TestDecodeVendorDefault(c *gc.C) {
	raw := []byte(`{"name": "best-practice", "folder": "predefined-snippets", "snippet": "Web-Security-Default"}`)
	item, err := config.DecodeItem(config.AntiSpywareProfile, raw)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(item.VendorDefault, jc.IsTrue)
	// The documented predefined-item exception: both containers kept.
	c.Check(item.Folder, gc.Equals, "predefined-snippets")
	c.Check(item.Snippet, gc.Equals, "Web-Security-Default")
	c.Check(item.Validate(), jc.ErrorIsNil)
}

func (s *ItemSuite) TestValidateRejectsDualContainer(c *gc.C) {
	item := &config.Item{
		Type:    config.Address,
		Name:    "addr1",
		Folder:  "Shared",
		Snippet: "branch",
	}
	c.Assert(item.Validate(), gc.ErrorMatches, `address "addr1" in both folder "Shared" and snippet "branch" not valid`)
}

func (s *ItemSuite) TestEncodePayloadRoundTrip(c *gc.C) {
	raw := []byte(`{
		"id": "abc-123",
		"name": "grp1",
		"folder": "Shared",
		"static": ["addr1"],
		"description": "kept"
	}`)
	item, err := config.DecodeItem(config.AddressGroup, raw)
	c.Assert(err, jc.ErrorIsNil)

	encoded, err := item.EncodePayload()
	c.Assert(err, jc.ErrorIsNil)

	var fields map[string]json.RawMessage
	c.Assert(json.Unmarshal(encoded, &fields), jc.ErrorIsNil)
	c.Check(string(fields["name"]), gc.Equals, `"grp1"`)
	c.Check(string(fields["static"]), gc.Equals, `["addr1"]`)
	c.Check(string(fields["description"]), gc.Equals, `"kept"`)
	// Identity and container fields stay out of the payload body.
	_, hasID := fields["id"]
	c.Check(hasID, jc.IsFalse)
	_, hasFolder := fields["folder"]
	c.Check(hasFolder, jc.IsFalse)
}

func (s *ItemSuite) TestContainerPrecedence(c *gc.C) {
	infra := &config.Item{Type: config.IKEGateway, Name: "gw1"}
	c.Check(infra.Container(), gc.Equals, config.InfraRef())

	folderScoped := &config.Item{Type: config.Address, Name: "a", Folder: "Shared"}
	c.Check(folderScoped.Container(), gc.Equals, config.FolderRef("Shared"))

	snippetScoped := &config.Item{Type: config.Address, Name: "a", Snippet: "branch"}
	c.Check(snippetScoped.Container(), gc.Equals, config.SnippetRef("branch"))
}

func (s *ItemSuite) TestParseItemType(c *gc.C) {
	t, err := config.ParseItemType("security-rule")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t, gc.Equals, config.SecurityRule)

	_, err = config.ParseItemType("flux-capacitor")
	c.Assert(err, gc.ErrorMatches, `item type "flux-capacitor" not valid`)
}
