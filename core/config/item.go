// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ContainerKind distinguishes the three container notions an item may
// belong to.
type ContainerKind string

const (
	FolderContainer         ContainerKind = "folder"
	SnippetContainer        ContainerKind = "snippet"
	InfrastructureContainer ContainerKind = "infrastructure"
)

// ContainerRef names one container. Infrastructure is a singleton and
// carries no name.
type ContainerRef struct {
	Kind ContainerKind
	Name string
}

// FolderRef returns a reference to the folder at path.
func FolderRef(path string) ContainerRef {
	return ContainerRef{Kind: FolderContainer, Name: path}
}

// SnippetRef returns a reference to the named snippet.
func SnippetRef(name string) ContainerRef {
	return ContainerRef{Kind: SnippetContainer, Name: name}
}

// InfraRef returns the infrastructure container reference.
func InfraRef() ContainerRef {
	return ContainerRef{Kind: InfrastructureContainer}
}

// String implements fmt.Stringer.
func (r ContainerRef) String() string {
	if r.Kind == InfrastructureContainer {
		return string(InfrastructureContainer)
	}
	return fmt.Sprintf("%s %q", r.Kind, r.Name)
}

// Identity names one item unambiguously within a graph: its type, its
// name and the container it belongs to.
type Identity struct {
	Type      ItemType
	Name      string
	Container ContainerRef
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("%s %q in %s", id.Type, id.Name, id.Container)
}

// Item is one typed configuration object. Name is unique within the
// (container, type) pair. Folder and Snippet are mutually exclusive
// except for vendor-predefined items, which the platform legitimately
// reports under both.
type Item struct {
	Type    ItemType
	Name    string
	ID      string
	Folder  string
	Snippet string

	// Payload holds the declared fields; Extra preserves every
	// unrecognized payload field verbatim for round-trip fidelity.
	Payload Payload
	Extra   map[string]json.RawMessage

	// Raw is the original fetched record, retained for diagnostics.
	Raw json.RawMessage

	// VendorDefault is computed once at capture time from the
	// container-naming heuristic and never mutated afterwards.
	VendorDefault bool
}

// Container returns the item's primary container. For the predefined
// items that carry both a folder and a snippet, the folder wins.
func (i *Item) Container() ContainerRef {
	switch {
	case i.Type.IsInfrastructure():
		return InfraRef()
	case i.Folder != "":
		return FolderRef(i.Folder)
	default:
		return SnippetRef(i.Snippet)
	}
}

// Identity returns the item's identity within its graph.
func (i *Item) Identity() Identity {
	return Identity{Type: i.Type, Name: i.Name, Container: i.Container()}
}

// Validate checks the item's structural invariants.
func (i *Item) Validate() error {
	if _, err := ParseItemType(string(i.Type)); err != nil {
		return errors.Trace(err)
	}
	if i.Name == "" {
		return errors.NotValidf("item of type %q without a name", i.Type)
	}
	if i.Type.IsInfrastructure() {
		return nil
	}
	if i.Folder == "" && i.Snippet == "" {
		return errors.NotValidf("%s %q without a container", i.Type, i.Name)
	}
	if i.Folder != "" && i.Snippet != "" && !i.VendorDefault {
		return errors.NotValidf("%s %q in both folder %q and snippet %q", i.Type, i.Name, i.Folder, i.Snippet)
	}
	return nil
}

// identity-level wire fields lifted out of payloads at decode time.
var itemEnvelopeFields = []string{"id", "name", "folder", "snippet"}

// DecodeItem converts one raw fetched record into a typed Item. The
// declared fields land in a typed payload; everything else is kept
// verbatim in Extra. The original record is retained in Raw.
func DecodeItem(t ItemType, raw json.RawMessage) (*Item, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, errors.Annotatef(err, "decoding %s record", t)
	}

	item := &Item{Type: t, Raw: append(json.RawMessage(nil), raw...)}
	if err := unmarshalString(all, "name", &item.Name); err != nil {
		return nil, errors.Trace(err)
	}
	if err := unmarshalString(all, "id", &item.ID); err != nil {
		return nil, errors.Trace(err)
	}
	if err := unmarshalString(all, "folder", &item.Folder); err != nil {
		return nil, errors.Trace(err)
	}
	if err := unmarshalString(all, "snippet", &item.Snippet); err != nil {
		return nil, errors.Trace(err)
	}
	if item.Name == "" {
		return nil, errors.NotValidf("%s record without a name", t)
	}

	item.Payload = NewPayload(t)
	if err := json.Unmarshal(raw, item.Payload); err != nil {
		return nil, errors.Annotatef(err, "decoding %s %q payload", t, item.Name)
	}

	for _, field := range itemEnvelopeFields {
		delete(all, field)
	}
	for _, field := range declaredFields(item.Payload) {
		delete(all, field)
	}
	if len(all) > 0 {
		item.Extra = all
	}

	item.VendorDefault = IsVendorDefault(item.Folder, item.Snippet)
	return item, nil
}

// EncodePayload renders the item back into the wire shape expected by
// create and update calls: name, declared payload fields and the
// verbatim Extra fields. Container placement and the remote id are the
// caller's concern.
func (i *Item) EncodePayload() (json.RawMessage, error) {
	body, err := json.Marshal(i.Payload)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %s %q", i.Type, i.Name)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, errors.Trace(err)
	}
	if merged == nil {
		merged = make(map[string]json.RawMessage)
	}
	for field, value := range i.Extra {
		if _, ok := merged[field]; !ok {
			merged[field] = value
		}
	}
	name, err := json.Marshal(i.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	merged["name"] = name
	return json.Marshal(merged)
}

func unmarshalString(fields map[string]json.RawMessage, key string, into *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Annotatef(err, "field %q", key)
	}
	*into = strings.TrimSpace(*into)
	return nil
}
