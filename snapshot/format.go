// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package snapshot

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"github.com/juju/version/v2"

	"github.com/scmtools/tenantsync/core/config"
)

// FormatVersion is the snapshot format written by this version of the
// tool. Loads accept any snapshot with the same major version.
const FormatVersion = "1.0"

// document is the top-level snapshot shape.
type document struct {
	FormatVersion  string                `json:"format_version"`
	Metadata       metadataDoc           `json:"metadata"`
	PushHistory    []pushRecordDoc       `json:"push_history,omitempty"`
	Folders        map[string]folderDoc  `json:"folders"`
	Snippets       map[string]snippetDoc `json:"snippets"`
	Infrastructure infraDoc              `json:"infrastructure"`
	Stats          config.Stats          `json:"stats"`
}

type metadataDoc struct {
	SourceIdentifier string    `json:"source_identifier"`
	LoadType         string    `json:"load_type,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ModifiedAt       time.Time `json:"modified_at"`
	Description      string    `json:"description,omitempty"`
}

type pushRecordDoc struct {
	RunID       string         `json:"run_id"`
	Destination string         `json:"destination"`
	Timestamp   time.Time      `json:"timestamp"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	Summary     string         `json:"summary,omitempty"`
}

type folderDoc struct {
	Parent string    `json:"parent,omitempty"`
	Items  []itemDoc `json:"items"`
}

type snippetDoc struct {
	DisplayName string    `json:"display_name,omitempty"`
	Folders     []string  `json:"folders,omitempty"`
	Items       []itemDoc `json:"items"`
}

type infraDoc struct {
	Items []itemDoc `json:"items"`
}

// itemDoc wraps one serialized item. The type tag selects the payload
// representation on load; the payload body is the same wire shape the
// management API uses.
type itemDoc struct {
	ItemType      string          `json:"item_type"`
	ID            string          `json:"id,omitempty"`
	Folder        string          `json:"folder,omitempty"`
	Snippet       string          `json:"snippet,omitempty"`
	VendorDefault bool            `json:"vendor_default,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// envelopeChecker validates the top-level document structure before
// any item decoding is attempted.
var envelopeChecker = schema.FieldMap(schema.Fields{
	"format_version": schema.String(),
	"metadata":       schema.StringMap(schema.Any()),
	"push_history":   schema.List(schema.StringMap(schema.Any())),
	"folders":        schema.StringMap(schema.Any()),
	"snippets":       schema.StringMap(schema.Any()),
	"infrastructure": schema.StringMap(schema.Any()),
	"stats":          schema.StringMap(schema.Any()),
}, schema.Defaults{
	"push_history":   schema.Omit,
	"folders":        schema.Omit,
	"snippets":       schema.Omit,
	"infrastructure": schema.Omit,
	"stats":          schema.Omit,
})

func validateEnvelope(data []byte) (string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", errors.Annotate(err, "parsing snapshot")
	}
	coerced, err := envelopeChecker.Coerce(raw, nil)
	if err != nil {
		return "", errors.Annotate(err, "snapshot envelope")
	}
	fields := coerced.(map[string]interface{})
	return fields["format_version"].(string), nil
}

// parseFormatVersion reads a "major.minor" version string.
func parseFormatVersion(s string) (version.Number, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return version.Zero, errors.NotValidf("format version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return version.Zero, errors.NotValidf("format version %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return version.Zero, errors.NotValidf("format version %q", s)
	}
	return version.Number{Major: major, Minor: minor}, nil
}

// checkCompatible accepts same-major snapshots; a newer minor than
// ours is fine, only the major constitutes a break.
func checkCompatible(got string) error {
	have, err := parseFormatVersion(got)
	if err != nil {
		return errors.Trace(err)
	}
	want, err := parseFormatVersion(FormatVersion)
	if err != nil {
		return errors.Trace(err)
	}
	if have.Major != want.Major {
		return errors.NotSupportedf("snapshot format version %q (supported %q)", got, FormatVersion)
	}
	if have.Minor != want.Minor {
		logger.Debugf("loading snapshot format %q with reader for %q", got, FormatVersion)
	}
	return nil
}
