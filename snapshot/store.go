// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapshot persists configuration graphs as versioned JSON
// files, optionally gzip-compressed, written atomically so a crash
// never leaves a half-written snapshot behind.
package snapshot

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
)

var logger = loggo.GetLogger("tenantsync.snapshot")

// Mode selects how a load treats per-item reconstruction errors.
type Mode string

const (
	// Strict fails the whole load on the first item error.
	Strict Mode = "strict"
	// Lenient applies the load's OnError choice per item.
	Lenient Mode = "lenient"
)

// OnError is the per-item behaviour of a lenient load.
type OnError string

const (
	// Fail aborts the load, like strict mode.
	Fail OnError = "fail"
	// Warn records the item failure in the report and drops the item.
	Warn OnError = "warn"
	// SkipItem drops the item silently.
	SkipItem OnError = "skip"
)

// Codec is an optional byte transform wrapped around file I/O, for
// callers that keep snapshots encrypted at rest.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Config holds the store collaborators.
type Config struct {
	Clock clock.Clock
	Codec Codec
}

// Store saves and loads graph snapshots.
type Store struct {
	clock clock.Clock
	codec Codec
}

// NewStore returns a snapshot store.
func NewStore(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Store{clock: cfg.Clock, codec: cfg.Codec}
}

const snapshotFileMode = 0o600

// Save writes the graph to path. The write goes to a temporary file
// in the same directory and is renamed into place.
func (s *Store) Save(graph *config.Graph, path string, compress bool) error {
	doc, err := encodeGraph(graph)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Annotate(err, "serializing snapshot")
	}
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return errors.Annotate(err, "compressing snapshot")
		}
		if err := zw.Close(); err != nil {
			return errors.Annotate(err, "compressing snapshot")
		}
		data = buf.Bytes()
	}
	if s.codec != nil {
		if data, err = s.codec.Encode(data); err != nil {
			return errors.Annotate(err, "encoding snapshot")
		}
	}
	if err := utils.AtomicWriteFile(path, data, snapshotFileMode); err != nil {
		return errors.Annotatef(failure.Wrap(err, failure.Fatal), "writing snapshot %q", path)
	}
	logger.Infof("saved snapshot of %d items to %q", graph.ItemCount(), path)
	return nil
}

// Load reads a snapshot back into a graph. The returned report holds
// per-item reconstruction failures of a lenient load; a strict load
// never returns a partial graph.
func (s *Store) Load(path string, mode Mode, onError OnError) (*config.Graph, *failure.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Annotatef(failure.Wrap(err, failure.Fatal), "reading snapshot %q", path)
	}
	if s.codec != nil {
		if data, err = s.codec.Decode(data); err != nil {
			return nil, nil, errors.Annotate(err, "decoding snapshot")
		}
	}
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, errors.Annotate(err, "decompressing snapshot")
		}
		if data, err = io.ReadAll(zr); err != nil {
			return nil, nil, errors.Annotate(err, "decompressing snapshot")
		}
		if err := zr.Close(); err != nil {
			return nil, nil, errors.Annotate(err, "decompressing snapshot")
		}
	}

	formatVersion, err := validateEnvelope(data)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := checkCompatible(formatVersion); err != nil {
		return nil, nil, errors.Trace(err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, errors.Annotate(err, "parsing snapshot")
	}
	graph, report, err := decodeGraph(&doc, mode, onError)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	logger.Infof("loaded snapshot %q: %d items (%s)", path, graph.ItemCount(), report.Summary())
	return graph, report, nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// encodeGraph renders the graph into its document shape.
func encodeGraph(graph *config.Graph) (*document, error) {
	doc := &document{
		FormatVersion: FormatVersion,
		Metadata: metadataDoc{
			SourceIdentifier: graph.Metadata.SourceID,
			LoadType:         graph.Metadata.LoadType,
			CreatedAt:        graph.Metadata.CreatedAt,
			ModifiedAt:       graph.Metadata.ModifiedAt,
			Description:      graph.Metadata.Description,
		},
		Folders:  make(map[string]folderDoc, len(graph.Folders)),
		Snippets: make(map[string]snippetDoc, len(graph.Snippets)),
		Stats:    graph.Stats(),
	}
	for _, record := range graph.PushHistory {
		doc.PushHistory = append(doc.PushHistory, pushRecordDoc{
			RunID:       record.RunID,
			Destination: record.Destination,
			Timestamp:   record.Timestamp,
			DryRun:      record.DryRun,
			Counts:      record.Counts,
			Summary:     record.Summary,
		})
	}
	for path, folder := range graph.Folders {
		items, err := encodeItems(folder.Items)
		if err != nil {
			return nil, errors.Trace(err)
		}
		doc.Folders[path] = folderDoc{Parent: folder.Parent, Items: items}
	}
	for name, snippet := range graph.Snippets {
		items, err := encodeItems(snippet.Items)
		if err != nil {
			return nil, errors.Trace(err)
		}
		doc.Snippets[name] = snippetDoc{
			DisplayName: snippet.DisplayName,
			Folders:     snippet.Folders,
			Items:       items,
		}
	}
	items, err := encodeItems(graph.Infrastructure.Items)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc.Infrastructure = infraDoc{Items: items}
	return doc, nil
}

func encodeItems(items []*config.Item) ([]itemDoc, error) {
	docs := make([]itemDoc, 0, len(items))
	for _, item := range items {
		payload, err := item.EncodePayload()
		if err != nil {
			return nil, errors.Trace(err)
		}
		docs = append(docs, itemDoc{
			ItemType:      string(item.Type),
			ID:            item.ID,
			Folder:        item.Folder,
			Snippet:       item.Snippet,
			VendorDefault: item.VendorDefault,
			Payload:       payload,
		})
	}
	return docs, nil
}

// decodeGraph reconstructs a graph, reporting or failing on bad items
// according to mode.
func decodeGraph(doc *document, mode Mode, onError OnError) (*config.Graph, *failure.Report, error) {
	graph := config.NewGraph(doc.Metadata.SourceIdentifier, doc.Metadata.LoadType, doc.Metadata.CreatedAt)
	graph.Metadata.ModifiedAt = doc.Metadata.ModifiedAt
	graph.Metadata.Description = doc.Metadata.Description
	for _, record := range doc.PushHistory {
		graph.PushHistory = append(graph.PushHistory, config.PushRecord{
			RunID:       record.RunID,
			Destination: record.Destination,
			Timestamp:   record.Timestamp,
			DryRun:      record.DryRun,
			Counts:      record.Counts,
			Summary:     record.Summary,
		})
	}

	// Parents are strict path prefixes, so lexicographic order
	// registers parents first.
	folderPaths := make([]string, 0, len(doc.Folders))
	for path := range doc.Folders {
		folderPaths = append(folderPaths, path)
	}
	sort.Strings(folderPaths)
	for _, path := range folderPaths {
		if _, err := graph.AddFolder(path, doc.Folders[path].Parent); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	snippetNames := make([]string, 0, len(doc.Snippets))
	for name := range doc.Snippets {
		snippetNames = append(snippetNames, name)
	}
	sort.Strings(snippetNames)
	for _, name := range snippetNames {
		if _, err := graph.AddSnippet(name, doc.Snippets[name].DisplayName, doc.Snippets[name].Folders); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	report := &failure.Report{}
	loadItems := func(docs []itemDoc, folder, snippet string) error {
		for _, d := range docs {
			if err := loadItem(graph, d, folder, snippet); err != nil {
				if mode == Strict || onError == Fail {
					return errors.Trace(err)
				}
				if onError == Warn {
					report.Record("load", d.ItemType, "", containerLabel(folder, snippet), err)
				} else {
					logger.Debugf("skipping snapshot item (%s in %s): %v", d.ItemType, containerLabel(folder, snippet), err)
				}
			}
		}
		return nil
	}
	for _, path := range folderPaths {
		if err := loadItems(doc.Folders[path].Items, path, ""); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	for _, name := range snippetNames {
		if err := loadItems(doc.Snippets[name].Items, "", name); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	if err := loadItems(doc.Infrastructure.Items, "", ""); err != nil {
		return nil, nil, errors.Trace(err)
	}

	if doc.Stats.Total != 0 && doc.Stats.Total != graph.ItemCount() {
		logger.Debugf("snapshot stats recorded %d items, loaded %d", doc.Stats.Total, graph.ItemCount())
	}
	return graph, report, nil
}

// loadItem reconstructs one item through the shared type registry and
// re-homes it in its container.
func loadItem(graph *config.Graph, d itemDoc, folder, snippet string) error {
	t, err := config.ParseItemType(d.ItemType)
	if err != nil {
		return errors.Trace(err)
	}
	item, err := config.DecodeItem(t, d.Payload)
	if err != nil {
		return errors.Trace(err)
	}
	item.ID = d.ID
	item.Folder = folder
	item.Snippet = snippet
	if d.Folder != "" {
		item.Folder = d.Folder
	}
	if d.Snippet != "" {
		item.Snippet = d.Snippet
	}
	item.VendorDefault = d.VendorDefault
	return errors.Trace(graph.AddItem(item))
}

func containerLabel(folder, snippet string) string {
	switch {
	case folder != "":
		return "folder " + folder
	case snippet != "":
		return "snippet " + snippet
	default:
		return "infrastructure"
	}
}
