// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/juju/errors"
)

// ErrDone is returned by Pager.Next once the sequence is exhausted.
const ErrDone = errors.ConstError("no more records")

// Pager normalizes paginated list endpoints, whether they answer with
// an offset/limit envelope or a bare array, into one lazy sequence of
// raw records. A Pager is not safe for concurrent use; each worker
// owns its own.
type Pager struct {
	client *Client
	path   string
	query  url.Values

	buffer []json.RawMessage
	offset int
	total  int
	done   bool
}

func newPager(client *Client, path string, query url.Values) *Pager {
	return &Pager{
		client: client,
		path:   path,
		query:  query,
		total:  -1,
	}
}

// Next returns the next record, fetching pages on demand. When the
// sequence is exhausted it returns ErrDone.
func (p *Pager) Next(ctx context.Context) (json.RawMessage, error) {
	for len(p.buffer) == 0 {
		if p.done {
			return nil, ErrDone
		}
		if err := p.fetchPage(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	record := p.buffer[0]
	p.buffer = p.buffer[1:]
	return record, nil
}

func (p *Pager) fetchPage(ctx context.Context) error {
	query := url.Values{}
	for key, values := range p.query {
		query[key] = values
	}
	query.Set("limit", strconv.Itoa(p.client.pageSize))
	query.Set("offset", strconv.Itoa(p.offset))

	op := "listing " + p.path
	var raw json.RawMessage
	if err := p.client.getJSON(ctx, op, p.path, query, &raw); err != nil {
		return errors.Trace(err)
	}

	records, total, err := decodeListBody(raw)
	if err != nil {
		return errors.Annotate(err, op)
	}
	p.buffer = records
	p.offset += len(records)
	if total >= 0 {
		p.total = total
	}

	switch {
	case len(records) == 0:
		p.done = true
	case total < 0:
		// Bare-array endpoints return everything at once.
		p.done = true
	case p.offset >= total:
		p.done = true
	}
	return nil
}

// decodeListBody accepts either the paginated envelope or a bare
// array. The second return is the reported total, or -1 when the
// endpoint does not paginate.
func decodeListBody(raw json.RawMessage) ([]json.RawMessage, int, error) {
	trimmed := bytesTrimLeft(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, 0, errors.Annotate(err, "decoding list body")
		}
		return records, -1, nil
	}
	var envelope struct {
		Data  []json.RawMessage `json:"data"`
		Total *int              `json:"total"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0, errors.Annotate(err, "decoding list envelope")
	}
	total := -1
	if envelope.Total != nil {
		total = *envelope.Total
	}
	return envelope.Data, total, nil
}

func bytesTrimLeft(raw []byte) []byte {
	for i, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return raw[i:]
		}
	}
	return nil
}
