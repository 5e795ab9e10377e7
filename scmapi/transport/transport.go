// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport holds the wire-level request and response shapes
// of the tenant management API. Callers of scmapi never see these;
// the client normalizes them into lazy record sequences.
package transport

import (
	"encoding/json"
	"strings"
)

// ListEnvelope is the paginated wrapper most list endpoints return.
// A few endpoints return a bare JSON array instead; the client's pager
// normalizes both shapes.
type ListEnvelope struct {
	Data   []json.RawMessage `json:"data"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
	Total  int               `json:"total"`
}

// FolderRecord is one folder as the containers endpoint reports it.
type FolderRecord struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// SnippetRecord is one snippet as the containers endpoint reports it.
type SnippetRecord struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name,omitempty"`
	Description string       `json:"description,omitempty"`
	Folders     []FolderLink `json:"folders,omitempty"`
}

// FolderLink associates a snippet with a folder.
type FolderLink struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// IDResponse is the body returned by create and update calls.
type IDResponse struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// APIError is the error body the API returns for non-2xx responses.
type APIError struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// APIErrorBody wraps the error list envelope.
type APIErrorBody struct {
	Errors []APIError `json:"_errors,omitempty"`
}

// Combine renders the error list as one message.
func (b APIErrorBody) Combine() string {
	var parts []string
	for _, e := range b.Errors {
		if e.Message == "" {
			continue
		}
		if e.Code != "" {
			parts = append(parts, e.Code+": "+e.Message)
		} else {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}
