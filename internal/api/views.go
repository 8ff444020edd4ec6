package api

import (
	"time"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

// connectionView never carries token values.
type connectionView struct {
	ID             string     `json:"id"`
	Identity       string     `json:"identity"`
	DisplayName    string     `json:"display_name,omitempty"`
	IsActive       bool       `json:"is_active"`
	SyncEnabled    bool       `json:"sync_enabled"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	NeedsReauth    bool       `json:"needs_reauth"`
	ReauthReason   string     `json:"reauth_reason,omitempty"`
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toConnectionView(c *sync.Connection) connectionView {
	return connectionView{
		ID:             c.ID,
		Identity:       c.Identity,
		DisplayName:    c.DisplayName,
		IsActive:       c.IsActive,
		SyncEnabled:    c.SyncEnabled,
		LastSyncAt:     c.LastSyncAt,
		NeedsReauth:    c.NeedsReauth,
		ReauthReason:   c.ReauthReason,
		TokenExpiresAt: c.Token.ExpiresAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

type folderView struct {
	Folder  string `json:"folder"`
	Fetched int    `json:"fetched"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

type syncView struct {
	ConnectionID string       `json:"connection_id"`
	Identity     string       `json:"identity"`
	Created      int          `json:"created"`
	Updated      int          `json:"updated"`
	Partial      bool         `json:"partial"`
	Folders      []folderView `json:"folders"`
}

func toSyncView(r sync.SyncResult) syncView {
	v := syncView{
		ConnectionID: r.ConnectionID,
		Identity:     r.Identity,
		Created:      r.Created,
		Updated:      r.Updated,
		Partial:      r.Partial,
		Folders:      make([]folderView, 0, len(r.Folders)),
	}
	for _, f := range r.Folders {
		fv := folderView{Folder: f.Folder, Fetched: f.Fetched, Created: f.Created, Updated: f.Updated}
		if f.Err != nil {
			fv.Error = f.Err.Error()
		}
		v.Folders = append(v.Folders, fv)
	}
	return v
}

type connectionErrorView struct {
	ConnectionID string `json:"connection_id"`
	Identity     string `json:"identity"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

type batchView struct {
	TotalCreated int                   `json:"total_created"`
	TotalUpdated int                   `json:"total_updated"`
	Connections  []syncView            `json:"connections"`
	Errors       []connectionErrorView `json:"errors"`
	Skipped      []string              `json:"skipped,omitempty"`
}

func toBatchView(b sync.BatchResult) batchView {
	v := batchView{
		TotalCreated: b.TotalCreated,
		TotalUpdated: b.TotalUpdated,
		Connections:  make([]syncView, 0, len(b.Connections)),
		Errors:       make([]connectionErrorView, 0, len(b.Errors)),
		Skipped:      b.Skipped,
	}
	for _, r := range b.Connections {
		v.Connections = append(v.Connections, toSyncView(r))
	}
	for _, e := range b.Errors {
		v.Errors = append(v.Errors, connectionErrorView{
			ConnectionID: e.ConnectionID,
			Identity:     e.Identity,
			Code:         apperr.Code(e.Err),
			Message:      e.Err.Error(),
		})
	}
	return v
}
