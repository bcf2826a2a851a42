// Package mirror applies a container's change log to a remote bucket: the
// outbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"context"
	"sort"

	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
)

const listingDBID = "listing"

// ListingSource adapts container listings into the change-stream contract
// for deployments where the container database is not reachable: row IDs
// are the entries' nanosecond timestamps, which are strictly increasing for
// any one object and monotonic enough to checkpoint against. Deletions are
// not observable through a listing; the migrator's deletion policy covers
// the inbound direction, and outbound deletes require the database-backed
// source.
type ListingSource struct {
	local client.Client
	chunk int
}

var _ ChangeSource = (*ListingSource)(nil)

func NewListingSource(local client.Client, chunk int) *ListingSource {
	return &ListingSource{local: local, chunk: chunk}
}

func (s *ListingSource) DatabaseIDs(context.Context, string, string) ([]string, error) {
	return []string{listingDBID}, nil
}

func (s *ListingSource) ChangesSince(ctx context.Context, account, container, dbID string,
	lastRow int64, limit int) ([]ChangeRow, error) {
	var (
		rows   []ChangeRow
		marker string
	)
	for {
		entries, err := s.local.ListContainer(ctx, account, container,
			client.ListOpts{Marker: marker, Limit: s.chunk})
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entry := &entries[i]
			if entry.Subdir != "" {
				continue
			}
			t, err := cmn.ParseListingTime(entry.LastModified)
			if err != nil {
				continue
			}
			if rowID := t.UnixNano(); rowID > lastRow {
				rows = append(rows, ChangeRow{
					RowID:     rowID,
					Name:      entry.Name,
					CreatedAt: rowID,
				})
			}
		}
		if len(entries) < s.chunk {
			break
		}
		marker = entries[len(entries)-1].Name
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowID < rows[j].RowID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
