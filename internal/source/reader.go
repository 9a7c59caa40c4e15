// Package source reads the upstream lead dataset one partition at a time.
//
// A dataset is a spreadsheet (or a directory of files) and each partition
// is one of its tabs (or files). Readers return raw header-keyed rows and
// leave mapping to schema.FromRow.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// PartitionInfo identifies one partition of a dataset.
type PartitionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Partition is the full content of one partition.
type Partition struct {
	ID   string
	Name string
	// Rows are header-keyed, in source order.
	Rows []map[string]string
}

// Reader lists and fetches dataset partitions.
type Reader interface {
	// ListPartitions returns every partition of the dataset in source order.
	ListPartitions(ctx context.Context, datasetID string) ([]PartitionInfo, error)

	// FetchPartition returns all rows of one partition. Failures are
	// returned as *FetchError carrying partitionID.
	FetchPartition(ctx context.Context, datasetID, partitionID string) (*Partition, error)
}

// FetchError reports a failed partition read.
type FetchError struct {
	PartitionID string
	StatusCode  int
	Err         error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch partition %q: status %d: %v", e.PartitionID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch partition %q: %v", e.PartitionID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later may succeed: network errors,
// timeouts, throttling and server errors.
func (e *FetchError) Temporary() bool {
	return isTemporary(e.StatusCode, e.Err)
}

func isTemporary(status int, err error) bool {
	if status == 429 || status >= 500 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Resolve maps configured partition references (ids or names) to the
// partitions listed by the reader. An empty refs selects every partition.
func Resolve(available []PartitionInfo, refs []string) ([]PartitionInfo, error) {
	if len(refs) == 0 {
		return available, nil
	}

	out := make([]PartitionInfo, 0, len(refs))
	for _, ref := range refs {
		found := false
		for _, p := range available {
			if p.ID == ref || p.Name == ref {
				out = append(out, p)
				found = true
				break
			}
		}
		if !found {
			return nil, &FetchError{PartitionID: ref, Err: errors.New("partition not found")}
		}
	}
	return out, nil
}
