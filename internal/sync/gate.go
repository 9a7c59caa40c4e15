package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aliest/leadsync/internal/source"
)

// PartitionRows is one partition that passed validation.
type PartitionRows struct {
	ID   string
	Name string
	Rows []map[string]string
}

// Validated is the full source content, available only when every
// partition was read.
type Validated struct {
	Partitions []PartitionRows
	Rows       int
}

// Gate fetches all partitions of a dataset before anything is mutated.
type Gate struct {
	reader     source.Reader
	datasetID  string
	partitions []string
	timeout    time.Duration
	logger     *log.Logger
}

// NewGate returns a gate over the given partitions (ids or names). An empty
// list means every partition the reader lists. A zero timeout leaves fetches
// bounded only by ctx.
func NewGate(reader source.Reader, datasetID string, partitions []string, timeout time.Duration, logger *log.Logger) *Gate {
	return &Gate{
		reader:     reader,
		datasetID:  datasetID,
		partitions: partitions,
		timeout:    timeout,
		logger:     logger,
	}
}

// Resolve lists the dataset and picks the configured partitions.
func (g *Gate) Resolve(ctx context.Context) ([]source.PartitionInfo, error) {
	listCtx, cancel := g.bounded(ctx)
	defer cancel()

	available, err := g.reader.ListPartitions(listCtx, g.datasetID)
	if err != nil {
		return nil, &ValidationError{Cause: fmt.Errorf("failed to list partitions: %w", err)}
	}

	selected, err := source.Resolve(available, g.partitions)
	if err != nil {
		var fe *source.FetchError
		if errors.As(err, &fe) {
			return nil, &ValidationError{PartitionID: fe.PartitionID, Cause: fe.Err}
		}
		return nil, &ValidationError{Cause: err}
	}
	if len(selected) == 0 {
		return nil, &ValidationError{Cause: errors.New("dataset has no partitions")}
	}
	return selected, nil
}

// Validate fetches every partition in order. The first failure, including
// ctx cancellation, aborts with a *ValidationError and discards whatever was
// already fetched.
func (g *Gate) Validate(ctx context.Context) (*Validated, error) {
	partitions, err := g.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	validated := &Validated{Partitions: make([]PartitionRows, 0, len(partitions))}
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, &ValidationError{PartitionID: p.ID, Cause: err}
		}

		rows, err := g.fetch(ctx, p)
		if err != nil {
			g.logger.Printf("Validation failed at partition %q (%s): %v", p.Name, p.ID, err)
			return nil, &ValidationError{PartitionID: p.ID, Cause: err}
		}

		g.logger.Printf("Partition %q validated: %d rows", rows.Name, len(rows.Rows))
		validated.Partitions = append(validated.Partitions, rows)
		validated.Rows += len(rows.Rows)
	}

	g.logger.Printf("All %d partitions validated, %d rows", len(validated.Partitions), validated.Rows)
	return validated, nil
}

func (g *Gate) fetch(ctx context.Context, info source.PartitionInfo) (PartitionRows, error) {
	fetchCtx, cancel := g.bounded(ctx)
	defer cancel()

	p, err := g.reader.FetchPartition(fetchCtx, g.datasetID, info.ID)
	if err != nil {
		return PartitionRows{}, err
	}
	if p == nil {
		return PartitionRows{}, errors.New("reader returned no partition")
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(info.Name)
	}
	if name == "" {
		return PartitionRows{}, errors.New("partition has no name")
	}
	for i, row := range p.Rows {
		if row == nil {
			return PartitionRows{}, fmt.Errorf("row %d is malformed", i+1)
		}
	}

	return PartitionRows{ID: info.ID, Name: name, Rows: p.Rows}, nil
}

func (g *Gate) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
