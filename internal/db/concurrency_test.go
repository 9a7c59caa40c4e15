package db

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aliest/leadsync/internal/schema"
)

func generateLeads(n int, partition string) []schema.Lead {
	leads := make([]schema.Lead, n)
	for i := range leads {
		leads[i] = schema.Lead{
			TaxID:     fmt.Sprintf("%014d", i),
			Company:   fmt.Sprintf("Company %d", i),
			Partition: partition,
		}
	}
	return leads
}

// TestReplaceLeads_ConcurrentReaders checks that readers running alongside
// repeated replaces only ever see a complete dataset.
func TestReplaceLeads_ConcurrentReaders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency test in short mode")
	}

	db := openTestDB(t)
	ctx := context.Background()

	small := generateLeads(100, "C6")
	large := generateLeads(150, "BS2")
	if _, err := db.ReplaceLeadsContext(ctx, small); err != nil {
		t.Fatalf("ReplaceLeadsContext() failed: %v", err)
	}

	const (
		numReaders     = 8
		readsPerReader = 40
		replaces       = 10
	)

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)
	done := make(chan struct{})

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for j := 0; j < readsPerReader; j++ {
				n, err := db.CountLeadsContext(ctx)
				if err != nil {
					errorsChan <- fmt.Errorf("reader %d read %d failed: %w", reader, j, err)
					return
				}
				if n != len(small) && n != len(large) {
					errorsChan <- fmt.Errorf("reader %d saw %d leads, want %d or %d", reader, n, len(small), len(large))
					return
				}
			}
		}(i)
	}

	go func() {
		defer close(done)
		for i := 0; i < replaces; i++ {
			leads := large
			if i%2 == 1 {
				leads = small
			}
			if _, err := db.ReplaceLeadsContext(ctx, leads); err != nil {
				errorsChan <- fmt.Errorf("replace %d failed: %w", i, err)
				return
			}
		}
	}()

	wg.Wait()
	<-done
	close(errorsChan)

	for err := range errorsChan {
		t.Error(err)
	}
}
