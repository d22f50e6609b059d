package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

const (
	productLookupType = tasks.QueueTypeProductLookup
	bulkImportType    = tasks.QueueTypeBulkImport
)

// productLookupPayload identifies a product by barcode.
type productLookupPayload struct {
	Barcode string `json:"barcode"`
	Source  string `json:"source,omitempty"`
}

// bulkImportPayload is a batch of barcodes to import.
type bulkImportPayload struct {
	Barcodes []string `json:"barcodes"`
}

// handleProductLookup simulates an external lookup. It honors ctx so
// cancellation and timeouts take effect promptly.
func handleProductLookup(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error) {
	p, err := tasks.UnmarshalPayload[productLookupPayload](task.Payload)
	if err != nil {
		return tasks.TaskResult{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Barcode == "" {
		return tasks.TaskResult{}, fmt.Errorf("missing barcode")
	}

	select {
	case <-ctx.Done():
		return tasks.TaskResult{}, context.Cause(ctx)
	case <-time.After(200 * time.Millisecond): // Simulate the external service
	}

	data, err := tasks.MarshalPayload(map[string]any{
		"barcode": p.Barcode,
		"source":  p.Source,
		"found":   true,
	})
	if err != nil {
		return tasks.TaskResult{}, err
	}
	return tasks.TaskResult{ResultData: data}, nil
}

// handleBulkImport walks the batch, checking ctx between items.
func handleBulkImport(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error) {
	p, err := tasks.UnmarshalPayload[bulkImportPayload](task.Payload)
	if err != nil {
		return tasks.TaskResult{}, fmt.Errorf("decode payload: %w", err)
	}

	imported := 0
	for _, code := range p.Barcodes {
		if err := context.Cause(ctx); err != nil {
			return tasks.TaskResult{}, err
		}
		time.Sleep(20 * time.Millisecond) // Simulate the import of one item
		imported++
		logger.Log.Debug().Str("task_id", task.TaskID).Str("barcode", code).Msg("Imported item")
	}

	data, err := tasks.MarshalPayload(map[string]int{"imported": imported, "total": len(p.Barcodes)})
	if err != nil {
		return tasks.TaskResult{}, err
	}
	return tasks.TaskResult{ResultData: data}, nil
}
