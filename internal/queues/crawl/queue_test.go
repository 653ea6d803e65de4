package crawl

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matreco/queue-service/internal/queue"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{
			name:    "valid",
			payload: Payload{SeedURL: "https://supplier.example.com", MaxDepth: 3},
		},
		{
			name:    "missing seed url",
			payload: Payload{MaxDepth: 3},
			wantErr: true,
		},
		{
			name:    "relative url",
			payload: Payload{SeedURL: "/catalog", MaxDepth: 3},
			wantErr: true,
		},
		{
			name:    "depth beyond cap",
			payload: Payload{SeedURL: "https://supplier.example.com", MaxDepth: MaxCrawlDepth + 1},
			wantErr: true,
		},
		{
			name:    "negative depth",
			payload: Payload{SeedURL: "https://supplier.example.com", MaxDepth: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload(tt.payload)
			if tt.wantErr {
				assert.True(t, queue.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecutorRespectsPageBudget(t *testing.T) {
	exec := &Executor{
		PageDelay: time.Microsecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	job := &Job{
		ID: "j1",
		Payload: Payload{
			SeedURL:  "https://supplier.example.com",
			MaxPages: 12,
		},
	}

	var last queue.Progress
	result, err := exec.Execute(context.Background(), job, func(p queue.Progress) {
		last = p
	})
	require.NoError(t, err)

	assert.Equal(t, 12, result.PagesFetched)
	assert.Equal(t, 100, last.OverallPercent)
	assert.Len(t, result.DocumentsFound, 1)
}
