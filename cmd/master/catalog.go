package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/master"
)

const defaultCatalogInterval = 60 * time.Second

// Periodically publishes the queue's catalog report so that clients
// can discover the master by project name.
type catalogReporter struct {
	client   http.Client
	queue    *master.Queue
	uri      string
	interval time.Duration
}

func newCatalogReporter(queue *master.Queue, config *CatalogConfig) *catalogReporter {
	interval := defaultCatalogInterval
	if config.Interval > 0 {
		interval = time.Duration(config.Interval) * time.Second
	}

	return &catalogReporter{
		queue:    queue,
		uri:      config.Uri + "/api/v1/masters",
		interval: interval,
	}
}

func (r *catalogReporter) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *catalogReporter) report() {
	data, err := json.Marshal(r.queue.CatalogReport())
	if err != nil {
		log.Debug("catalog report failed:", err)
		return
	}

	response, err := r.client.Post(r.uri, echo.MIMEApplicationJSON, bytes.NewReader(data))
	if err != nil {
		log.Trace("failed to post catalog report:", err)
		return
	}
	response.Body.Close()
}
