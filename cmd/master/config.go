package main

import (
	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/utils"
)

type WorkerConfig struct {
	// Root directory of the worker's sandbox and store.
	Root string `mapstructure:"root"`

	// Advertised resources.
	Cores    int   `mapstructure:"cores"`
	MemoryMB int64 `mapstructure:"memory_mb"`
	DiskMB   int64 `mapstructure:"disk_mb"`

	// Store size bound, e.g. "10G". Empty leaves the store unbounded.
	StoreSize string `mapstructure:"store_size"`
}

type CatalogConfig struct {
	// Address of the catalog server, e.g. "http://catalog:9097".
	Uri string `mapstructure:"uri"`

	// Seconds between reports.
	Interval int `mapstructure:"interval"`
}

type Config struct {
	// Project name reported to the catalog.
	Name string `mapstructure:"name"`

	// TCP port of the queue.
	Port int `mapstructure:"port"`

	// Addresses to listen on for HTTP.
	ListenHttp []string `mapstructure:"listen_http"`

	// Worker admission password file. Empty disables admission control.
	PasswordFile string `mapstructure:"password_file"`

	// Task lifecycle transition log. Empty disables the log.
	TaskLog string `mapstructure:"task_log"`

	// Default worker selection algorithm.
	Algorithm string `mapstructure:"algorithm"`

	// Dispatch order for equal-priority tasks, "fifo" or "lifo".
	TaskOrder string `mapstructure:"task_order"`

	// Straggler detection multiplier. Disabled unless > 0.
	FastAbortMultiplier float64 `mapstructure:"fast_abort_multiplier"`

	// Embedded local workers.
	Workers []WorkerConfig `mapstructure:"workers"`

	// Catalog configuration.
	Catalog *CatalogConfig `mapstructure:"catalog"`
}

func (c *WorkerConfig) StoreSizeBytes() (int64, error) {
	if c.StoreSize == "" {
		return 0, nil
	}
	return utils.ParseSize(c.StoreSize)
}

func (c *Config) Log() {
	log.Info("Master configuration:")
	log.Infof("  Name: %s", c.Name)
	log.Infof("  Port: %d", c.Port)
	log.Infof("  HTTP listen addresses: %v", c.ListenHttp)
	log.Infof("  Algorithm: %s", c.Algorithm)
	log.Infof("  Task order: %s", c.TaskOrder)
	log.Infof("  Local workers: %d", len(c.Workers))
	if c.Catalog != nil {
		log.Infof("  Catalog: %s", c.Catalog.Uri)
	}
}
