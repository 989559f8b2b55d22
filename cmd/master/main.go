package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	echo "github.com/labstack/echo/v4"
	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/master"
	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
	"github.com/batchq/batchq/pkg/worker"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var config *Config

var algorithms = map[string]master.Algorithm{
	"":          master.AlgoFCFS,
	"fcfs":      master.AlgoFCFS,
	"files":     master.AlgoFiles,
	"time":      master.AlgoTime,
	"worst-fit": master.AlgoWorstFit,
	"random":    master.AlgoRandom,
}

var rootCmd = &cobra.Command{
	Use:   "master",
	Short: "Batch execution master service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("batchq")
		viper.AutomaticEnv()

		viper.SetConfigName("master.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/batchq/")
		viper.AddConfigPath("$HOME/.config/batchq")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		if err := utils.UnmarshalConfig(*viper.GetViper(), &config); err != nil {
			log.Fatal(err)
		}

		config.Log()

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		queue, err := master.NewQueue(config.Port, master.WithName(config.Name))
		if err != nil {
			log.Fatal(err)
		}
		defer queue.Close()

		algorithm, ok := algorithms[config.Algorithm]
		if !ok {
			log.Fatal("unknown algorithm:", config.Algorithm)
		}
		queue.SetAlgorithm(algorithm)

		if config.TaskOrder == "lifo" {
			queue.SetTaskOrder(master.OrderLIFO)
		}

		if config.FastAbortMultiplier > 0 {
			queue.ActivateFastAbort(config.FastAbortMultiplier)
		}

		if config.TaskLog != "" {
			if err := queue.SpecifyLog(config.TaskLog); err != nil {
				log.Fatal(err)
			}
		}

		// Embedded workers join before admission control is armed.
		for _, workerConfig := range config.Workers {
			storeSize, err := workerConfig.StoreSizeBytes()
			if err != nil {
				log.Fatal(err)
			}

			local, err := worker.NewLocalWorker(workerConfig.Root, protocol.Resources{
				Cores:    workerConfig.Cores,
				MemoryMB: workerConfig.MemoryMB,
				DiskMB:   workerConfig.DiskMB,
			}, storeSize)
			if err != nil {
				log.Fatal(err)
			}

			if err := queue.AddWorker(local, ""); err != nil {
				log.Fatal(err)
			}
		}

		if config.PasswordFile != "" {
			if err := queue.SetPasswordFile(config.PasswordFile); err != nil {
				log.Fatal(err)
			}
		}

		api := newServer(queue)

		group, ctx := errgroup.WithContext(context.Background())
		group.Go(func() error {
			return api.drain(ctx)
		})

		if config.Catalog != nil && config.Catalog.Uri != "" {
			if uri, err := url.Parse(config.Catalog.Uri); err == nil {
				port, _ := strconv.Atoi(uri.Port())
				queue.SetCatalog(uri.Hostname(), port)
			}

			reporter := newCatalogReporter(queue, config.Catalog)
			group.Go(func() error {
				return reporter.run(ctx)
			})
		}

		for _, uri := range config.ListenHttp {
			host, err := utils.ParseHttpUrl(uri)
			if err != nil {
				log.Fatal(err)
			}

			log.Info("Listening on http", host)

			r := echo.New()
			r.HideBanner = true
			r.Use(utils.HttpLogger)
			api.register(r)

			group.Go(func() error {
				return http.ListenAndServe(host, r)
			})
		}

		if err := group.Wait(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", []string{"tcp://:8080"}, "Addresses to listen on for HTTP connections")
	rootCmd.Flags().IntP("port", "p", 0, "TCP port of the queue")
	rootCmd.Flags().StringP("name", "n", "", "Project name reported to the catalog")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("name", rootCmd.Flags().Lookup("name"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
