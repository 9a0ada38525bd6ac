// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	sqle "github.com/dolthub/go-mysql-server"
	"github.com/dolthub/go-mysql-server/server"
	"github.com/dolthub/go-mysql-server/sql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/mypgmirror/backend"
	"github.com/apecloud/mypgmirror/catalog"
	"github.com/apecloud/mypgmirror/configuration"
	"github.com/apecloud/mypgmirror/logrepl"
	"github.com/apecloud/mypgmirror/mirror"
	"github.com/apecloud/mypgmirror/mycontext"
)

// This server mirrors tables from a PostgreSQL database into a local DuckDB
// catalog and serves them over the MySQL protocol. Connect with:
//
// > mysql --host=localhost --port=3306 --user=root

var (
	address        = "localhost"
	port           = 3306
	metricsAddress = ""
	dataDir        = "."
	dbName         = "mirror"
	remoteDSN      = ""
	publication    = "mypgmirror"
	slotName       = ""
	tablesList     = ""
	maxBatchSize   = 0
)

func init() {
	flag.StringVar(&address, "address", address, "The address to bind to.")
	flag.IntVar(&port, "port", port, "The port to bind to.")
	flag.StringVar(&metricsAddress, "metrics-address", metricsAddress, "Serve Prometheus metrics on this address (empty disables).")
	flag.StringVar(&dataDir, "datadir", dataDir, "The directory to store local data and metadata in.")
	flag.StringVar(&dbName, "database", dbName, "The name of the mirrored database.")
	flag.StringVar(&remoteDSN, "remote", remoteDSN, "The PostgreSQL connection string of the source database.")
	flag.StringVar(&publication, "publication", publication, "The remote publication to subscribe to.")
	flag.StringVar(&slotName, "slot", slotName, "The replication slot name (defaults to the publication name).")
	flag.StringVar(&tablesList, "tables", tablesList, "Comma-separated list of tables to mirror (empty mirrors the whole publication). Supports {macro} expansion.")
	flag.IntVar(&maxBatchSize, "max-batch-size", maxBatchSize, "Rows per local write batch (0 uses the global default).")
}

func main() {
	flag.Parse()

	if remoteDSN == "" {
		logrus.Fatalln("A -remote PostgreSQL connection string is required")
	}

	pool, err := backend.NewConnectionPool(filepath.Join(dataDir, dbName+".db"))
	if err != nil {
		logrus.Fatalln("Failed to open local storage:", err)
	}
	defer pool.Close()

	settings := &configuration.MirrorSettings{
		MaxBatchSize: maxBatchSize,
		TablesList:   tablesList,
	}

	base := catalog.NewOrdinaryDatabase(dbName, dataDir, pool)
	db := mirror.NewMirrorDatabase(base, mirror.Options{
		RemoteDatabase: dbName,
		RemoteDSN:      remoteDSN,
		Settings:       settings,
		BaseContext:    context.Background(),
		Handler: func(cfg mirror.HandlerConfig) (mirror.Handler, error) {
			return logrepl.NewReplicator(logrepl.Config{
				Catalog:       cfg.Database,
				Pool:          pool,
				RemoteDSN:     cfg.RemoteDSN,
				Publication:   publication,
				SlotName:      slotName,
				MetadataPath:  cfg.MetadataPath,
				MaxBatchSize:  cfg.MaxBatchSize,
				Tables:        cfg.Tables,
				BackgroundCtx: cfg.BackgroundCtx,
			})
		},
	})

	loadCtx := sql.NewContext(mycontext.WithQueryOrigin(context.Background(), mycontext.InternalQueryOrigin))
	if err := db.LoadStoredObjects(loadCtx, false, true); err != nil {
		logrus.Fatalln("Failed to load the database:", err)
	}

	provider := catalog.NewDatabaseProvider(db)
	engine := sqle.NewDefault(provider)

	if metricsAddress != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddress, nil); err != nil {
				logrus.Warnln("Metrics endpoint stopped:", err)
			}
		}()
	}

	config := server.Config{
		Protocol: "tcp",
		Address:  fmt.Sprintf("%s:%d", address, port),
	}
	s, err := server.NewDefaultServer(config, engine)
	if err != nil {
		logrus.Fatalln("Failed to create the server:", err)
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		db.Shutdown()
		_ = s.Close()
	}()

	if err = s.Start(); err != nil {
		logrus.Fatalln("Failed to start the server:", err)
	}
}
