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
	"os"

	"github.com/sirupsen/logrus"

	"github.com/natew/orez/config"
	"github.com/natew/orez/enginetest"
	"github.com/natew/orez/logging"
	"github.com/natew/orez/supervisor"
)

var (
	dataDirectory = "."
	pgPort        = 5432
	consumerPort  = 4848
	adminPort     = 0

	authUser     = "orez"
	authPassword = ""

	migrationsDir = ""
	seedFile      = ""
	publication   = ""
	appID         = "zero"

	skipConsumer = false
	logLevel     = int(logrus.InfoLevel)
)

func init() {
	flag.StringVar(&dataDirectory, "datadir", dataDirectory, "The directory to store instance data and lifecycle files.")
	flag.IntVar(&pgPort, "pg-port", pgPort, "The port to bind to for the PostgreSQL wire protocol.")
	flag.IntVar(&consumerPort, "consumer-port", consumerPort, "The port the companion consumer subprocess reports health on.")
	flag.IntVar(&adminPort, "admin-port", adminPort, "The port for the out-of-scope dashboard; 0 disables the admin-port file.")

	flag.StringVar(&authUser, "user", authUser, "The single username accepted during authentication.")
	flag.StringVar(&authPassword, "password", authPassword, "The single password accepted during authentication.")

	flag.StringVar(&migrationsDir, "migrations", migrationsDir, "Directory of ordered SQL migration files to apply on startup.")
	flag.StringVar(&seedFile, "seed", seedFile, "SQL file applied once, only when the postgres instance is detected empty.")
	flag.StringVar(&publication, "publication", publication, "Override the synthesized managed-publication name; treated as user-supplied when set.")
	flag.StringVar(&appID, "app-id", appID, "Seeds the synthesized managed-publication name when -publication is unset.")

	flag.BoolVar(&skipConsumer, "skip-consumer", skipConsumer, "Do not spawn the companion consumer subprocess.")
	flag.IntVar(&logLevel, "loglevel", logLevel, "The log level to use.")

	flag.StringVar(&supervisor.ConsumerBinary, "consumer-binary", supervisor.ConsumerBinary, "Path to the companion consumer subprocess executable.")
}

func main() {
	flag.Parse()

	log := logging.New(logging.Level(logLevel), os.Stderr, 512)

	cfg := &config.Config{
		DataDir:              dataDirectory,
		PGPort:               pgPort,
		ConsumerPort:         consumerPort,
		AdminPort:            adminPort,
		AuthUser:             authUser,
		AuthPassword:         authPassword,
		MigrationsDir:        migrationsDir,
		SeedFile:             seedFile,
		SkipConsumer:         skipConsumer,
		LogLevel:             logrus.Level(logLevel).String(),
		AppID:                appID,
		Publication:          publication,
		HealthTimeoutSeconds: 60,
	}

	// The production embedded engine is consumed only through the opaque
	// engine.Driver interface (spec §1) and is out of scope here; wiring in
	// a real Postgres-compatible engine is the job of whatever build tags
	// this binary is compiled with in a production checkout.
	driver := enginetest.NewDriver()

	if err := supervisor.Run(context.Background(), cfg, supervisor.Dependencies{}, driver, log); err != nil {
		log.For("H").WithError(err).Fatal("supervisor exited")
	}
}
