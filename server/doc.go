/*
Package server provides the HTTP API of npmutate.  Mutation requests are validated
against JSON schemas, authorized with JWTs when a secret key is configured and run
on a mutate.Engine with a bound on the number of concurrent transactions.

Endpoints:

	POST /api/{dataset}/merge                          merge bodies
	POST /api/{dataset}/split                          split synapses into a new body
	POST /api/{dataset}/segments/{bodyid}/properties   set segment properties
	GET  /api/{dataset}/check                          verify stored aggregates (badger only)
	GET  /api/server/info                              server and store description
	GET  /metrics                                      Prometheus metrics

Errors are returned as {"error": message} with 400 for invalid requests, 404 for
unknown bodies or synapses, 409 for an inconsistent graph and 500 for store
failures.

The server is configured with a TOML file:

	[server]
	httpAddress = "localhost:8000"
	maxConcurrentMutations = 4
	corsDomains = ["https://neuprint.janelia.org"]
	blockListFile = "blocklist.txt"
	note = "hemibrain proofreading"

	[auth]
	secret_key = "..."
	auth_file = "authorized.json"

	[logging]
	logfile = "npmutate.log"
	max_log_size = 500  # MB
	max_log_age = 30    # days

	[store]
	engine = "badger"   # or "neo4j"
	path = "data/badger"

	[dataset.hemibrain]
	neuronPre = 2
	neuronPost = 10

	[kafka]
	servers = ["kafka.example.org:9092"]
	topicPrefix = "npmutate"
*/
package server
