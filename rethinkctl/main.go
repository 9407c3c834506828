package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	rethink "github.com/SepehrGouran/angular-rethinkdb"
)

const RethinkCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
	flag.Parse()
}

func main() {
	usage := `Rethink table control.

Watches a table's change feed or issues one mutation command against the
backend api. The api key is prompted when not given by flag or config file.

Usage:
    rethinkctl watch [--config=<config>] [--host=<host>] [--port=<port>]
        [--database=<database>] [--api_key=<api_key>]
        [--query=<query>]
        <table>
    rethinkctl push [--config=<config>] [--host=<host>] [--port=<port>]
        [--database=<database>] [--api_key=<api_key>]
        <table> <entity>
    rethinkctl remove [--config=<config>] [--host=<host>] [--port=<port>]
        [--database=<database>] [--api_key=<api_key>]
        [--index=<index>]
        <table> <value>
    rethinkctl update [--config=<config>] [--host=<host>] [--port=<port>]
        [--database=<database>] [--api_key=<api_key>]
        [--query=<query>]
        <table> <entity>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        Yaml config file with host, port, database, api_key.
    --host=<host>
    --port=<port>
    --database=<database>
    --api_key=<api_key>
    --query=<query>          Backend filter as json.
    --index=<index>          Remove by this index instead of id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RethinkCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		push(opts)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		remove(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	}
}

func loadConfig(opts docopt.Opts) *rethink.Config {
	config := &rethink.Config{}

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		loaded, err := rethink.LoadConfigFile(configPath)
		if err != nil {
			Err.Fatalf("Could not read config (%s).", err)
		}
		config = loaded
	}

	if host, err := opts.String("--host"); err == nil && host != "" {
		config.Host = host
	}
	if port, err := opts.Int("--port"); err == nil && port != 0 {
		config.Port = port
	}
	if database, err := opts.String("--database"); err == nil && database != "" {
		config.Database = database
	}
	if apiKey, err := opts.String("--api_key"); err == nil && apiKey != "" {
		config.APIKey = apiKey
	}

	if config.APIKey == "" {
		fmt.Fprint(os.Stderr, "api key: ")
		apiKeyBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read api key (%s).", err)
		}
		config.APIKey = string(apiKeyBytes)
	}

	return config
}

func parseQuery(opts docopt.Opts) *rethink.QuerySource {
	queryJson, err := opts.String("--query")
	if err != nil || queryJson == "" {
		return nil
	}
	query := rethink.Query{}
	if err := json.Unmarshal([]byte(queryJson), &query); err != nil {
		Err.Fatalf("Invalid query json (%s).", err)
	}
	return rethink.NewQuerySource(query)
}

func parseEntity(opts docopt.Opts) rethink.Entity {
	entityJson, _ := opts.String("<entity>")
	entity := rethink.Entity{}
	if err := json.Unmarshal([]byte(entityJson), &entity); err != nil {
		Err.Fatalf("Invalid entity json (%s).", err)
	}
	return entity
}

func collection(opts docopt.Opts, querySource *rethink.QuerySource) *rethink.Collection {
	config := loadConfig(opts)
	table, _ := opts.String("<table>")
	return rethink.NewCollectionWithContext(
		context.Background(),
		config,
		table,
		querySource,
		rethink.DefaultCollectionSettings(),
	)
}

// watch prints every published snapshot as a json array, one per line,
// until interrupted.
func watch(opts docopt.Opts) {
	c := collection(opts, parseQuery(opts))
	defer c.Close()

	unsubscribe := c.Subscribe(func(snapshot rethink.Snapshot, err error) {
		if err != nil {
			Err.Fatalf("Stream error (%s).", err)
		}
		snapshotJson, err := json.Marshal(snapshot)
		if err != nil {
			Err.Fatalf("Could not encode snapshot (%s).", err)
		}
		Out.Printf("%s", snapshotJson)
	})
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func push(opts docopt.Opts) {
	c := collection(opts, nil)
	defer c.Close()

	result, err := c.Push(context.Background(), parseEntity(opts))
	printResult(result, err)
}

func remove(opts docopt.Opts) {
	c := collection(opts, nil)
	defer c.Close()

	value, _ := opts.String("<value>")
	var selector any = value
	if index, err := opts.String("--index"); err == nil && index != "" {
		selector = rethink.IndexSelector{
			IndexName:  index,
			IndexValue: value,
		}
	}

	result, err := c.Remove(context.Background(), selector)
	printResult(result, err)
}

func update(opts docopt.Opts) {
	c := collection(opts, nil)
	defer c.Close()

	var query rethink.Query
	if queryJson, err := opts.String("--query"); err == nil && queryJson != "" {
		query = rethink.Query{}
		if err := json.Unmarshal([]byte(queryJson), &query); err != nil {
			Err.Fatalf("Invalid query json (%s).", err)
		}
	}

	result, err := c.Update(context.Background(), parseEntity(opts), query)
	printResult(result, err)
}

func printResult(result rethink.CommandResult, err error) {
	if err != nil {
		Err.Fatalf("Command error (%s).", err)
	}
	resultJson, err := json.Marshal(result)
	if err != nil {
		Err.Fatalf("Could not encode result (%s).", err)
	}
	Out.Printf("%s", resultJson)
}
