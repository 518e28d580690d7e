// Package load contains the command to load a graph chunk into the triple store of a slave.
package load

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/koral-rdf/koral/cmd/util"
	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/server/config"
	"github.com/koral-rdf/koral/pkg/storage"
	"github.com/koral-rdf/koral/pkg/storage/sqlite"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreEngineConf = "datastore.engine"
	datastoreURIFlag    = "datastore-uri"
	datastoreURIConf    = "datastore.uri"
	fileFlag            = "file"
	batchSizeFlag       = "batch-size"
	writersFlag         = "writers"
	logFormatFlag       = "log-format"
	logFormatConf       = "log.format"
	logLevelFlag        = "log-level"
	logLevelConf        = "log.level"

	defaultBatchSize = 500
)

func NewLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a graph chunk into the triple store of a slave",
		Long: `The load command writes the triples of a CSV file into the triple store of a slave.

Every row holds the dictionary ids of a triple and the nodes that store it:

    subject,property,object,containment

where containment is a space separated list of node ids. The schema of the
store must have been migrated first.`,
		RunE: runLoad,
		Args: cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, config.DatastoreEngineSQLite, "the datastore engine that holds the graph chunk")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the database to load the triples into (e.g. 'file:koral.db')")
	flags.String(fileFlag, "", "(required) the CSV file to read the triples from, '-' reads stdin")
	flags.Int(batchSizeFlag, defaultBatchSize, "the number of triples written at once")
	flags.Int(writersFlag, 4, "the number of concurrent writes")
	flags.String(logFormatFlag, defaultConfig.Log.Format, "the log format to output logs in")
	flags.String(logLevelFlag, defaultConfig.Log.Level, "the log level to use")

	cmd.PreRun = func(command *cobra.Command, _ []string) {
		flags := command.Flags()

		util.MustBindPFlag(datastoreEngineConf, flags.Lookup(datastoreEngineFlag))
		util.MustBindPFlag(datastoreURIConf, flags.Lookup(datastoreURIFlag))
		util.MustBindPFlag(fileFlag, flags.Lookup(fileFlag))
		util.MustBindPFlag(batchSizeFlag, flags.Lookup(batchSizeFlag))
		util.MustBindPFlag(writersFlag, flags.Lookup(writersFlag))
		util.MustBindPFlag(logFormatConf, flags.Lookup(logFormatFlag))
		util.MustBindPFlag(logLevelConf, flags.Lookup(logLevelFlag))
	}

	return cmd
}

func runLoad(cmd *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineConf)
	if engine != config.DatastoreEngineSQLite {
		return fmt.Errorf("cannot load triples into datastore engine '%s'", engine)
	}
	file := viper.GetString(fileFlag)
	if file == "" {
		return errors.New("missing file to load")
	}
	batchSize := viper.GetInt(batchSizeFlag)
	if batchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", batchSize)
	}

	l, err := logger.NewLogger(viper.GetString(logFormatConf), viper.GetString(logLevelConf), "ISO8601")
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ds, err := sqlite.New(viper.GetString(datastoreURIConf), sqlite.WithLogger(l), sqlite.WithMaxTriplesPerWrite(batchSize))
	if err != nil {
		return fmt.Errorf("initialize sqlite datastore: %w", err)
	}
	defer ds.Close()

	start := time.Now()
	n, err := Load(cmd.Context(), ds, in, batchSize, viper.GetInt(writersFlag))
	if err != nil {
		return err
	}

	l.Info("graph chunk loaded", zap.Int("triples", n), logger.Duration(start))
	return nil
}

// Load writes the triples read from r into store, batchSize at a time with
// up to writers concurrent writes. It returns the number of triples read.
func Load(ctx context.Context, store storage.TripleStore, r io.Reader, batchSize, writers int) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 4
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	g, gctx := errgroup.WithContext(ctx)
	if writers > 0 {
		g.SetLimit(writers)
	}

	write := func(batch []*storage.Triple) {
		g.Go(func() error {
			return store.Write(gctx, batch)
		})
	}

	total := 0
	batch := make([]*storage.Triple, 0, batchSize)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = g.Wait()
			return 0, err
		}

		line, _ := reader.FieldPos(0)
		t, err := parseTriple(record)
		if err != nil {
			_ = g.Wait()
			return 0, fmt.Errorf("line %d: %w", line, err)
		}

		batch = append(batch, t)
		total++
		if len(batch) == batchSize {
			write(batch)
			batch = make([]*storage.Triple, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		write(batch)
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

func parseTriple(record []string) (*storage.Triple, error) {
	var ids [3]uint64
	for i := range ids {
		id, err := strconv.ParseUint(strings.TrimSpace(record[i]), 10, 64)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	var containment []uint16
	for _, field := range strings.Fields(record[3]) {
		node, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, err
		}
		containment = append(containment, uint16(node))
	}
	if len(containment) == 0 {
		return nil, errors.New("triple is stored on no node")
	}

	t := &storage.Triple{Subject: ids[0], Property: ids[1], Object: ids[2], Containment: containment}
	if err := storage.Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}
