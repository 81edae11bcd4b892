// Command exctl is the operator's inspection and maintenance tool for an
// exchange node's storage directory: dump WAL records, list the checkpoint
// manifest, derive account snapshots, and trigger compaction or a
// checkpoint on a stopped node. It works directly against the on-disk
// storage root and never talks to a running server.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/storage"
	"github.com/exchange-core/matching-core/internal/storage/checkpoint"
	"github.com/exchange-core/matching-core/internal/storage/index"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/storage/wal"
	"github.com/exchange-core/matching-core/pkg/types"
)

var (
	dataDir string

	dumpInstrument string
	dumpKind       string
	dumpLimit      int
)

func requireNoError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}

// addDataDirFlag registers the one flag every subcommand needs.
func addDataDirFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&dataDir, "data-dir", "d", "", "Path to the node's storage root")
}

func main() {
	cobra.OnInitialize()

	addDataDirFlag(rootCmd.PersistentFlags())
	rootCmd.MarkPersistentFlagRequired("data-dir")

	rootCmd.AddCommand(statusCmd)

	dumpWalCmd.Flags().StringVarP(&dumpInstrument, "instrument", "i", "", "Only records for this instrument")
	dumpWalCmd.Flags().StringVarP(&dumpKind, "kind", "k", "", "Only records of this kind (e.g. TradeExecuted)")
	dumpWalCmd.Flags().IntVarP(&dumpLimit, "limit", "n", 0, "Stop after this many records (0 = all)")
	rootCmd.AddCommand(dumpWalCmd)

	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(compactCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "exctl",
	Short: "exctl inspects and maintains an exchange node's storage directory",
	Long:  "exctl inspects and maintains an exchange node's storage directory",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint manifest: durable WAL sequence and live SSTables",
	Run: func(cmd *cobra.Command, args []string) {
		requireNoError(showStatus())
	},
}

func showStatus() error {
	m, err := checkpoint.Open(filepath.Join(dataDir, "manifest"))
	if err != nil {
		return err
	}
	defer m.Close()

	files, walSeq, walSegment, ok, err := m.Load(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no checkpoint committed yet")
		return nil
	}

	fmt.Printf("durable WAL sequence: %d (segment %d)\n\n", walSeq, walSegment)

	sort.Slice(files, func(i, j int) bool {
		if files[i].Level != files[j].Level {
			return files[i].Level < files[j].Level
		}
		return files[i].ID < files[j].ID
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Level", "ID", "Category", "Size", "Path")
	for _, f := range files {
		table.Append(
			fmt.Sprintf("L%d", f.Level),
			fmt.Sprintf("%d", f.ID),
			types.RecordCategory(f.Category).String(),
			fmt.Sprintf("%d", f.Size),
			f.Path,
		)
	}
	table.Render()
	return nil
}

var dumpWalCmd = &cobra.Command{
	Use:   "dump-wal",
	Short: "Print WAL records in sequence order",
	Run: func(cmd *cobra.Command, args []string) {
		requireNoError(dumpWal())
	},
}

func dumpWal() error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Timestamp", "Kind", "Instrument", "Bytes")

	count := 0
	err := wal.Replay(filepath.Join(dataDir, "wal"), func(rec record.Record) error {
		if dumpInstrument != "" && string(rec.InstrumentID) != dumpInstrument {
			return nil
		}
		if dumpKind != "" && rec.Kind.String() != dumpKind {
			return nil
		}
		if dumpLimit > 0 && count >= dumpLimit {
			return nil
		}
		count++
		table.Append(
			fmt.Sprintf("%d", rec.Sequence),
			time.Unix(0, rec.TimestampNano).UTC().Format(time.RFC3339Nano),
			rec.Kind.String(),
			string(rec.InstrumentID),
			fmt.Sprintf("%d", len(rec.Payload)),
		)
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	fmt.Printf("%d records\n", count)
	return nil
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Derive the latest account snapshots from the stored record stream",
	Run: func(cmd *cobra.Command, args []string) {
		requireNoError(showAccounts())
	},
}

func showAccounts() error {
	e, err := storage.Open(storage.Config{Root: dataDir}, clock.Real{})
	if err != nil {
		return err
	}
	defer e.Close()

	kind := record.KindAccountUpdate
	recs, err := e.Query(index.Query{Kind: &kind})
	if err != nil {
		return err
	}

	// Later sequences win: the stream is the serialized history of every
	// account mutation.
	latest := make(map[types.AccountID]record.AccountUpdateBody)
	latestSeq := make(map[types.AccountID]uint64)
	for _, rec := range recs {
		body, err := record.DecodeAccountUpdate(rec.Payload)
		if err != nil {
			continue
		}
		if rec.Sequence >= latestSeq[body.Account] {
			latest[body.Account] = body
			latestSeq[body.Account] = rec.Sequence
		}
	}

	ids := make([]types.AccountID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Account", "Balance", "Frozen", "Occupied", "Commission", "CloseProfit")
	for _, id := range ids {
		b := latest[id]
		table.Append(
			string(id),
			b.Balance.String(),
			b.FrozenMargin.String(),
			b.OccupiedMargin.String(),
			b.CumCommission.String(),
			b.CumCloseProfit.String(),
		)
	}
	table.Render()
	return nil
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Flush MemTables, commit a manifest, and retire covered WAL segments",
	Run: func(cmd *cobra.Command, args []string) {
		requireNoError(runCheckpoint())
	},
}

func runCheckpoint() error {
	e, err := storage.Open(storage.Config{Root: dataDir}, clock.Real{})
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Checkpoint(context.Background(), e.Manifest()); err != nil {
		return err
	}
	fmt.Printf("checkpoint committed at sequence %d\n", e.DurableWALSequence())
	return nil
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run leveled compaction until no level exceeds its trigger",
	Run: func(cmd *cobra.Command, args []string) {
		requireNoError(runCompaction())
	},
}

func runCompaction() error {
	e, err := storage.Open(storage.Config{Root: dataDir}, clock.Real{})
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.CompactNow()
	if err != nil {
		return err
	}
	fmt.Printf("compaction wrote %d file(s)\n", n)
	return nil
}
