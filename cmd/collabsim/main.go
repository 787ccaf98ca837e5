// collabsim drives N in-process replicas of one workbook through a random
// edit script and verifies they converge. Useful as a smoke test for the
// sync core and as a generator for a persisted update log.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/gridsync/internal/awareness"
	"github.com/marcus/gridsync/internal/binding"
	"github.com/marcus/gridsync/internal/conflict"
	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/provider"
	"github.com/marcus/gridsync/internal/replica"
)

type options struct {
	peers     int
	edits     int
	seed      int64
	storePath string
	verbose   bool
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:   "collabsim",
		Short: "Simulate concurrent spreadsheet editors and verify convergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
		SilenceUsage: true,
	}
	root.Flags().IntVar(&opts.peers, "peers", 3, "number of concurrent editors")
	root.Flags().IntVar(&opts.edits, "edits", 200, "number of random edits")
	root.Flags().Int64Var(&opts.seed, "seed", 1, "random seed")
	root.Flags().StringVar(&opts.storePath, "store", "", "sqlite path to persist the update log (optional)")
	root.Flags().BoolVar(&opts.verbose, "verbose", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type peer struct {
	name    string
	doc     *replica.Doc
	aw      *replica.Awareness
	binding *binding.Binding
	tracker *awareness.Tracker
	handle  *provider.Peer
}

func run(opts options) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if opts.peers < 2 {
		return fmt.Errorf("need at least 2 peers, got %d", opts.peers)
	}

	var store *provider.UpdateStore
	docID := uuid.NewString()
	if opts.storePath != "" {
		var err error
		store, err = provider.OpenUpdateStore(opts.storePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	bus := provider.NewMemoryBus(logger)
	resolver := conflict.NewResolver(conflict.Options{Logger: logger})
	unsubConflicts := resolver.OnConflict(func(c conflict.Conflict) {
		logger.Debug("conflict recorded", "kind", c.Kind, "desc", c.Description)
	})
	defer unsubConflicts()

	// First peer seeds the document; the rest adopt replica state.
	peers := make([]*peer, opts.peers)
	for i := range peers {
		name := fmt.Sprintf("editor-%d", i)
		doc := replica.NewDoc()
		aw := replica.NewAwareness(uuid.NewString())
		p := &peer{
			name: name,
			doc:  doc,
			aw:   aw,
		}
		p.handle = bus.Join(name, doc, aw)
		if store != nil {
			doc.OnUpdate(func(update []byte, origin any, local bool) {
				if !local {
					return
				}
				if _, err := store.Append(docID, name, update); err != nil {
					logger.Warn("persist update", "peer", name, "err", err)
				}
			})
		}
		peers[i] = p
	}

	wb := models.NewWorkbook(docID, "simulated workbook")
	sheet := models.NewSheet(uuid.NewString(), "Sheet1")
	wb.AddSheet(sheet)
	peers[0].binding = binding.New(peers[0].doc, wb, binding.Options{Logger: logger})
	peers[0].binding.InitializeFromDocument()

	for _, p := range peers {
		if err := p.handle.Connect(); err != nil {
			return fmt.Errorf("connect %s: %w", p.name, err)
		}
	}
	for i, p := range peers {
		if i == 0 {
			continue
		}
		p.binding = binding.New(p.doc, nil, binding.Options{Logger: logger})
		p.binding.SyncFromReplica()
	}
	for i, p := range peers {
		p.tracker = awareness.NewTracker(p.aw, awareness.UserInfo{
			ID:   fmt.Sprintf("user-%d", i),
			Name: p.name,
		}, awareness.Options{Logger: logger})
	}

	rng := rand.New(rand.NewSource(opts.seed))
	applyEdits(rng, peers, resolver, opts.edits, logger)

	if err := verifyConvergence(peers); err != nil {
		return err
	}

	logger.Info("converged",
		"peers", opts.peers,
		"edits", opts.edits,
		"sheets", len(peers[0].binding.Workbook().Sheets),
		"conflicts", len(resolver.GetConflictHistory(0)),
	)
	if store != nil {
		n, err := store.CountUpdates(docID)
		if err != nil {
			return err
		}
		logger.Info("update log persisted", "path", opts.storePath, "updates", n)
	}

	for _, p := range peers {
		p.tracker.Destroy()
		p.binding.Destroy()
		p.handle.Disconnect()
	}
	return nil
}

func applyEdits(rng *rand.Rand, peers []*peer, resolver *conflict.Resolver, edits int, logger *slog.Logger) {
	for i := 0; i < edits; i++ {
		p := peers[rng.Intn(len(peers))]
		wb := p.binding.Workbook()
		if len(wb.Sheets) == 0 {
			continue
		}
		sheet := wb.Sheets[rng.Intn(len(wb.Sheets))]
		row, col := rng.Intn(20), rng.Intn(10)

		var err error
		switch rng.Intn(10) {
		case 0:
			err = p.binding.SetCellFormula(sheet.ID, row, col, fmt.Sprintf("=A%d+B%d", row+1, row+2))
		case 1:
			err = p.binding.SetColumnWidth(sheet.ID, col, 40+float64(rng.Intn(200)))
		case 2:
			err = p.binding.SetRowHeight(sheet.ID, row, 12+float64(rng.Intn(60)))
		case 3:
			r := models.Range{StartRow: row, StartCol: col, EndRow: row + 1, EndCol: col + 1}
			if res := resolver.ResolveMergedOverlap(sheet.ID, r, sheet.Merged); res.OK {
				err = p.binding.AddMergedRegion(sheet.ID, r)
			}
		case 4:
			res := resolver.ResolveSheetRename(fmt.Sprintf("Sheet%d", rng.Intn(5)+1), wb.SheetNames())
			name, _ := res.Value.(string)
			err = p.binding.RenameSheet(sheet.ID, name)
		case 5:
			if len(wb.Sheets) < 6 {
				res := resolver.ResolveSheetRename(fmt.Sprintf("Sheet%d", len(wb.Sheets)+1), wb.SheetNames())
				name, _ := res.Value.(string)
				_, err = p.binding.AddSheet(name)
			}
		case 6:
			p.tracker.SetLocalCursor(sheet.ID, row, col)
		default:
			err = p.binding.SetCellValue(sheet.ID, row, col, fmt.Sprintf("v%d", i))
		}
		if err != nil {
			logger.Warn("edit failed", "peer", p.name, "err", err)
		}
	}
}

// verifyConvergence checks all peers ended up with structurally equal
// workbooks: same sheet names in order, same cells, dimensions and merged
// regions.
func verifyConvergence(peers []*peer) error {
	ref := peers[0].binding.Workbook()
	for _, p := range peers[1:] {
		wb := p.binding.Workbook()
		if diff := compareWorkbooks(ref, wb); diff != "" {
			return fmt.Errorf("peer %s diverged: %s", p.name, diff)
		}
	}
	return nil
}

func compareWorkbooks(a, b *models.Workbook) string {
	if !reflect.DeepEqual(a.SheetNames(), b.SheetNames()) {
		return fmt.Sprintf("sheet names %v vs %v", a.SheetNames(), b.SheetNames())
	}
	var diffs []string
	for _, sa := range a.Sheets {
		sb := b.Sheet(sa.ID)
		if sb == nil {
			diffs = append(diffs, fmt.Sprintf("sheet %s missing", sa.ID))
			continue
		}
		if !reflect.DeepEqual(sa.Cells, sb.Cells) {
			diffs = append(diffs, fmt.Sprintf("sheet %q cells differ (%d vs %d)", sa.Name, len(sa.Cells), len(sb.Cells)))
		}
		if !reflect.DeepEqual(sa.ColWidths, sb.ColWidths) || !reflect.DeepEqual(sa.RowHeights, sb.RowHeights) {
			diffs = append(diffs, fmt.Sprintf("sheet %q dimensions differ", sa.Name))
		}
		if len(sa.Merged) != len(sb.Merged) {
			diffs = append(diffs, fmt.Sprintf("sheet %q merged regions differ", sa.Name))
		}
	}
	return strings.Join(diffs, "; ")
}
